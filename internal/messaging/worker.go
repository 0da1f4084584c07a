package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"hpo-backend/internal/coordinator"
	"hpo-backend/internal/database"
	"hpo-backend/internal/dispatch"
	"hpo-backend/internal/search"

	"gorm.io/gorm"
)

// BackendFactory builds a dispatch backend for one study run. Injected so
// workers stay independent of how backends are configured.
type BackendFactory func(spec *search.Spec) (dispatch.Backend, error)

// StudyWorker consumes study tasks and runs their trials through the
// coordinator. A worker holds one study at a time per goroutine; when a
// study's per-job chunk is used up with budget remaining, the worker
// republishes the task so another worker can continue it.
type StudyWorker struct {
	db          *gorm.DB
	reciever    Reciever
	publisher   Publisher
	backends    BackendFactory
	concurrency int
	coordOpts   []coordinator.Option
}

func NewStudyWorker(db *gorm.DB, reciever Reciever, publisher Publisher, backends BackendFactory, concurrency int, coordOpts ...coordinator.Option) *StudyWorker {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
		slog.Info("worker concurrency not specified, defaulting to cpu count", "concurrency", concurrency)
	}
	return &StudyWorker{
		db:          db,
		reciever:    reciever,
		publisher:   publisher,
		backends:    backends,
		concurrency: concurrency,
		coordOpts:   coordOpts,
	}
}

// Start blocks until the context is cancelled or the task channel closes.
func (w *StudyWorker) Start(ctx context.Context) {
	slog.Info("starting study workers", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case task, ok := <-w.reciever.Tasks():
					if !ok {
						slog.Info("task channel closed, worker exiting", "worker", id)
						return
					}
					w.processTask(ctx, task)
				case <-ctx.Done():
					slog.Info("worker exiting", "worker", id)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func (w *StudyWorker) processTask(ctx context.Context, task Task) {
	switch task.Type() {
	case StudyQueue:
		var payload RunStudyPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error parsing study task payload", "error", err, "payload", string(task.Payload()))
			task.Reject()
			return
		}
		if err := w.runStudy(ctx, payload); err != nil {
			slog.Error("error running study task", "study_id", payload.StudyId, "error", err)
			task.Nack()
			return
		}
		task.Ack()

	default:
		slog.Error("received message from unknown queue, discarding", "queue", task.Type())
		task.Reject()
	}
}

func (w *StudyWorker) runStudy(ctx context.Context, payload RunStudyPayload) error {
	study, err := database.GetStudy(ctx, w.db, payload.StudyId)
	if err != nil {
		return fmt.Errorf("error loading study %s: %w", payload.StudyId, err)
	}

	switch study.Status {
	case database.StudyCompleted, database.StudyCancelled, database.StudyFailed:
		slog.Info("study already finished, skipping task", "study", study.Name, "status", study.Status)
		return nil
	}

	spec, err := database.LoadSpec(study)
	if err != nil {
		return fmt.Errorf("error loading spec for study %s: %w", study.Name, err)
	}

	backend, err := w.backends(spec)
	if err != nil {
		return fmt.Errorf("error creating dispatch backend for study %s: %w", study.Name, err)
	}

	opts := make([]coordinator.Option, len(w.coordOpts), len(w.coordOpts)+1)
	copy(opts, w.coordOpts)
	if spec.TrialsPerJob > 0 {
		opts = append(opts, coordinator.WithMaxTrialsPerRun(spec.TrialsPerJob))
	}

	coord, err := coordinator.New(w.db, backend, study, spec, opts...)
	if err != nil {
		return fmt.Errorf("error creating coordinator for study %s: %w", study.Name, err)
	}

	done, err := coord.Run(ctx)
	if err != nil {
		return err
	}

	if !done {
		slog.Info("study chunk finished with budget remaining, republishing", "study", study.Name)
		if err := w.publisher.PublishRunStudyTask(ctx, payload); err != nil {
			return fmt.Errorf("error republishing study %s: %w", study.Name, err)
		}
	}
	return nil
}
