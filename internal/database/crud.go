package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"hpo-backend/internal/search"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func CreateStudy(ctx context.Context, db *gorm.DB, spec *search.Spec) (Study, error) {
	specJson, err := json.Marshal(spec)
	if err != nil {
		return Study{}, fmt.Errorf("could not marshal search spec: %w", err)
	}

	study := Study{
		Id:           uuid.New(),
		Name:         spec.StudyName,
		Direction:    string(spec.Direction),
		Metric:       spec.Metric,
		Status:       StudyCreated,
		NTrials:      spec.NTrials,
		Spec:         specJson,
		CreationTime: time.Now().UTC(),
	}

	if err := db.WithContext(ctx).Create(&study).Error; err != nil {
		slog.Error("error creating study", "study_name", spec.StudyName, "error", err)
		return Study{}, err
	}
	return study, nil
}

// GetOrCreateStudy resumes an existing study by name or creates a new one,
// so a restarted worker picks up where the last run stopped.
func GetOrCreateStudy(ctx context.Context, db *gorm.DB, spec *search.Spec) (Study, error) {
	var study Study
	err := db.WithContext(ctx).Where("name = ?", spec.StudyName).First(&study).Error
	if err == nil {
		return study, nil
	}
	if err != gorm.ErrRecordNotFound {
		return Study{}, err
	}
	return CreateStudy(ctx, db, spec)
}

func GetStudyByName(ctx context.Context, db *gorm.DB, name string) (Study, error) {
	var study Study
	if err := db.WithContext(ctx).Where("name = ?", name).First(&study).Error; err != nil {
		return Study{}, err
	}
	return study, nil
}

func GetStudy(ctx context.Context, db *gorm.DB, studyId uuid.UUID) (Study, error) {
	var study Study
	if err := db.WithContext(ctx).First(&study, "id = ?", studyId).Error; err != nil {
		return Study{}, err
	}
	return study, nil
}

// LoadSpec decodes the search spec snapshot stored with the study.
func LoadSpec(study Study) (*search.Spec, error) {
	var spec search.Spec
	if err := json.Unmarshal(study.Spec, &spec); err != nil {
		return nil, fmt.Errorf("could not unmarshal search spec for study %s: %w", study.Id, err)
	}
	return &spec, nil
}

func UpdateStudyStatus(ctx context.Context, txn *gorm.DB, studyId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == StudyCompleted || status == StudyFailed || status == StudyCancelled {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Study{Id: studyId}).Updates(updates).Error; err != nil {
		slog.Error("error updating study status", "study_id", studyId, "status", status, "error", err)
		return err
	}
	return nil
}

// StopStudy flags a study for cancellation. The coordinator observes the
// flag between trials and winds the study down.
func StopStudy(ctx context.Context, db *gorm.DB, studyId uuid.UUID) error {
	if err := db.WithContext(ctx).Model(&Study{Id: studyId}).Update("stopped", true).Error; err != nil {
		slog.Error("error stopping study", "study_id", studyId, "error", err)
		return err
	}
	return nil
}

func IsStudyStopped(ctx context.Context, db *gorm.DB, studyId uuid.UUID) (bool, error) {
	var study Study
	if err := db.WithContext(ctx).Select("stopped").First(&study, "id = ?", studyId).Error; err != nil {
		return false, err
	}
	return study.Stopped, nil
}

// CreateTrial appends a new pending trial to the study. Numbers are
// allocated monotonically in submission order and never reused.
func CreateTrial(ctx context.Context, db *gorm.DB, studyId uuid.UUID, params map[string]any) (Trial, error) {
	paramsJson, err := json.Marshal(params)
	if err != nil {
		return Trial{}, fmt.Errorf("could not marshal trial params: %w", err)
	}

	var trial Trial
	err = db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var maxNumber *int
		if err := txn.Model(&Trial{}).Where("study_id = ?", studyId).
			Select("max(number)").Scan(&maxNumber).Error; err != nil {
			return err
		}

		next := 0
		if maxNumber != nil {
			next = *maxNumber + 1
		}

		trial = Trial{
			StudyId:      studyId,
			Number:       next,
			Status:       TrialPending,
			Params:       paramsJson,
			CreationTime: time.Now().UTC(),
		}
		return txn.Create(&trial).Error
	})
	if err != nil {
		slog.Error("error creating trial", "study_id", studyId, "error", err)
		return Trial{}, err
	}
	return trial, nil
}

func MarkTrialRunning(ctx context.Context, db *gorm.DB, studyId uuid.UUID, number int) error {
	updates := map[string]any{"status": TrialRunning, "start_time": time.Now().UTC()}
	if err := db.WithContext(ctx).Model(&Trial{}).Where("study_id = ? AND number = ?", studyId, number).Updates(updates).Error; err != nil {
		slog.Error("error marking trial running", "study_id", studyId, "trial", number, "error", err)
		return err
	}
	return nil
}

func AddTrialReport(ctx context.Context, db *gorm.DB, studyId uuid.UUID, number, step int, value float64) error {
	report := TrialReport{
		StudyId:     studyId,
		TrialNumber: number,
		Step:        step,
		Value:       value,
		Timestamp:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&report).Error; err != nil {
		slog.Error("error saving trial report", "study_id", studyId, "trial", number, "step", step, "error", err)
		return err
	}
	return nil
}

// CompleteTrial records a final value and, in the same transaction, moves
// the study's best-trial pointer if the new value improves on it under the
// study direction. Completion order therefore never affects which trial
// ends up best.
func CompleteTrial(ctx context.Context, db *gorm.DB, studyId uuid.UUID, number int, value float64, direction search.Direction) error {
	now := time.Now().UTC()
	err := db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Model(&Trial{}).Where("study_id = ? AND number = ?", studyId, number).Updates(map[string]any{
			"status":          TrialComplete,
			"value":           value,
			"completion_time": now,
		}).Error; err != nil {
			return err
		}

		var study Study
		if err := txn.First(&study, "id = ?", studyId).Error; err != nil {
			return err
		}

		if !study.BestValue.Valid || search.Direction(study.Direction).Better(value, study.BestValue.Float64) {
			return txn.Model(&Study{Id: studyId}).Updates(map[string]any{
				"best_trial_number": number,
				"best_value":        value,
			}).Error
		}
		return nil
	})
	if err != nil {
		slog.Error("error completing trial", "study_id", studyId, "trial", number, "error", err)
		return err
	}
	return nil
}

func FailTrial(ctx context.Context, db *gorm.DB, studyId uuid.UUID, number int, reason string) error {
	updates := map[string]any{
		"status":          TrialFailed,
		"failure_reason":  reason,
		"completion_time": time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Model(&Trial{}).Where("study_id = ? AND number = ?", studyId, number).Updates(updates).Error; err != nil {
		slog.Error("error failing trial", "study_id", studyId, "trial", number, "error", err)
		return err
	}
	return nil
}

func PruneTrial(ctx context.Context, db *gorm.DB, studyId uuid.UUID, number int) error {
	updates := map[string]any{"status": TrialPruned, "completion_time": time.Now().UTC()}
	if err := db.WithContext(ctx).Model(&Trial{}).Where("study_id = ? AND number = ?", studyId, number).Updates(updates).Error; err != nil {
		slog.Error("error pruning trial", "study_id", studyId, "trial", number, "error", err)
		return err
	}
	return nil
}

// FinishedTrialCount counts trials that consume the n_trials budget:
// completed and failed. Pruned trials do not count.
func FinishedTrialCount(ctx context.Context, db *gorm.DB, studyId uuid.UUID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Trial{}).
		Where("study_id = ? AND status IN ?", studyId, []string{TrialComplete, TrialFailed}).
		Count(&count).Error
	if err != nil {
		slog.Error("error counting finished trials", "study_id", studyId, "error", err)
		return 0, err
	}
	return count, nil
}

func TrialStatusCounts(ctx context.Context, db *gorm.DB, studyId uuid.UUID) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&Trial{}).
		Select("status, count(*) as count").
		Where("study_id = ?", studyId).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// CompletedObservations returns the assignments and final values of every
// completed trial, in trial order, for the sampler.
func CompletedObservations(ctx context.Context, db *gorm.DB, studyId uuid.UUID) ([]search.Observation, error) {
	var trials []Trial
	err := db.WithContext(ctx).
		Where("study_id = ? AND status = ?", studyId, TrialComplete).
		Order("number").
		Find(&trials).Error
	if err != nil {
		slog.Error("error loading completed trials", "study_id", studyId, "error", err)
		return nil, err
	}

	observations := make([]search.Observation, 0, len(trials))
	for _, t := range trials {
		var params map[string]any
		if err := json.Unmarshal(t.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid params JSON for trial %d: %w", t.Number, err)
		}
		observations = append(observations, search.Observation{Params: params, Value: t.Value.Float64})
	}
	return observations, nil
}

// CompletedReports returns the intermediate report trajectory of every
// completed trial, for the pruner.
func CompletedReports(ctx context.Context, db *gorm.DB, studyId uuid.UUID) ([][]search.Report, error) {
	var trials []Trial
	err := db.WithContext(ctx).
		Select("number").
		Where("study_id = ? AND status = ?", studyId, TrialComplete).
		Order("number").
		Find(&trials).Error
	if err != nil {
		return nil, err
	}

	var reports []TrialReport
	err = db.WithContext(ctx).
		Where("study_id = ?", studyId).
		Order("trial_number, step").
		Find(&reports).Error
	if err != nil {
		slog.Error("error loading trial reports", "study_id", studyId, "error", err)
		return nil, err
	}

	byTrial := make(map[int][]search.Report)
	for _, r := range reports {
		byTrial[r.TrialNumber] = append(byTrial[r.TrialNumber], search.Report{Step: r.Step, Value: r.Value})
	}

	history := make([][]search.Report, 0, len(trials))
	for _, t := range trials {
		history = append(history, byTrial[t.Number])
	}
	return history, nil
}

// CompletedTrialDurations returns wall-clock run times of completed trials,
// used to estimate whether another trial fits in the remaining walltime.
func CompletedTrialDurations(ctx context.Context, db *gorm.DB, studyId uuid.UUID) ([]time.Duration, error) {
	var trials []Trial
	err := db.WithContext(ctx).
		Where("study_id = ? AND status = ?", studyId, TrialComplete).
		Find(&trials).Error
	if err != nil {
		return nil, err
	}

	durations := make([]time.Duration, 0, len(trials))
	for _, t := range trials {
		if t.StartTime.Valid && t.CompletionTime.Valid {
			durations = append(durations, t.CompletionTime.Time.Sub(t.StartTime.Time))
		}
	}
	return durations, nil
}

func SaveStudyError(ctx context.Context, txn *gorm.DB, studyId uuid.UUID, errorMessage string) {
	studyError := StudyError{
		StudyId:   studyId,
		ErrorId:   uuid.New(),
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&studyError).Error; err != nil {
		slog.Error("error saving study error", "study_id", studyId, "error", err)
	}
}
