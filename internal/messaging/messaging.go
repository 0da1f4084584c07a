package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	StudyQueue      = "study_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// RunStudyPayload asks a worker to pick up a study and run trials until the
// study finishes or the worker's per-job chunk is used up.
type RunStudyPayload struct {
	StudyId uuid.UUID
}

type Publisher interface {
	PublishRunStudyTask(ctx context.Context, payload RunStudyPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
