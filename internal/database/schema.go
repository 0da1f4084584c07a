package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StudyCreated   string = "CREATED"
	StudyRunning   string = "RUNNING"
	StudyCompleted string = "COMPLETED"
	StudyCancelled string = "CANCELLED"
	StudyFailed    string = "FAILED"
)

const (
	TrialPending  string = "PENDING"
	TrialRunning  string = "RUNNING"
	TrialComplete string = "COMPLETE"
	TrialPruned   string = "PRUNED"
	TrialFailed   string = "FAILED"
)

type Study struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name      string `gorm:"uniqueIndex;not null"`
	Direction string `gorm:"size:20;not null"`
	Metric    string `gorm:"not null"`
	Status    string `gorm:"size:20;not null"`
	NTrials   int    `gorm:"not null"`

	// Snapshot of the validated search spec the study was created with.
	Spec datatypes.JSON

	Stopped bool `gorm:"default:false"`

	BestTrialNumber sql.NullInt64
	BestValue       sql.NullFloat64

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Trials []Trial      `gorm:"foreignKey:StudyId;constraint:OnDelete:CASCADE"`
	Errors []StudyError `gorm:"foreignKey:StudyId;constraint:OnDelete:CASCADE"`
}

type Trial struct {
	StudyId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Number  int       `gorm:"primaryKey"`

	Status string `gorm:"size:20;not null"`

	// Parameter assignment drawn by the sampler. {"name": value, …}
	Params datatypes.JSON

	Value         sql.NullFloat64
	FailureReason sql.NullString

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

type TrialReport struct {
	StudyId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	TrialNumber int       `gorm:"primaryKey"`
	Step        int       `gorm:"primaryKey"`

	Value     float64
	Timestamp time.Time
}

type StudyError struct {
	StudyId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
