package api

import (
	"time"

	"github.com/google/uuid"
)

type Study struct {
	Id        uuid.UUID
	Name      string
	Direction string
	Metric    string
	Status    string
	NTrials   int
	Stopped   bool

	BestTrial *BestTrial `json:"BestTrial,omitempty"`

	TrialCounts map[string]int64 `json:"TrialCounts,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type BestTrial struct {
	Number int
	Value  float64
	Params map[string]any
}

type Trial struct {
	Number        int
	Status        string
	Params        map[string]any
	Value         *float64 `json:"Value,omitempty"`
	FailureReason string   `json:"FailureReason,omitempty"`

	Reports []TrialReport `json:"Reports,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type TrialReport struct {
	Step  int
	Value float64
}

type StudyError struct {
	Message   string
	Timestamp time.Time
}

// CreateStudyRequest carries a search config as raw YAML, the same document
// the local runner reads from disk.
type CreateStudyRequest struct {
	Config string
}

type CreateStudyResponse struct {
	StudyId uuid.UUID
	Name    string
	Resumed bool
}

type ListTrialsRequest struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
	Offset int    `schema:"offset"`
}
