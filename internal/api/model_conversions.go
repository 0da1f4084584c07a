package api

import (
	"encoding/json"

	"hpo-backend/internal/database"
	"hpo-backend/pkg/api"
)

func toApiStudy(study database.Study, counts map[string]int64, bestParams map[string]any) api.Study {
	out := api.Study{
		Id:           study.Id,
		Name:         study.Name,
		Direction:    study.Direction,
		Metric:       study.Metric,
		Status:       study.Status,
		NTrials:      study.NTrials,
		Stopped:      study.Stopped,
		TrialCounts:  counts,
		CreationTime: study.CreationTime,
	}
	if study.CompletionTime.Valid {
		t := study.CompletionTime.Time
		out.CompletionTime = &t
	}
	if study.BestValue.Valid && study.BestTrialNumber.Valid {
		out.BestTrial = &api.BestTrial{
			Number: int(study.BestTrialNumber.Int64),
			Value:  study.BestValue.Float64,
			Params: bestParams,
		}
	}
	return out
}

func toApiTrial(trial database.Trial, reports []database.TrialReport) api.Trial {
	out := api.Trial{
		Number:       trial.Number,
		Status:       trial.Status,
		CreationTime: trial.CreationTime,
	}
	if len(trial.Params) > 0 {
		_ = json.Unmarshal(trial.Params, &out.Params)
	}
	if trial.Value.Valid {
		v := trial.Value.Float64
		out.Value = &v
	}
	if trial.FailureReason.Valid {
		out.FailureReason = trial.FailureReason.String
	}
	if trial.StartTime.Valid {
		t := trial.StartTime.Time
		out.StartTime = &t
	}
	if trial.CompletionTime.Valid {
		t := trial.CompletionTime.Time
		out.CompletionTime = &t
	}
	for _, report := range reports {
		out.Reports = append(out.Reports, api.TrialReport{Step: report.Step, Value: report.Value})
	}
	return out
}

func toApiStudyError(e database.StudyError) api.StudyError {
	return api.StudyError{Message: e.Error, Timestamp: e.Timestamp}
}
