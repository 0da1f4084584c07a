package api

import (
	"errors"
	"log/slog"
	"net/http"

	"hpo-backend/internal/config"
	"hpo-backend/internal/database"
	"hpo-backend/internal/messaging"
	"hpo-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type StudyService struct {
	db        *gorm.DB
	publisher messaging.Publisher
}

func NewStudyService(db *gorm.DB, pub messaging.Publisher) *StudyService {
	return &StudyService{db: db, publisher: pub}
}

func (s *StudyService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/studies", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateStudy))
		r.Get("/", RestHandler(s.ListStudies))
		r.Route("/{study_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetStudy))
			r.Get("/trials", RestHandler(s.ListTrials))
			r.Get("/best", RestHandler(s.GetBestTrial))
			r.Get("/errors", RestHandler(s.ListStudyErrors))
			r.Post("/cancel", RestHandler(s.CancelStudy))
		})
	})
}

// CreateStudy accepts a search config as raw YAML, creates or resumes the
// named study, and queues it for a worker.
func (s *StudyService) CreateStudy(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateStudyRequest](r)
	if err != nil {
		return nil, err
	}

	spec, err := config.ParseSearchSpec([]byte(req.Config))
	if err != nil {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "invalid search config: %v", err)
	}

	if err := validateName(spec.StudyName); err != nil {
		return nil, err
	}

	ctx := r.Context()

	existing, err := database.GetStudyByName(ctx, s.db, spec.StudyName)
	resumed := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, CodedErrorf(http.StatusInternalServerError, "error looking up study")
	}

	if resumed {
		switch existing.Status {
		case database.StudyCompleted, database.StudyCancelled, database.StudyFailed:
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "study '%s' already finished with status %s", existing.Name, existing.Status)
		}
	}

	study, err := database.GetOrCreateStudy(ctx, s.db, spec)
	if err != nil {
		slog.Error("error creating study", "study", spec.StudyName, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create study entry")
	}

	if err := s.publisher.PublishRunStudyTask(ctx, messaging.RunStudyPayload{StudyId: study.Id}); err != nil {
		slog.Error("error publishing study task", "study_id", study.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue study task")
	}

	slog.Info("submitted study", "study", study.Name, "study_id", study.Id, "resumed", resumed)
	return api.CreateStudyResponse{StudyId: study.Id, Name: study.Name, Resumed: resumed}, nil
}

func (s *StudyService) ListStudies(r *http.Request) (any, error) {
	ctx := r.Context()

	var studies []database.Study
	if err := s.db.WithContext(ctx).Order("creation_time desc").Find(&studies).Error; err != nil {
		slog.Error("error listing studies", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving study records")
	}

	out := make([]api.Study, 0, len(studies))
	for _, study := range studies {
		out = append(out, toApiStudy(study, nil, nil))
	}
	return out, nil
}

func (s *StudyService) GetStudy(r *http.Request) (any, error) {
	studyId, err := URLParamUUID(r, "study_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	study, err := database.GetStudy(ctx, s.db, studyId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "study not found")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving study record")
	}

	counts, err := database.TrialStatusCounts(ctx, s.db, studyId)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving trial counts")
	}

	return toApiStudy(study, counts, s.bestParams(r, study)), nil
}

func (s *StudyService) ListTrials(r *http.Request) (any, error) {
	studyId, err := URLParamUUID(r, "study_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[api.ListTrialsRequest](r)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	query := s.db.WithContext(ctx).Where("study_id = ?", studyId).Order("number")
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}
	if params.Offset > 0 {
		query = query.Offset(params.Offset)
	}

	var trials []database.Trial
	if err := query.Find(&trials).Error; err != nil {
		slog.Error("error listing trials", "study_id", studyId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving trial records")
	}

	out := make([]api.Trial, 0, len(trials))
	for _, trial := range trials {
		out = append(out, toApiTrial(trial, nil))
	}
	return out, nil
}

func (s *StudyService) GetBestTrial(r *http.Request) (any, error) {
	studyId, err := URLParamUUID(r, "study_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	study, err := database.GetStudy(ctx, s.db, studyId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "study not found")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving study record")
	}

	if !study.BestTrialNumber.Valid {
		return nil, CodedErrorf(http.StatusNotFound, "study has no successful trials yet")
	}

	var trial database.Trial
	if err := s.db.WithContext(ctx).Where("study_id = ? AND number = ?", studyId, study.BestTrialNumber.Int64).First(&trial).Error; err != nil {
		slog.Error("error getting best trial", "study_id", studyId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving best trial record")
	}

	var reports []database.TrialReport
	if err := s.db.WithContext(ctx).Where("study_id = ? AND trial_number = ?", studyId, trial.Number).Order("step").Find(&reports).Error; err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving trial reports")
	}

	return toApiTrial(trial, reports), nil
}

func (s *StudyService) ListStudyErrors(r *http.Request) (any, error) {
	studyId, err := URLParamUUID(r, "study_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	var errs []database.StudyError
	if err := s.db.WithContext(ctx).Where("study_id = ?", studyId).Order("timestamp").Find(&errs).Error; err != nil {
		slog.Error("error listing study errors", "study_id", studyId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving study errors")
	}

	out := make([]api.StudyError, 0, len(errs))
	for _, e := range errs {
		out = append(out, toApiStudyError(e))
	}
	return out, nil
}

// CancelStudy flips the stop flag; the coordinator winds the study down at
// its next check.
func (s *StudyService) CancelStudy(r *http.Request) (any, error) {
	studyId, err := URLParamUUID(r, "study_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	study, err := database.GetStudy(ctx, s.db, studyId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "study not found")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving study record")
	}

	switch study.Status {
	case database.StudyCompleted, database.StudyCancelled, database.StudyFailed:
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "study already finished with status %s", study.Status)
	}

	if err := database.StopStudy(ctx, s.db, studyId); err != nil {
		slog.Error("error cancelling study", "study_id", studyId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to cancel study")
	}

	slog.Info("study cancellation requested", "study", study.Name, "study_id", studyId)
	return nil, nil
}

func (s *StudyService) bestParams(r *http.Request, study database.Study) map[string]any {
	if !study.BestTrialNumber.Valid {
		return nil
	}
	var trial database.Trial
	if err := s.db.WithContext(r.Context()).Where("study_id = ? AND number = ?", study.Id, study.BestTrialNumber.Int64).First(&trial).Error; err != nil {
		return nil
	}
	return toApiTrial(trial, nil).Params
}
