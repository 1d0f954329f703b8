package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"labeling-backend/internal/database"
	"labeling-backend/internal/engine"
	apimodels "labeling-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

// BackendService is the thin HTTP translation over the orchestration
// engine; all business rules live in the engine.
type BackendService struct {
	engine *engine.Engine
}

func NewBackendService(eng *engine.Engine) *BackendService {
	return &BackendService{engine: eng}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Post("/predictions", RestHandler(s.IngestPrediction))
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListTasks))
		r.Post("/assign", RestHandler(s.AssignNext))
		r.Post("/{task_id}/annotations", RestHandler(s.SubmitAnnotation))
		r.Post("/{task_id}/consensus", RestHandler(s.FinalizeConsensus))
	})
	r.Post("/annotations/{annotation_id}/votes", RestHandler(s.SubmitVote))
	r.Get("/annotators/{annotator_id}/metrics", RestHandler(s.GetAnnotatorMetrics))
	r.Get("/dashboard", RestHandler(s.Dashboard))
	r.Route("/retraining/batches", func(r chi.Router) {
		r.Get("/", RestHandler(s.PollRetrainingBatches))
		r.Post("/{batch_id}/ack", RestHandler(s.AckBatch))
	})
}

// engineError maps the engine's sentinel errors onto HTTP status codes.
// Transient conditions come back 404/409 so callers can back off and retry;
// caller logic errors come back 4xx and should not be retried.
func engineError(err error) error {
	switch {
	case errors.Is(err, engine.ErrNoEligibleAnnotator):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, engine.ErrNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, engine.ErrSelfVote):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrInvalidInput):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrConsensusNotReady):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrInvalidTransition):
		return CodedError(http.StatusConflict, err)
	case errors.Is(err, engine.ErrDuplicateTask):
		return CodedError(http.StatusConflict, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

func (s *BackendService) IngestPrediction(r *http.Request) (any, error) {
	req, err := ParseRequest[apimodels.IngestPredictionRequest](r)
	if err != nil {
		return nil, err
	}

	taskId, err := s.engine.IngestPrediction(r.Context(), engine.PredictionInput{
		PredictionId: req.PredictionId,
		Caption:      req.Caption,
		Uncertainty:  req.Uncertainty,
		ModelVersion: req.ModelVersion,
		Difficulty:   req.Difficulty,
	})
	if err != nil {
		return nil, engineError(err)
	}
	return apimodels.IngestPredictionResponse{TaskId: taskId}, nil
}

func (s *BackendService) ListTasks(r *http.Request) (any, error) {
	summaries, err := s.engine.ListTasks(r.Context())
	if err != nil {
		return nil, engineError(err)
	}

	tasks := make([]apimodels.Task, len(summaries))
	for i, summary := range summaries {
		tasks[i] = taskView(summary)
	}
	return tasks, nil
}

func taskView(summary engine.TaskSummary) apimodels.Task {
	task := apimodels.Task{
		Id:           summary.Task.Id,
		PredictionId: summary.Task.PredictionId,
		Status:       summary.Task.Status,
		Difficulty:   summary.Task.Difficulty,
		Priority:     summary.Priority,
		RetryCount:   summary.Task.RetryCount,
		ManualReview: summary.Task.ManualReview,
		CreationTime: summary.Task.CreationTime,
	}
	if summary.Task.AssignedTo.Valid {
		assignee := summary.Task.AssignedTo.UUID
		task.AssignedTo = &assignee
	}
	return task
}

func (s *BackendService) AssignNext(r *http.Request) (any, error) {
	req, err := ParseRequest[apimodels.AssignRequest](r)
	if err != nil {
		return nil, err
	}

	taskId, annotatorId, err := s.engine.AssignNext(r.Context(), req.Pool)
	if err != nil {
		return nil, engineError(err)
	}
	return apimodels.AssignResponse{TaskId: taskId, AnnotatorId: annotatorId}, nil
}

func (s *BackendService) SubmitAnnotation(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[apimodels.SubmitAnnotationRequest](r)
	if err != nil {
		return nil, err
	}

	annotationId, err := s.engine.SubmitAnnotation(r.Context(), taskId, req.AnnotatorId, req.Caption)
	if err != nil {
		return nil, engineError(err)
	}
	return apimodels.SubmitAnnotationResponse{AnnotationId: annotationId}, nil
}

func (s *BackendService) SubmitVote(r *http.Request) (any, error) {
	annotationId, err := URLParamUUID(r, "annotation_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[apimodels.SubmitVoteRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.engine.SubmitVote(r.Context(), annotationId, req.VoterId, req.Agree); err != nil {
		return nil, engineError(err)
	}
	return nil, nil
}

func (s *BackendService) FinalizeConsensus(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	result, err := s.engine.FinalizeConsensus(r.Context(), taskId)
	if err != nil {
		return nil, engineError(err)
	}
	return consensusView(result)
}

func consensusView(result *database.ConsensusResult) (apimodels.ConsensusResult, error) {
	view := apimodels.ConsensusResult{
		TaskId:               result.TaskId,
		AcceptedAnnotationId: result.AcceptedAnnotationId,
		Caption:              result.Caption,
		Confidence:           result.Confidence,
		LowConfidence:        result.LowConfidence,
		FinalizedAt:          result.FinalizedAt,
	}
	if len(result.ContributingAnnotations) > 0 {
		if err := json.Unmarshal(result.ContributingAnnotations, &view.ContributingAnnotations); err != nil {
			return view, CodedErrorf(http.StatusInternalServerError, "invalid contributing annotations record: %v", err)
		}
	}
	return view, nil
}

func (s *BackendService) GetAnnotatorMetrics(r *http.Request) (any, error) {
	annotatorId, err := URLParamUUID(r, "annotator_id")
	if err != nil {
		return nil, err
	}

	metrics, err := s.engine.GetAnnotatorMetrics(r.Context(), annotatorId)
	if err != nil {
		return nil, engineError(err)
	}
	return metricsView(metrics), nil
}

func metricsView(metrics engine.AnnotatorMetrics) apimodels.AnnotatorMetrics {
	return apimodels.AnnotatorMetrics{
		AnnotatorId:        metrics.AnnotatorId,
		Reliability:        metrics.Reliability,
		Throughput:         metrics.Throughput,
		AverageTaskSeconds: metrics.AverageTaskSeconds,
		DisagreementRate:   metrics.DisagreementRate,
	}
}

func (s *BackendService) Dashboard(r *http.Request) (any, error) {
	dashboard, err := s.engine.DashboardSnapshot(r.Context())
	if err != nil {
		return nil, engineError(err)
	}

	view := apimodels.Dashboard{
		Annotators:        make([]apimodels.AnnotatorMetrics, 0, len(dashboard.Annotators)),
		ManualReviewTasks: make([]apimodels.Task, 0, len(dashboard.ManualReviewTasks)),
	}
	for _, metrics := range dashboard.Annotators {
		view.Annotators = append(view.Annotators, metricsView(metrics))
	}
	for _, task := range dashboard.ManualReviewTasks {
		view.ManualReviewTasks = append(view.ManualReviewTasks, taskView(engine.TaskSummary{Task: task}))
	}
	return view, nil
}

func (s *BackendService) PollRetrainingBatches(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[apimodels.ListBatchesQuery](r)
	if err != nil {
		return nil, err
	}

	batches, err := s.engine.PollRetrainingBatches(r.Context(), query.Status)
	if err != nil {
		return nil, engineError(err)
	}

	views := make([]apimodels.RetrainingBatch, len(batches))
	for i, batch := range batches {
		view := apimodels.RetrainingBatch{
			Id:           batch.Id,
			Status:       batch.Status,
			CreationTime: batch.CreationTime,
		}
		for _, result := range batch.Results {
			view.TaskIds = append(view.TaskIds, result.TaskId)
		}
		if batch.SentAt.Valid {
			sentAt := batch.SentAt.Time
			view.SentAt = &sentAt
		}
		if batch.AckedAt.Valid {
			ackedAt := batch.AckedAt.Time
			view.AckedAt = &ackedAt
		}
		views[i] = view
	}
	return views, nil
}

func (s *BackendService) AckBatch(r *http.Request) (any, error) {
	batchId, err := URLParamUUID(r, "batch_id")
	if err != nil {
		return nil, err
	}

	if err := s.engine.AckBatch(r.Context(), batchId); err != nil {
		return nil, engineError(err)
	}
	return nil, nil
}
