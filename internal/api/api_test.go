package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	backend "labeling-backend/internal/api"
	"labeling-backend/internal/database"
	"labeling-backend/internal/engine"
	"labeling-backend/internal/messaging"
	"labeling-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func toNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func createDB(t *testing.T, create ...any) *gorm.DB {
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func createRouter(t *testing.T, db *gorm.DB, cfg engine.Config) *chi.Mux {
	eng, err := engine.New(db, messaging.NewInMemoryQueue(), cfg)
	require.NoError(t, err)

	router := chi.NewRouter()
	backend.NewBackendService(eng).AddRoutes(router)
	return router
}

func postJSON(t *testing.T, router *chi.Mux, path string, request any) *httptest.ResponseRecorder {
	body, err := json.Marshal(request)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, router *chi.Mux, path string, response any) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	if response != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), response))
	}
	return rec
}

func TestHealth(t *testing.T) {
	router := createRouter(t, createDB(t), engine.DefaultConfig())

	rec := getJSON(t, router, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestPrediction(t *testing.T) {
	router := createRouter(t, createDB(t), engine.DefaultConfig())

	rec := postJSON(t, router, "/predictions", api.IngestPredictionRequest{
		PredictionId: "clip-41",
		Caption:      "a dog catching a frisbee",
		Uncertainty:  0.9,
		ModelVersion: "v3",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var response api.IngestPredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	// Re-posting the same prediction returns the same task.
	rec = postJSON(t, router, "/predictions", api.IngestPredictionRequest{
		PredictionId: "clip-41",
		Caption:      "a dog catching a frisbee",
		Uncertainty:  0.9,
		ModelVersion: "v3",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var again api.IngestPredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, response.TaskId, again.TaskId)

	var tasks []api.Task
	rec = getJSON(t, router, "/tasks", &tasks)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, tasks, 1)
	assert.Equal(t, response.TaskId, tasks[0].Id)
	assert.Equal(t, "PENDING", tasks[0].Status)
	assert.Greater(t, tasks[0].Priority, 0.0)
}

func TestIngestPredictionRejectsBadInput(t *testing.T) {
	router := createRouter(t, createDB(t), engine.DefaultConfig())

	rec := postJSON(t, router, "/predictions", api.IngestPredictionRequest{
		PredictionId: "clip-1",
		Uncertainty:  1.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLabelingWorkflow(t *testing.T) {
	cfg := engine.DefaultConfig()
	router := createRouter(t, createDB(t), cfg)

	author1, author2 := uuid.New(), uuid.New()
	voters := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	rec := postJSON(t, router, "/predictions", api.IngestPredictionRequest{
		PredictionId: "clip-9",
		Caption:      "a car",
		Uncertainty:  0.9,
		ModelVersion: "v3",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ingest api.IngestPredictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingest))
	taskId := ingest.TaskId.String()

	rec = postJSON(t, router, "/tasks/assign", api.AssignRequest{Pool: []uuid.UUID{author1}})
	require.Equal(t, http.StatusOK, rec.Code)
	var assigned api.AssignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assigned))
	assert.Equal(t, ingest.TaskId, assigned.TaskId)
	assert.Equal(t, author1, assigned.AnnotatorId)

	rec = postJSON(t, router, "/tasks/"+taskId+"/annotations", api.SubmitAnnotationRequest{
		AnnotatorId: author1, Caption: "a red car",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var redAnnotation api.SubmitAnnotationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &redAnnotation))

	rec = postJSON(t, router, "/tasks/"+taskId+"/annotations", api.SubmitAnnotationRequest{
		AnnotatorId: author2, Caption: "a blue car",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var blueAnnotation api.SubmitAnnotationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blueAnnotation))

	// Premature finalization: voting has opened but no votes are in yet.
	rec = postJSON(t, router, "/tasks/"+taskId+"/consensus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A self vote is rejected outright.
	rec = postJSON(t, router, "/annotations/"+redAnnotation.AnnotationId.String()+"/votes", api.SubmitVoteRequest{
		VoterId: author1, Agree: true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	redVotes := redAnnotation.AnnotationId.String()
	blueVotes := blueAnnotation.AnnotationId.String()
	require.Equal(t, http.StatusOK, postJSON(t, router, "/annotations/"+redVotes+"/votes", api.SubmitVoteRequest{VoterId: voters[0], Agree: true}).Code)
	require.Equal(t, http.StatusOK, postJSON(t, router, "/annotations/"+redVotes+"/votes", api.SubmitVoteRequest{VoterId: voters[1], Agree: true}).Code)
	require.Equal(t, http.StatusOK, postJSON(t, router, "/annotations/"+blueVotes+"/votes", api.SubmitVoteRequest{VoterId: voters[2], Agree: false}).Code)

	rec = postJSON(t, router, "/tasks/"+taskId+"/consensus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result api.ConsensusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "a red car", result.Caption)
	assert.Equal(t, redAnnotation.AnnotationId, result.AcceptedAnnotationId)
	assert.False(t, result.LowConfidence)
	assert.ElementsMatch(t, []uuid.UUID{redAnnotation.AnnotationId, blueAnnotation.AnnotationId}, result.ContributingAnnotations)

	// Finalizing again returns the same result.
	rec = postJSON(t, router, "/tasks/"+taskId+"/consensus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var repeat api.ConsensusResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repeat))
	assert.Equal(t, result.AcceptedAnnotationId, repeat.AcceptedAnnotationId)

	var metrics api.AnnotatorMetrics
	rec = getJSON(t, router, "/annotators/"+author1.String()+"/metrics", &metrics)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, author1, metrics.AnnotatorId)
	assert.Greater(t, metrics.Reliability, 0.5, "authoring the accepted caption raises reliability above the prior")
	assert.Equal(t, 1, metrics.Throughput)

	var dashboard api.Dashboard
	rec = getJSON(t, router, "/dashboard", &dashboard)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, dashboard.Annotators, 5)
	assert.Empty(t, dashboard.ManualReviewTasks)
}

func TestAssignWithoutWork(t *testing.T) {
	router := createRouter(t, createDB(t), engine.DefaultConfig())

	rec := postJSON(t, router, "/tasks/assign", api.AssignRequest{Pool: []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnnotateUnknownTask(t *testing.T) {
	router := createRouter(t, createDB(t), engine.DefaultConfig())

	rec := postJSON(t, router, "/tasks/"+uuid.NewString()+"/annotations", api.SubmitAnnotationRequest{
		AnnotatorId: uuid.New(), Caption: "a red car",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, router, "/tasks/not-a-uuid/annotations", api.SubmitAnnotationRequest{
		AnnotatorId: uuid.New(), Caption: "a red car",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoteBeforeVotingOpens(t *testing.T) {
	annotatorId := uuid.New()
	taskId, annotationId := uuid.New(), uuid.New()
	db := createDB(t,
		&database.Prediction{Id: "clip-1", Caption: "a car", Uncertainty: 0.8, CreationTime: time.Now()},
		&database.Task{Id: taskId, PredictionId: "clip-1", Status: database.TaskAnnotated, CreationTime: time.Now(), EnqueuedAt: time.Now()},
		&database.Annotator{Id: annotatorId, CreationTime: time.Now()},
		&database.Annotation{Id: annotationId, TaskId: taskId, AnnotatorId: annotatorId, Caption: "a red car", CreationTime: time.Now()},
	)
	router := createRouter(t, db, engine.DefaultConfig())

	rec := postJSON(t, router, "/annotations/"+annotationId.String()+"/votes", api.SubmitVoteRequest{
		VoterId: uuid.New(), Agree: true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListRetrainingBatches(t *testing.T) {
	batchId := uuid.New()
	sentAt := time.Now().UTC().Truncate(time.Second)
	db := createDB(t,
		&database.RetrainingBatch{Id: batchId, Status: database.BatchSent, CreationTime: sentAt, SentAt: toNullTime(sentAt)},
		&database.RetrainingBatch{Id: uuid.New(), Status: database.BatchAcknowledged, CreationTime: sentAt},
	)
	router := createRouter(t, db, engine.DefaultConfig())

	var batches []api.RetrainingBatch
	rec := getJSON(t, router, "/retraining/batches?status=SENT", &batches)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, batches, 1)
	assert.Equal(t, batchId, batches[0].Id)
	require.NotNil(t, batches[0].SentAt)

	rec = getJSON(t, router, "/retraining/batches", &batches)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, batches, 2)
}

func TestAckRetrainingBatch(t *testing.T) {
	batchId := uuid.New()
	db := createDB(t,
		&database.RetrainingBatch{Id: batchId, Status: database.BatchSent, CreationTime: time.Now()},
	)
	router := createRouter(t, db, engine.DefaultConfig())

	rec := postJSON(t, router, "/retraining/batches/"+batchId.String()+"/ack", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Acking again is a no-op, not an error.
	rec = postJSON(t, router, "/retraining/batches/"+batchId.String()+"/ack", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, router, "/retraining/batches/"+uuid.NewString()+"/ack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
