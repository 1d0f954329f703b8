package api

import (
	"time"

	"github.com/google/uuid"
)

type IngestPredictionRequest struct {
	PredictionId string  `json:"prediction_id"`
	Caption      string  `json:"caption"`
	Uncertainty  float64 `json:"uncertainty"`
	ModelVersion string  `json:"model_version"`
	Difficulty   float64 `json:"difficulty,omitempty"`
}

type IngestPredictionResponse struct {
	TaskId uuid.UUID `json:"task_id"`
}

type Task struct {
	Id           uuid.UUID  `json:"id"`
	PredictionId string     `json:"prediction_id"`
	Status       string     `json:"status"`
	Difficulty   float64    `json:"difficulty"`
	Priority     float64    `json:"priority"`
	AssignedTo   *uuid.UUID `json:"assigned_to,omitempty"`
	RetryCount   int        `json:"retry_count"`
	ManualReview bool       `json:"manual_review"`
	CreationTime time.Time  `json:"creation_time"`
}

type AssignRequest struct {
	Pool []uuid.UUID `json:"pool,omitempty"`
}

type AssignResponse struct {
	TaskId      uuid.UUID `json:"task_id"`
	AnnotatorId uuid.UUID `json:"annotator_id"`
}

type SubmitAnnotationRequest struct {
	AnnotatorId uuid.UUID `json:"annotator_id"`
	Caption     string    `json:"caption"`
}

type SubmitAnnotationResponse struct {
	AnnotationId uuid.UUID `json:"annotation_id"`
}

type SubmitVoteRequest struct {
	VoterId uuid.UUID `json:"voter_id"`
	Agree   bool      `json:"agree"`
}

type ConsensusResult struct {
	TaskId                  uuid.UUID   `json:"task_id"`
	AcceptedAnnotationId    uuid.UUID   `json:"accepted_annotation_id"`
	Caption                 string      `json:"caption"`
	Confidence              float64     `json:"confidence"`
	LowConfidence           bool        `json:"low_confidence"`
	ContributingAnnotations []uuid.UUID `json:"contributing_annotations"`
	FinalizedAt             time.Time   `json:"finalized_at"`
}

type AnnotatorMetrics struct {
	AnnotatorId        uuid.UUID `json:"annotator_id"`
	Reliability        float64   `json:"reliability"`
	Throughput         int       `json:"throughput"`
	AverageTaskSeconds float64   `json:"average_task_seconds"`
	DisagreementRate   float64   `json:"disagreement_rate"`
}

type RetrainingBatch struct {
	Id           uuid.UUID   `json:"id"`
	Status       string      `json:"status"`
	TaskIds      []uuid.UUID `json:"task_ids"`
	CreationTime time.Time   `json:"creation_time"`
	SentAt       *time.Time  `json:"sent_at,omitempty"`
	AckedAt      *time.Time  `json:"acked_at,omitempty"`
}

type ListBatchesQuery struct {
	Status string `schema:"status"`
}

type Dashboard struct {
	Annotators        []AnnotatorMetrics `json:"annotators"`
	ManualReviewTasks []Task             `json:"manual_review_tasks"`
}
