package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskPending          string = "PENDING"
	TaskAssigned         string = "ASSIGNED"
	TaskAnnotated        string = "ANNOTATED"
	TaskVoting           string = "VOTING"
	TaskConsensusReached string = "CONSENSUS_REACHED"
	TaskStalled          string = "STALLED"
)

const (
	BatchPending      string = "PENDING"
	BatchSent         string = "SENT"
	BatchAcknowledged string = "ACKNOWLEDGED"
)

// Prediction is keyed by the caller supplied identifier (e.g. the video
// segment id) so task creation can be idempotent on it.
type Prediction struct {
	Id           string `gorm:"primaryKey"`
	Caption      string
	Uncertainty  float64
	ModelVersion string
	CreationTime time.Time
}

type Task struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	PredictionId string      `gorm:"uniqueIndex;not null"`
	Prediction   *Prediction `gorm:"foreignKey:PredictionId"`

	Difficulty float64
	Status     string `gorm:"size:20;not null;index"`

	CreationTime time.Time
	// EnqueuedAt is the priority baseline. Preserved across requeues so a
	// stalled task keeps its accumulated wait time.
	EnqueuedAt time.Time

	AssignedTo uuid.NullUUID `gorm:"type:uuid"`
	AssignedAt sql.NullTime

	VotingStartedAt sql.NullTime

	RetryCount   int  `gorm:"default:0"`
	ManualReview bool `gorm:"default:false"`

	AssignmentHistory datatypes.JSON

	Annotations []Annotation `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
}

// AssignmentEvent entries are serialized into Task.AssignmentHistory.
type AssignmentEvent struct {
	AnnotatorId uuid.UUID `json:"annotator_id"`
	AssignedAt  time.Time `json:"assigned_at"`
	Outcome     string    `json:"outcome"` // "assigned", "submitted", "timeout"
}

type Annotator struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	OpenTasks int `gorm:"default:0"`

	AgreementCount    int `gorm:"default:0"`
	DisagreementCount int `gorm:"default:0"`

	CompletedCount   int     `gorm:"default:0"`
	TotalTaskSeconds float64 `gorm:"default:0"`

	CreationTime time.Time
}

type Annotation struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	TaskId      uuid.UUID `gorm:"type:uuid;index;not null"`
	AnnotatorId uuid.UUID `gorm:"type:uuid;index;not null"`

	Caption      string
	CreationTime time.Time

	Votes []Vote `gorm:"foreignKey:AnnotationId;constraint:OnDelete:CASCADE"`
}

type Vote struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	AnnotationId uuid.UUID `gorm:"type:uuid;index;not null"`
	TaskId       uuid.UUID `gorm:"type:uuid;index;not null"`
	VoterId      uuid.UUID `gorm:"type:uuid;not null"`

	Agree        bool
	CreationTime time.Time
}

type ConsensusResult struct {
	TaskId uuid.UUID `gorm:"type:uuid;primaryKey"`

	AcceptedAnnotationId uuid.UUID `gorm:"type:uuid;not null"`
	Caption              string
	Confidence           float64
	LowConfidence        bool `gorm:"default:false"`

	// Annotation ids present at finalization time.
	ContributingAnnotations datatypes.JSON

	// BatchId is null until the result is claimed by a retraining batch. The
	// pending-batch accumulator is the count of rows where this is null, so
	// it stays correct across crashes without a separate counter record.
	BatchId uuid.NullUUID `gorm:"type:uuid;index"`

	FinalizedAt time.Time
}

type RetrainingBatch struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Status string `gorm:"size:20;not null;index"`

	CreationTime time.Time
	SentAt       sql.NullTime
	AckedAt      sql.NullTime

	Results []ConsensusResult `gorm:"foreignKey:BatchId"`
}
