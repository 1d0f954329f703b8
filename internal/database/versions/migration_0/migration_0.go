package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Snapshot of the schema at version 0. Frozen here so later migrations are
// not affected by changes to the live models in the database package.

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
	EnqueuedAt   time.Time

	AssignedTo uuid.NullUUID `gorm:"type:uuid"`
	AssignedAt sql.NullTime

	VotingStartedAt sql.NullTime

	RetryCount   int  `gorm:"default:0"`
	ManualReview bool `gorm:"default:false"`

	AssignmentHistory datatypes.JSON

	Annotations []Annotation `gorm:"foreignKey:TaskId;constraint:OnDelete:CASCADE"`
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

	ContributingAnnotations datatypes.JSON

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

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(
		&Prediction{}, &Task{}, &Annotator{}, &Annotation{}, &Vote{}, &ConsensusResult{}, &RetrainingBatch{},
	)
}
