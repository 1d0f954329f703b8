package engine

import (
	"context"
	"errors"
	"fmt"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PredictionInput struct {
	PredictionId string
	Caption      string
	Uncertainty  float64
	ModelVersion string
	// Difficulty defaults to Config.DefaultDifficulty when zero.
	Difficulty float64
}

// IngestPrediction records a model prediction and creates its review task.
// Idempotent on the prediction id: re-ingesting an already-seen prediction
// returns the existing task instead of creating a second one.
func (e *Engine) IngestPrediction(ctx context.Context, input PredictionInput) (uuid.UUID, error) {
	if input.PredictionId == "" {
		return uuid.Nil, fmt.Errorf("%w: prediction id is required", ErrInvalidInput)
	}
	if input.Uncertainty < 0 || input.Uncertainty > 1 {
		return uuid.Nil, fmt.Errorf("%w: uncertainty %v out of range [0,1]", ErrInvalidInput, input.Uncertainty)
	}

	difficulty := input.Difficulty
	if difficulty == 0 {
		difficulty = e.cfg.DefaultDifficulty
	}
	if difficulty < 0 || difficulty > 1 {
		return uuid.Nil, fmt.Errorf("%w: difficulty %v out of range [0,1]", ErrInvalidInput, difficulty)
	}

	e.predLocks.Lock(input.PredictionId)
	defer e.predLocks.Unlock(input.PredictionId)

	var existing database.Task
	err := e.db.WithContext(ctx).Where("prediction_id = ?", input.PredictionId).First(&existing).Error
	if err == nil {
		// Duplicate ingests recover by returning the existing task.
		return existing.Id, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, storageError(err)
	}

	now := e.now().UTC()
	task := database.Task{
		Id:           uuid.New(),
		PredictionId: input.PredictionId,
		Difficulty:   difficulty,
		Status:       database.TaskPending,
		CreationTime: now,
		EnqueuedAt:   now,
	}

	err = e.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		prediction := database.Prediction{
			Id:           input.PredictionId,
			Caption:      input.Caption,
			Uncertainty:  input.Uncertainty,
			ModelVersion: input.ModelVersion,
			CreationTime: now,
		}
		if err := txn.Where(database.Prediction{Id: input.PredictionId}).
			Attrs(prediction).
			FirstOrCreate(&prediction).Error; err != nil {
			return err
		}
		return txn.Create(&task).Error
	})
	if err != nil {
		return uuid.Nil, storageError(err)
	}

	if err := e.queue.enqueue(task.Id, input.Uncertainty, difficulty, now); err != nil {
		return uuid.Nil, err
	}
	return task.Id, nil
}
