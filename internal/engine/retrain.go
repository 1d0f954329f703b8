package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"labeling-backend/internal/database"
	"labeling-backend/internal/messaging"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maybeEmitBatch checks the pending-batch accumulator (consensus results
// not yet claimed by any batch) and emits full batches while the threshold
// is met. An eleventh result after a batch of ten does not re-trigger until
// the count reaches the threshold again.
func (e *Engine) maybeEmitBatch(ctx context.Context) error {
	for {
		var count int64
		if err := e.db.WithContext(ctx).Model(&database.ConsensusResult{}).
			Where("batch_id IS NULL").Count(&count).Error; err != nil {
			return storageError(err)
		}
		if int(count) < e.cfg.BatchSize {
			return nil
		}

		if _, err := e.emitBatch(ctx, e.cfg.BatchSize); err != nil {
			return err
		}
	}
}

// emitBatch claims up to limit of the oldest unbatched consensus results
// into a new batch and offers it on the event channel. Claiming and batch
// creation commit together; the publish happens after, so a crash between
// the two leaves a PENDING batch that the sweep re-offers.
func (e *Engine) emitBatch(ctx context.Context, limit int) (*database.RetrainingBatch, error) {
	e.batchLock.Lock()
	defer e.batchLock.Unlock()

	batch := database.RetrainingBatch{
		Id:           uuid.New(),
		Status:       database.BatchPending,
		CreationTime: e.now().UTC(),
	}

	var taskIds []uuid.UUID
	err := e.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var results []database.ConsensusResult
		if err := txn.Where("batch_id IS NULL").
			Order("finalized_at").
			Limit(limit).
			Find(&results).Error; err != nil {
			return err
		}
		if len(results) == 0 {
			return ErrNotFound
		}

		if err := txn.Create(&batch).Error; err != nil {
			return err
		}

		taskIds = make([]uuid.UUID, len(results))
		for i, r := range results {
			taskIds[i] = r.TaskId
		}
		return txn.Model(&database.ConsensusResult{}).
			Where("task_id IN ?", taskIds).
			Update("batch_id", uuid.NullUUID{UUID: batch.Id, Valid: true}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, storageError(err)
	}

	slog.Info("retraining batch created", "batch_id", batch.Id, "results", len(taskIds))

	if err := e.offerBatch(ctx, &batch, taskIds); err != nil {
		// Batch stays PENDING; the sweep re-offers it.
		slog.Error("error offering retraining batch", "batch_id", batch.Id, "error", err)
	}
	return &batch, nil
}

// offerBatch publishes the batch-ready event and marks the batch SENT.
// At-least-once: the same batch may be offered again if no acknowledgement
// arrives within the ack timeout.
func (e *Engine) offerBatch(ctx context.Context, batch *database.RetrainingBatch, taskIds []uuid.UUID) error {
	payload := messaging.RetrainingBatchPayload{
		BatchId:     batch.Id,
		TaskIds:     taskIds,
		TriggeredAt: e.now().UTC(),
	}
	if err := e.publisher.PublishRetrainingBatch(ctx, payload); err != nil {
		return err
	}

	err := e.db.WithContext(ctx).Model(batch).Updates(map[string]any{
		"status":  database.BatchSent,
		"sent_at": sql.NullTime{Time: e.now().UTC(), Valid: true},
	}).Error
	if err != nil {
		return storageError(err)
	}
	return nil
}

// PollRetrainingBatches returns batches for the external training
// collaborator, optionally filtered by status.
func (e *Engine) PollRetrainingBatches(ctx context.Context, status string) ([]database.RetrainingBatch, error) {
	query := e.db.WithContext(ctx).Preload("Results").Order("creation_time")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var batches []database.RetrainingBatch
	if err := query.Find(&batches).Error; err != nil {
		return nil, storageError(err)
	}
	return batches, nil
}

// AckBatch records the training collaborator's acknowledgement. Idempotent
// on the batch id: acknowledging twice is a no-op.
func (e *Engine) AckBatch(ctx context.Context, batchId uuid.UUID) error {
	e.batchLock.Lock()
	defer e.batchLock.Unlock()

	var batch database.RetrainingBatch
	if err := e.db.WithContext(ctx).First(&batch, "id = ?", batchId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: batch %s", ErrNotFound, batchId)
		}
		return storageError(err)
	}

	if batch.Status == database.BatchAcknowledged {
		return nil
	}

	err := e.db.WithContext(ctx).Model(&batch).Updates(map[string]any{
		"status":   database.BatchAcknowledged,
		"acked_at": sql.NullTime{Time: e.now().UTC(), Valid: true},
	}).Error
	if err != nil {
		return storageError(err)
	}

	slog.Info("retraining batch acknowledged", "batch_id", batchId)
	return nil
}
