package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StartSweeper runs the periodic deadline sweep until ctx is cancelled.
// Timeouts are wall-clock deadlines checked here rather than blocking
// waits, so a stalled external party cannot block other tasks' progress.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("sweeper stopped")
				return
			case <-ticker.C:
				if err := e.Sweep(ctx); err != nil {
					slog.Error("sweep pass failed", "error", err)
				}
			}
		}
	}()
}

// Sweep runs one pass: requeue timed out assignments, finalize voting tasks
// whose window elapsed, flush aged partial batches, and re-offer sent
// batches that were never acknowledged. Exported so operators and tests can
// drive a pass directly.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.now().UTC()

	if err := e.sweepAssignments(ctx, now); err != nil {
		return err
	}
	if err := e.sweepVoting(ctx, now); err != nil {
		return err
	}
	if err := e.sweepBatches(ctx, now); err != nil {
		return err
	}
	return nil
}

// sweepAssignments releases assignments older than the assignment timeout.
// Stalled tasks go back into the queue with their original wait baseline so
// priority keeps rising; a task that exhausted its retry budget is flagged
// for manual review instead of failing silently.
func (e *Engine) sweepAssignments(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-e.cfg.AssignmentTimeout)

	var stale []database.Task
	err := e.db.WithContext(ctx).Preload("Prediction").
		Where("assigned_to IS NOT NULL AND assigned_at < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return storageError(err)
	}

	for _, task := range stale {
		if err := e.releaseStaleAssignment(ctx, task.Id, cutoff); err != nil {
			slog.Error("error releasing stale assignment", "task_id", task.Id, "error", err)
		}
	}
	return nil
}

func (e *Engine) releaseStaleAssignment(ctx context.Context, taskId uuid.UUID, cutoff time.Time) error {
	e.taskLocks.Lock(taskId.String())
	defer e.taskLocks.Unlock(taskId.String())

	var task database.Task
	if err := e.db.WithContext(ctx).Preload("Prediction").First(&task, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return storageError(err)
	}

	// Re-check under the lock: the annotator may have submitted since the
	// sweep query ran.
	if !task.AssignedTo.Valid || !task.AssignedAt.Valid || !task.AssignedAt.Time.Before(cutoff) {
		return nil
	}

	assignee := task.AssignedTo.UUID
	exhausted := task.RetryCount >= e.cfg.MaxRetries

	err := e.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		history, err := database.AppendAssignmentEvent(&task, database.AssignmentEvent{
			AnnotatorId: assignee,
			AssignedAt:  task.AssignedAt.Time,
			Outcome:     "timeout",
		})
		if err != nil {
			return err
		}

		updates := map[string]any{
			"assigned_to":        uuid.NullUUID{},
			"assigned_at":        sql.NullTime{},
			"assignment_history": history,
			"retry_count":        task.RetryCount + 1,
		}

		switch {
		case exhausted:
			updates["status"] = database.TaskStalled
			updates["manual_review"] = true
		case task.Status == database.TaskAssigned:
			updates["status"] = database.TaskPending
		}
		// Annotated and voting tasks keep their status; only the assignment
		// slot is released.

		if err := txn.Model(&task).Updates(updates).Error; err != nil {
			return err
		}

		return txn.Model(&database.Annotator{Id: assignee}).
			Update("open_tasks", gorm.Expr("CASE WHEN open_tasks > 0 THEN open_tasks - 1 ELSE 0 END")).Error
	})
	if err != nil {
		return storageError(err)
	}

	if exhausted {
		e.queue.remove(taskId)
		slog.Warn("task exceeded retry budget, flagged for manual review", "task_id", taskId, "retries", task.RetryCount)
		return nil
	}

	if task.Status != database.TaskVoting && task.Prediction != nil {
		if err := e.queue.enqueue(taskId, task.Prediction.Uncertainty, task.Difficulty, task.EnqueuedAt); err != nil && !errors.Is(err, ErrDuplicateTask) {
			return err
		}
		slog.Info("stalled task requeued", "task_id", taskId, "retry", task.RetryCount+1)
	}
	return nil
}

// sweepVoting finalizes voting tasks whose window elapsed from the best
// available votes; the results come out flagged low-confidence unless the
// agreement threshold happened to be met.
func (e *Engine) sweepVoting(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-e.cfg.VotingWindow)

	var taskIds []uuid.UUID
	err := e.db.WithContext(ctx).Model(&database.Task{}).
		Where("status = ? AND voting_started_at < ?", database.TaskVoting, cutoff).
		Pluck("id", &taskIds).Error
	if err != nil {
		return storageError(err)
	}

	for _, taskId := range taskIds {
		if _, err := e.FinalizeConsensus(ctx, taskId); err != nil {
			slog.Error("error finalizing expired voting task", "task_id", taskId, "error", err)
		}
	}
	return nil
}

// sweepBatches retries PENDING batches whose publish failed, re-offers SENT
// batches past the ack timeout, and flushes an aged non-empty partial batch.
func (e *Engine) sweepBatches(ctx context.Context, now time.Time) error {
	var pending []database.RetrainingBatch
	err := e.db.WithContext(ctx).Preload("Results").
		Where("status = ?", database.BatchPending).
		Find(&pending).Error
	if err != nil {
		return storageError(err)
	}

	ackCutoff := now.Add(-e.cfg.AckTimeout)
	var unacked []database.RetrainingBatch
	err = e.db.WithContext(ctx).Preload("Results").
		Where("status = ? AND sent_at < ?", database.BatchSent, ackCutoff).
		Find(&unacked).Error
	if err != nil {
		return storageError(err)
	}

	for _, batch := range append(pending, unacked...) {
		taskIds := make([]uuid.UUID, len(batch.Results))
		for i, r := range batch.Results {
			taskIds[i] = r.TaskId
		}
		if err := e.offerBatch(ctx, &batch, taskIds); err != nil {
			slog.Error("error re-offering retraining batch", "batch_id", batch.Id, "error", err)
		} else {
			slog.Info("retraining batch re-offered", "batch_id", batch.Id)
		}
	}

	return e.flushAgedPartialBatch(ctx, now)
}

func (e *Engine) flushAgedPartialBatch(ctx context.Context, now time.Time) error {
	ageCutoff := now.Add(-e.cfg.BatchMaxAge)

	var count int64
	err := e.db.WithContext(ctx).Model(&database.ConsensusResult{}).
		Where("batch_id IS NULL AND finalized_at < ?", ageCutoff).
		Count(&count).Error
	if err != nil {
		return storageError(err)
	}
	if count == 0 {
		return nil
	}

	_, err = e.emitBatch(ctx, e.cfg.BatchSize)
	return err
}
