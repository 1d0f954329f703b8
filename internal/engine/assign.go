package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssignNext picks the highest-priority queued task that has an eligible
// annotator in the pool and assigns it to the annotator maximizing
// reliability * (1 - load fraction). Ties break by lowest open-task count,
// then by annotator id, so the choice is deterministic. An empty pool means
// every known annotator.
func (e *Engine) AssignNext(ctx context.Context, pool []uuid.UUID) (uuid.UUID, uuid.UUID, error) {
	annotators, err := e.loadPool(ctx, pool)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if len(annotators) == 0 {
		return uuid.Nil, uuid.Nil, ErrNoEligibleAnnotator
	}

	now := e.now()

	var chosen *database.Annotator
	taskId, ok := e.queue.claimNext(now, func(taskId uuid.UUID) bool {
		candidates, err := e.eligibleFor(ctx, taskId, annotators)
		if err != nil {
			slog.Error("error computing annotator eligibility", "task_id", taskId, "error", err)
			return false
		}
		if len(candidates) == 0 {
			return false
		}
		chosen = e.pickAnnotator(candidates)
		return true
	})
	if !ok {
		return uuid.Nil, uuid.Nil, ErrNoEligibleAnnotator
	}

	if err := e.commitAssignment(ctx, taskId, chosen.Id, now); err != nil {
		e.queue.release(taskId)
		return uuid.Nil, uuid.Nil, err
	}

	e.queue.remove(taskId)
	slog.Info("assigned task", "task_id", taskId, "annotator_id", chosen.Id)
	return taskId, chosen.Id, nil
}

func (e *Engine) loadPool(ctx context.Context, pool []uuid.UUID) ([]database.Annotator, error) {
	if len(pool) == 0 {
		var annotators []database.Annotator
		if err := e.db.WithContext(ctx).Find(&annotators).Error; err != nil {
			return nil, storageError(err)
		}
		return annotators, nil
	}

	// Pool members not seen before start fresh at the reliability prior.
	annotators := make([]database.Annotator, 0, len(pool))
	for _, id := range pool {
		annotator, err := database.GetOrCreateAnnotator(ctx, e.db, id)
		if err != nil {
			return nil, storageError(err)
		}
		annotators = append(annotators, *annotator)
	}
	return annotators, nil
}

// eligibleFor filters out annotators at full capacity and annotators who
// already authored an annotation in the task's prediction lineage, so no
// one can complete all the votes on their own work.
func (e *Engine) eligibleFor(ctx context.Context, taskId uuid.UUID, annotators []database.Annotator) ([]database.Annotator, error) {
	var authorIds []uuid.UUID
	err := e.db.WithContext(ctx).Model(&database.Annotation{}).
		Where("task_id = ?", taskId).
		Distinct().
		Pluck("annotator_id", &authorIds).Error
	if err != nil {
		return nil, storageError(err)
	}

	authors := make(map[uuid.UUID]bool, len(authorIds))
	for _, id := range authorIds {
		authors[id] = true
	}

	var eligible []database.Annotator
	for _, a := range annotators {
		if a.OpenTasks >= e.cfg.MaxConcurrentTasks {
			continue
		}
		if authors[a.Id] {
			continue
		}
		eligible = append(eligible, a)
	}
	return eligible, nil
}

func (e *Engine) pickAnnotator(candidates []database.Annotator) *database.Annotator {
	score := func(a database.Annotator) float64 {
		load := float64(a.OpenTasks) / float64(e.cfg.MaxConcurrentTasks)
		return Reliability(a.AgreementCount, a.DisagreementCount, e.cfg.ReliabilityPrior, e.cfg.SmoothingConstant) * (1 - load)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := score(candidates[i]), score(candidates[j])
		if si != sj {
			return si > sj
		}
		if candidates[i].OpenTasks != candidates[j].OpenTasks {
			return candidates[i].OpenTasks < candidates[j].OpenTasks
		}
		return candidates[i].Id.String() < candidates[j].Id.String()
	})
	return &candidates[0]
}

// commitAssignment is the single atomic transition for a claim: the task
// moves out of the assignable set and the annotator's load goes up in one
// transaction, or neither happens.
func (e *Engine) commitAssignment(ctx context.Context, taskId, annotatorId uuid.UUID, now time.Time) error {
	e.taskLocks.Lock(taskId.String())
	defer e.taskLocks.Unlock(taskId.String())
	e.annotatorLocks.Lock(annotatorId.String())
	defer e.annotatorLocks.Unlock(annotatorId.String())

	err := e.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var task database.Task
		if err := txn.First(&task, "id = ?", taskId).Error; err != nil {
			return err
		}
		if task.Status != database.TaskPending && task.Status != database.TaskAnnotated {
			return fmt.Errorf("%w: cannot assign task in status %s", ErrInvalidTransition, task.Status)
		}
		if task.AssignedTo.Valid {
			return fmt.Errorf("%w: task is already assigned", ErrInvalidTransition)
		}

		// Re-check capacity under the annotator lock: the pool snapshot used
		// for selection may be stale by now.
		var annotator database.Annotator
		if err := txn.First(&annotator, "id = ?", annotatorId).Error; err != nil {
			return err
		}
		if annotator.OpenTasks >= e.cfg.MaxConcurrentTasks {
			return ErrNoEligibleAnnotator
		}

		history, err := database.AppendAssignmentEvent(&task, database.AssignmentEvent{
			AnnotatorId: annotatorId,
			AssignedAt:  now.UTC(),
			Outcome:     "assigned",
		})
		if err != nil {
			return err
		}

		status := task.Status
		if status == database.TaskPending {
			status = database.TaskAssigned
		}

		updates := map[string]any{
			"status":             status,
			"assigned_to":        uuid.NullUUID{UUID: annotatorId, Valid: true},
			"assigned_at":        sql.NullTime{Time: now.UTC(), Valid: true},
			"assignment_history": history,
		}
		if err := txn.Model(&task).Updates(updates).Error; err != nil {
			return err
		}

		return txn.Model(&database.Annotator{Id: annotatorId}).
			Update("open_tasks", gorm.Expr("open_tasks + 1")).Error
	})
	if err != nil {
		switch {
		case isEngineError(err):
			return err
		default:
			return storageError(err)
		}
	}
	return nil
}
