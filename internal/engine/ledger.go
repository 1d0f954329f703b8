package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubmitAnnotation appends an annotation to the task's ledger. Concurrent
// submissions are all retained. The first annotation moves the task to
// annotated; reaching the configured minimum of independent annotations
// opens voting. A task still short of the minimum goes back into the
// assignment queue with its original wait baseline.
func (e *Engine) SubmitAnnotation(ctx context.Context, taskId, annotatorId uuid.UUID, caption string) (uuid.UUID, error) {
	if caption == "" {
		return uuid.Nil, fmt.Errorf("%w: caption is required", ErrInvalidInput)
	}

	e.taskLocks.Lock(taskId.String())
	defer e.taskLocks.Unlock(taskId.String())

	var task database.Task
	if err := e.db.WithContext(ctx).Preload("Prediction").First(&task, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("%w: task %s", ErrNotFound, taskId)
		}
		return uuid.Nil, storageError(err)
	}

	switch task.Status {
	case database.TaskAssigned, database.TaskAnnotated, database.TaskVoting:
	default:
		return uuid.Nil, fmt.Errorf("%w: cannot annotate task in status %s", ErrInvalidTransition, task.Status)
	}

	if _, err := database.GetOrCreateAnnotator(ctx, e.db, annotatorId); err != nil {
		return uuid.Nil, storageError(err)
	}

	now := e.now().UTC()
	annotation := database.Annotation{
		Id:           uuid.New(),
		TaskId:       taskId,
		AnnotatorId:  annotatorId,
		Caption:      caption,
		CreationTime: now,
	}

	var openVoting, reenqueue bool
	err := e.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&annotation).Error; err != nil {
			return err
		}

		updates := map[string]any{}

		if task.AssignedTo.Valid && task.AssignedTo.UUID == annotatorId {
			if err := e.closeAssignment(txn, &task, annotatorId, now); err != nil {
				return err
			}
			history, err := database.AppendAssignmentEvent(&task, database.AssignmentEvent{
				AnnotatorId: annotatorId,
				AssignedAt:  now,
				Outcome:     "submitted",
			})
			if err != nil {
				return err
			}
			updates["assigned_to"] = uuid.NullUUID{}
			updates["assigned_at"] = sql.NullTime{}
			updates["assignment_history"] = history
		}

		var count int64
		if err := txn.Model(&database.Annotation{}).Where("task_id = ?", taskId).Count(&count).Error; err != nil {
			return err
		}

		if int(count) >= e.cfg.MinAnnotations {
			if task.Status != database.TaskVoting {
				openVoting = true
				updates["status"] = database.TaskVoting
				updates["voting_started_at"] = sql.NullTime{Time: now, Valid: true}
			}
		} else {
			if task.Status == database.TaskAssigned {
				updates["status"] = database.TaskAnnotated
			}
			reenqueue = true
		}

		if len(updates) > 0 {
			if err := txn.Model(&task).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, storageError(err)
	}

	if openVoting {
		e.queue.remove(taskId)
		slog.Info("task entered voting", "task_id", taskId)
	} else if reenqueue && task.Prediction != nil {
		// EnqueuedAt is preserved so the task keeps its accumulated wait.
		if err := e.queue.enqueue(taskId, task.Prediction.Uncertainty, task.Difficulty, task.EnqueuedAt); err != nil && !errors.Is(err, ErrDuplicateTask) {
			return uuid.Nil, err
		}
	}

	return annotation.Id, nil
}

// closeAssignment credits the assignee's throughput and releases their load
// slot. Runs inside the task transaction with the task lock held.
func (e *Engine) closeAssignment(txn *gorm.DB, task *database.Task, annotatorId uuid.UUID, now time.Time) error {
	taskSeconds := 0.0
	if task.AssignedAt.Valid {
		taskSeconds = now.Sub(task.AssignedAt.Time).Seconds()
	}

	return txn.Model(&database.Annotator{Id: annotatorId}).Updates(map[string]any{
		"open_tasks":         gorm.Expr("CASE WHEN open_tasks > 0 THEN open_tasks - 1 ELSE 0 END"),
		"completed_count":    gorm.Expr("completed_count + 1"),
		"total_task_seconds": gorm.Expr("total_task_seconds + ?", taskSeconds),
	}).Error
}

// SubmitVote records a review judgment on an annotation. Votes are
// append-only and a vote on one's own annotation is rejected.
func (e *Engine) SubmitVote(ctx context.Context, annotationId, voterId uuid.UUID, agree bool) error {
	var annotation database.Annotation
	if err := e.db.WithContext(ctx).First(&annotation, "id = ?", annotationId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: annotation %s", ErrNotFound, annotationId)
		}
		return storageError(err)
	}

	if annotation.AnnotatorId == voterId {
		return ErrSelfVote
	}

	e.taskLocks.Lock(annotation.TaskId.String())
	defer e.taskLocks.Unlock(annotation.TaskId.String())

	var task database.Task
	if err := e.db.WithContext(ctx).First(&task, "id = ?", annotation.TaskId).Error; err != nil {
		return storageError(err)
	}
	if task.Status != database.TaskVoting {
		return fmt.Errorf("%w: cannot vote on task in status %s", ErrInvalidTransition, task.Status)
	}

	if _, err := database.GetOrCreateAnnotator(ctx, e.db, voterId); err != nil {
		return storageError(err)
	}

	vote := database.Vote{
		Id:           uuid.New(),
		AnnotationId: annotationId,
		TaskId:       annotation.TaskId,
		VoterId:      voterId,
		Agree:        agree,
		CreationTime: e.now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(&vote).Error; err != nil {
		return storageError(err)
	}
	return nil
}

// agreementRatio is agreeing votes over total votes across all of the
// task's annotations.
func agreementRatio(votes []database.Vote) (float64, int) {
	if len(votes) == 0 {
		return 0, 0
	}
	agree := 0
	for _, v := range votes {
		if v.Agree {
			agree++
		}
	}
	return float64(agree) / float64(len(votes)), len(votes)
}
