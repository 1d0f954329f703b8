package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateTaskStatus(ctx context.Context, txn *gorm.DB, taskId uuid.UUID, status string) error {
	if err := txn.WithContext(ctx).Model(&Task{Id: taskId}).Update("status", status).Error; err != nil {
		slog.Error("error updating task status", "task_id", taskId, "status", status, "error", err)
		return err
	}
	return nil
}

// AppendAssignmentEvent decodes the task's assignment history, appends the
// event, and returns the new serialized history. The caller writes it back
// inside its own transaction so the append shares the task's commit point.
func AppendAssignmentEvent(task *Task, event AssignmentEvent) ([]byte, error) {
	var history []AssignmentEvent
	if len(task.AssignmentHistory) > 0 {
		if err := json.Unmarshal(task.AssignmentHistory, &history); err != nil {
			return nil, fmt.Errorf("invalid assignment history JSON for task %s: %w", task.Id, err)
		}
	}
	history = append(history, event)

	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("could not marshal assignment history: %w", err)
	}
	return data, nil
}

// GetOrCreateAnnotator returns the annotator row, creating it on first
// touch. New annotators start with empty history; their reliability comes
// from the configured prior until they accumulate agreement counts.
func GetOrCreateAnnotator(ctx context.Context, db *gorm.DB, annotatorId uuid.UUID) (*Annotator, error) {
	var annotator Annotator
	err := db.WithContext(ctx).
		Where(Annotator{Id: annotatorId}).
		Attrs(Annotator{Id: annotatorId, CreationTime: time.Now().UTC()}).
		FirstOrCreate(&annotator).Error
	if err != nil {
		return nil, fmt.Errorf("could not get or create annotator %s: %w", annotatorId, err)
	}
	return &annotator, nil
}
