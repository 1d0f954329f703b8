package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"labeling-backend/internal/database"
	"labeling-backend/internal/messaging"

	"gorm.io/gorm"
)

// Engine is the active-learning orchestration core: it turns ingested
// predictions into prioritized review tasks, routes them to annotators,
// reconciles annotations and votes into consensus labels, and accumulates
// accepted labels into retraining batches. The HTTP layer is a thin
// translation over its methods.
type Engine struct {
	db        *gorm.DB
	publisher messaging.Publisher
	cfg       Config

	queue          *taskQueue
	taskLocks      *lockMap
	predLocks      *lockMap
	annotatorLocks *lockMap
	batchLock      sync.Mutex

	now func() time.Time
}

func New(db *gorm.DB, publisher messaging.Publisher, cfg Config) (*Engine, error) {
	e := &Engine{
		db:             db,
		publisher:      publisher,
		cfg:            cfg,
		queue:          newTaskQueue(cfg),
		taskLocks:      newLockMap(),
		predLocks:      newLockMap(),
		annotatorLocks: newLockMap(),
		now:            time.Now,
	}

	if err := e.recoverQueue(); err != nil {
		return nil, err
	}
	return e, nil
}

// recoverQueue rebuilds the priority index from tasks that were still
// awaiting assignment when the previous process stopped. EnqueuedAt is the
// stored baseline, so accumulated wait time survives restarts.
func (e *Engine) recoverQueue() error {
	var tasks []database.Task
	err := e.db.Preload("Prediction").
		Where("status IN ? AND assigned_to IS NULL", []string{database.TaskPending, database.TaskAnnotated}).
		Find(&tasks).Error
	if err != nil {
		return storageError(err)
	}

	for _, task := range tasks {
		if task.Prediction == nil {
			continue
		}
		if err := e.queue.enqueue(task.Id, task.Prediction.Uncertainty, task.Difficulty, task.EnqueuedAt); err != nil {
			return err
		}
	}
	return nil
}

type TaskSummary struct {
	Task     database.Task
	Priority float64
}

// ListTasks returns all tasks sorted by current priority, highest first.
// Terminal tasks sort last by finalization recency.
func (e *Engine) ListTasks(ctx context.Context) ([]TaskSummary, error) {
	var tasks []database.Task
	if err := e.db.WithContext(ctx).Preload("Prediction").Find(&tasks).Error; err != nil {
		return nil, storageError(err)
	}

	now := e.now()
	summaries := make([]TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		var priority float64
		if task.Status != database.TaskConsensusReached && task.Prediction != nil {
			priority = e.cfg.priorityScore(task.Prediction.Uncertainty, task.Difficulty, now.Sub(task.EnqueuedAt))
		}
		summaries = append(summaries, TaskSummary{Task: task, Priority: priority})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Priority != summaries[j].Priority {
			return summaries[i].Priority > summaries[j].Priority
		}
		return summaries[i].Task.CreationTime.Before(summaries[j].Task.CreationTime)
	})
	return summaries, nil
}

type Dashboard struct {
	Annotators        []AnnotatorMetrics
	ManualReviewTasks []database.Task
}

// DashboardSnapshot is the reliability overview plus the tasks that
// exhausted their retry budget and are waiting on a human operator.
func (e *Engine) DashboardSnapshot(ctx context.Context) (Dashboard, error) {
	var annotators []database.Annotator
	if err := e.db.WithContext(ctx).Order("id").Find(&annotators).Error; err != nil {
		return Dashboard{}, storageError(err)
	}

	dashboard := Dashboard{Annotators: make([]AnnotatorMetrics, 0, len(annotators))}
	for _, a := range annotators {
		dashboard.Annotators = append(dashboard.Annotators, e.metricsFor(a))
	}

	if err := e.db.WithContext(ctx).
		Where("manual_review = ?", true).
		Order("creation_time").
		Find(&dashboard.ManualReviewTasks).Error; err != nil {
		return Dashboard{}, storageError(err)
	}
	return dashboard, nil
}
