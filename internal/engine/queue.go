package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type queueEntry struct {
	taskId      uuid.UUID
	uncertainty float64
	difficulty  float64
	enqueuedAt  time.Time
	claimed     bool
}

// taskQueue is the in-memory priority index over tasks that still need
// assignment. It is rebuilt from the durable store at engine start. A task
// claimed by one claimNext call is invisible to concurrent calls until the
// claimer either removes it (assignment committed) or releases it.
type taskQueue struct {
	mu      sync.Mutex
	cfg     Config
	entries map[uuid.UUID]*queueEntry
}

func newTaskQueue(cfg Config) *taskQueue {
	return &taskQueue{
		cfg:     cfg,
		entries: make(map[uuid.UUID]*queueEntry),
	}
}

func (q *taskQueue) enqueue(taskId uuid.UUID, uncertainty, difficulty float64, enqueuedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[taskId]; ok {
		return ErrDuplicateTask
	}
	q.entries[taskId] = &queueEntry{
		taskId:      taskId,
		uncertainty: uncertainty,
		difficulty:  difficulty,
		enqueuedAt:  enqueuedAt,
	}
	return nil
}

// claimNext returns the highest-priority unclaimed task for which eligible
// holds, marking it claimed. The queue lock is held across the eligibility
// checks so two concurrent calls can never claim the same task.
func (q *taskQueue) claimNext(now time.Time, eligible func(taskId uuid.UUID) bool) (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates := make([]*queueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.claimed {
			candidates = append(candidates, e)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi := q.cfg.priorityScore(candidates[i].uncertainty, candidates[i].difficulty, now.Sub(candidates[i].enqueuedAt))
		pj := q.cfg.priorityScore(candidates[j].uncertainty, candidates[j].difficulty, now.Sub(candidates[j].enqueuedAt))
		if pi != pj {
			return pi > pj
		}
		if !candidates[i].enqueuedAt.Equal(candidates[j].enqueuedAt) {
			return candidates[i].enqueuedAt.Before(candidates[j].enqueuedAt)
		}
		return candidates[i].taskId.String() < candidates[j].taskId.String()
	})

	for _, e := range candidates {
		if eligible(e.taskId) {
			e.claimed = true
			return e.taskId, true
		}
	}
	return uuid.Nil, false
}

func (q *taskQueue) release(taskId uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[taskId]; ok {
		e.claimed = false
	}
}

func (q *taskQueue) remove(taskId uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, taskId)
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
