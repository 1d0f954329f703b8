package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepRequeuesTimedOutAssignment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AssignmentTimeout = 15 * time.Minute
	eng, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	annotator := uuid.New()
	seedAnnotator(t, eng, annotator, 5, 0)

	taskId, err := eng.IngestPrediction(ctx, PredictionInput{PredictionId: "clip-1", Uncertainty: 0.8})
	require.NoError(t, err)
	_, _, err = eng.AssignNext(ctx, nil)
	require.NoError(t, err)

	// Within the timeout nothing is released.
	clock.Advance(10 * time.Minute)
	require.NoError(t, eng.Sweep(ctx))

	var task database.Task
	require.NoError(t, eng.db.First(&task, "id = ?", taskId).Error)
	assert.Equal(t, database.TaskAssigned, task.Status)

	clock.Advance(6 * time.Minute)
	require.NoError(t, eng.Sweep(ctx))

	// Reload into a zeroed struct: gorm leaves fields untouched when the
	// scanned column is NULL, so reusing the populated struct would keep
	// the stale assignment.
	task = database.Task{}
	require.NoError(t, eng.db.First(&task, "id = ?", taskId).Error)
	assert.Equal(t, database.TaskPending, task.Status)
	assert.False(t, task.AssignedTo.Valid)
	assert.Equal(t, 1, task.RetryCount)

	var history []database.AssignmentEvent
	require.NoError(t, json.Unmarshal(task.AssignmentHistory, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "assigned", history[0].Outcome)
	assert.Equal(t, "timeout", history[1].Outcome)

	var a database.Annotator
	require.NoError(t, eng.db.First(&a, "id = ?", annotator).Error)
	assert.Equal(t, 0, a.OpenTasks)

	// The task is assignable again and its wait baseline was preserved.
	gotTask, gotAnnotator, err := eng.AssignNext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, taskId, gotTask)
	assert.Equal(t, annotator, gotAnnotator)
}

func TestSweepFlagsManualReviewAfterRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AssignmentTimeout = 15 * time.Minute
	cfg.MaxRetries = 1
	eng, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	annotator := uuid.New()
	seedAnnotator(t, eng, annotator, 5, 0)

	taskId, err := eng.IngestPrediction(ctx, PredictionInput{PredictionId: "clip-1", Uncertainty: 0.8})
	require.NoError(t, err)

	_, _, err = eng.AssignNext(ctx, nil)
	require.NoError(t, err)
	clock.Advance(16 * time.Minute)
	require.NoError(t, eng.Sweep(ctx))

	// First timeout spends the retry budget; the second stalls the task.
	_, _, err = eng.AssignNext(ctx, nil)
	require.NoError(t, err)
	clock.Advance(16 * time.Minute)
	require.NoError(t, eng.Sweep(ctx))

	var task database.Task
	require.NoError(t, eng.db.First(&task, "id = ?", taskId).Error)
	assert.Equal(t, database.TaskStalled, task.Status)
	assert.True(t, task.ManualReview)
	assert.Equal(t, 2, task.RetryCount)

	_, _, err = eng.AssignNext(ctx, nil)
	assert.ErrorIs(t, err, ErrNoEligibleAnnotator)

	dashboard, err := eng.DashboardSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, dashboard.ManualReviewTasks, 1)
	assert.Equal(t, taskId, dashboard.ManualReviewTasks[0].Id)
}

func TestSweepFinalizesExpiredVoting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VotingWindow = 30 * time.Minute
	eng, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	taskId := setupVotingTask(t, eng, "clip-1")

	// One agreeing vote is below the minimum, so on-demand finalization
	// refuses until the window elapses.
	_, err := eng.FinalizeConsensus(ctx, taskId)
	require.ErrorIs(t, err, ErrConsensusNotReady)

	clock.Advance(31 * time.Minute)
	require.NoError(t, eng.Sweep(ctx))

	var result database.ConsensusResult
	require.NoError(t, eng.db.First(&result, "task_id = ?", taskId).Error)
	assert.Equal(t, "a red car", result.Caption)
	assert.True(t, result.LowConfidence)

	var task database.Task
	require.NoError(t, eng.db.First(&task, "id = ?", taskId).Error)
	assert.Equal(t, database.TaskConsensusReached, task.Status)
}

func TestSweepLeavesSubmittedAssignmentsAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AssignmentTimeout = 15 * time.Minute
	eng, _, clock := newTestEngine(t, cfg)
	ctx := context.Background()

	annotator := uuid.New()
	seedAnnotator(t, eng, annotator, 5, 0)

	taskId, err := eng.IngestPrediction(ctx, PredictionInput{PredictionId: "clip-1", Uncertainty: 0.8})
	require.NoError(t, err)
	_, _, err = eng.AssignNext(ctx, nil)
	require.NoError(t, err)

	_, err = eng.SubmitAnnotation(ctx, taskId, annotator, "a red car")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, eng.Sweep(ctx))

	var task database.Task
	require.NoError(t, eng.db.First(&task, "id = ?", taskId).Error)
	assert.Equal(t, database.TaskAnnotated, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}
