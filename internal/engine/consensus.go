package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FinalizeConsensus synthesizes the accepted caption for a voting task.
// Idempotent: re-invocation on a finalized task returns the stored result,
// so retries after a crash are always safe. The consensus transaction is the
// only writer of the consensus_reached transition.
func (e *Engine) FinalizeConsensus(ctx context.Context, taskId uuid.UUID) (*database.ConsensusResult, error) {
	e.taskLocks.Lock(taskId.String())
	defer e.taskLocks.Unlock(taskId.String())

	var existing database.ConsensusResult
	err := e.db.WithContext(ctx).First(&existing, "task_id = ?", taskId).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storageError(err)
	}

	var task database.Task
	if err := e.db.WithContext(ctx).First(&task, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskId)
		}
		return nil, storageError(err)
	}
	if task.Status != database.TaskVoting {
		return nil, fmt.Errorf("%w: cannot finalize task in status %s", ErrInvalidTransition, task.Status)
	}

	var annotations []database.Annotation
	if err := e.db.WithContext(ctx).Preload("Votes").
		Where("task_id = ?", taskId).
		Order("creation_time").
		Find(&annotations).Error; err != nil {
		return nil, storageError(err)
	}
	if len(annotations) == 0 {
		return nil, fmt.Errorf("%w: task has no annotations", ErrInvalidTransition)
	}

	var votes []database.Vote
	for _, a := range annotations {
		votes = append(votes, a.Votes...)
	}

	now := e.now().UTC()
	ratio, total := agreementRatio(votes)

	thresholdMet := total >= e.cfg.MinVotes && ratio >= e.cfg.AgreementThreshold
	windowElapsed := task.VotingStartedAt.Valid && now.Sub(task.VotingStartedAt.Time) >= e.cfg.VotingWindow
	if !thresholdMet && !windowElapsed {
		return nil, ErrConsensusNotReady
	}

	accepted := selectAccepted(annotations)

	confidence, err := e.confidenceScore(ctx, ratio, accepted)
	if err != nil {
		return nil, err
	}

	contributing := make([]uuid.UUID, len(annotations))
	for i, a := range annotations {
		contributing[i] = a.Id
	}
	contributingJSON, err := json.Marshal(contributing)
	if err != nil {
		return nil, fmt.Errorf("could not marshal contributing annotations: %w", err)
	}

	result := database.ConsensusResult{
		TaskId:                  taskId,
		AcceptedAnnotationId:    accepted.Id,
		Caption:                 accepted.Caption,
		Confidence:              confidence,
		LowConfidence:           !thresholdMet,
		ContributingAnnotations: contributingJSON,
		FinalizedAt:             now,
	}

	err = e.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(&result).Error; err != nil {
			return err
		}
		if err := database.UpdateTaskStatus(ctx, txn, taskId, database.TaskConsensusReached); err != nil {
			return err
		}
		return e.applyConsensusOutcome(txn, annotations, accepted.Id)
	})
	if err != nil {
		return nil, storageError(err)
	}

	e.queue.remove(taskId)
	slog.Info("consensus reached", "task_id", taskId, "caption", result.Caption,
		"confidence", result.Confidence, "low_confidence", result.LowConfidence)

	if err := e.maybeEmitBatch(ctx); err != nil {
		// Batch emission is retried by the sweep; a failure here must not
		// undo an already-committed consensus.
		slog.Error("error evaluating retraining batch threshold", "error", err)
	}

	return &result, nil
}

// selectAccepted picks, among annotations with at least one agreeing vote,
// the one with the highest agree ratio over its own votes; ties break by
// earliest submission. If nothing got an agreeing vote (window-elapsed
// finalization with sparse or hostile votes) the earliest annotation wins.
func selectAccepted(annotations []database.Annotation) *database.Annotation {
	best := -1
	bestRatio := -1.0

	for i, a := range annotations {
		agree := 0
		for _, v := range a.Votes {
			if v.Agree {
				agree++
			}
		}
		if agree == 0 {
			continue
		}
		ratio := float64(agree) / float64(len(a.Votes))
		if ratio > bestRatio ||
			(ratio == bestRatio && a.CreationTime.Before(annotations[best].CreationTime)) {
			best = i
			bestRatio = ratio
		}
	}

	if best < 0 {
		best = 0
		for i, a := range annotations {
			if a.CreationTime.Before(annotations[best].CreationTime) {
				best = i
			}
		}
	}
	return &annotations[best]
}

// confidenceScore blends the task-wide agreement ratio with the average
// reliability of the voters who agreed with the accepted annotation: equal
// agreement backed by historically reliable voters counts for more.
func (e *Engine) confidenceScore(ctx context.Context, ratio float64, accepted *database.Annotation) (float64, error) {
	var voterIds []uuid.UUID
	for _, v := range accepted.Votes {
		if v.Agree {
			voterIds = append(voterIds, v.VoterId)
		}
	}

	avgReliability := 0.0
	if len(voterIds) > 0 {
		var voters []database.Annotator
		if err := e.db.WithContext(ctx).Where("id IN ?", voterIds).Find(&voters).Error; err != nil {
			return 0, storageError(err)
		}
		sum := 0.0
		for _, v := range voters {
			sum += Reliability(v.AgreementCount, v.DisagreementCount, e.cfg.ReliabilityPrior, e.cfg.SmoothingConstant)
		}
		if len(voters) > 0 {
			avgReliability = sum / float64(len(voters))
		}
	}

	confidence := e.cfg.AgreementWeight*ratio + e.cfg.ReliabilityWeight*avgReliability
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence, nil
}
