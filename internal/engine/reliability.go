package engine

import (
	"context"
	"errors"
	"fmt"

	"labeling-backend/internal/database"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reliability is a pure function of the stored agreement counts, so it can
// be recomputed at any time for reconciliation and never drifts from
// partial updates. The smoothing constant folds the prior into the score as
// pseudo-observations: an annotator with no history scores exactly the
// prior, and a streak of early disagreements can approach zero but never
// reach it while smoothing > 0.
func Reliability(agreements, disagreements int, prior, smoothing float64) float64 {
	score := (float64(agreements) + smoothing*prior) /
		(float64(agreements+disagreements) + smoothing)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// applyConsensusOutcome adjusts the counts of every annotator who authored
// or voted on the task. Authors match when they wrote the accepted
// annotation. Voters match when they agreed with the accepted annotation or
// disagreed with a losing one. Runs inside the consensus transaction so the
// updates share its commit point.
func (e *Engine) applyConsensusOutcome(txn *gorm.DB, annotations []database.Annotation, acceptedId uuid.UUID) error {
	agreements := make(map[uuid.UUID]int)
	disagreements := make(map[uuid.UUID]int)

	for _, a := range annotations {
		if a.Id == acceptedId {
			agreements[a.AnnotatorId]++
		} else {
			disagreements[a.AnnotatorId]++
		}

		for _, v := range a.Votes {
			matched := v.Agree == (a.Id == acceptedId)
			if matched {
				agreements[v.VoterId]++
			} else {
				disagreements[v.VoterId]++
			}
		}
	}

	for annotatorId, n := range agreements {
		if err := txn.Model(&database.Annotator{Id: annotatorId}).
			Update("agreement_count", gorm.Expr("agreement_count + ?", n)).Error; err != nil {
			return err
		}
	}
	for annotatorId, n := range disagreements {
		if err := txn.Model(&database.Annotator{Id: annotatorId}).
			Update("disagreement_count", gorm.Expr("disagreement_count + ?", n)).Error; err != nil {
			return err
		}
	}
	return nil
}

type AnnotatorMetrics struct {
	AnnotatorId        uuid.UUID
	Reliability        float64
	Throughput         int
	AverageTaskSeconds float64
	DisagreementRate   float64
}

func (e *Engine) GetAnnotatorMetrics(ctx context.Context, annotatorId uuid.UUID) (AnnotatorMetrics, error) {
	var annotator database.Annotator
	if err := e.db.WithContext(ctx).First(&annotator, "id = ?", annotatorId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return AnnotatorMetrics{}, fmt.Errorf("%w: annotator %s", ErrNotFound, annotatorId)
		}
		return AnnotatorMetrics{}, storageError(err)
	}
	return e.metricsFor(annotator), nil
}

func (e *Engine) metricsFor(annotator database.Annotator) AnnotatorMetrics {
	metrics := AnnotatorMetrics{
		AnnotatorId: annotator.Id,
		Reliability: Reliability(annotator.AgreementCount, annotator.DisagreementCount, e.cfg.ReliabilityPrior, e.cfg.SmoothingConstant),
		Throughput:  annotator.CompletedCount,
	}
	if annotator.CompletedCount > 0 {
		metrics.AverageTaskSeconds = annotator.TotalTaskSeconds / float64(annotator.CompletedCount)
	}
	if total := annotator.AgreementCount + annotator.DisagreementCount; total > 0 {
		metrics.DisagreementRate = float64(annotator.DisagreementCount) / float64(total)
	}
	return metrics
}
