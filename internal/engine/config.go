package engine

import "time"

type Config struct {
	// ReliabilityPrior is the score given to annotators with no history.
	ReliabilityPrior float64
	// SmoothingConstant keeps a single early disagreement from collapsing a
	// new annotator's score to zero. Must be > 0.
	SmoothingConstant float64

	MaxConcurrentTasks int

	// DefaultDifficulty is used when a prediction is ingested without one.
	DefaultDifficulty float64

	// MinAnnotations independent annotations move a task into voting.
	MinAnnotations int

	AgreementThreshold float64
	MinVotes           int
	// VotingWindow is the maximum time a task sits in voting before the
	// sweep finalizes it from best-available votes, flagged low-confidence.
	VotingWindow time.Duration

	AssignmentTimeout time.Duration
	// MaxRetries bounds how often a timed out task is requeued before it is
	// surfaced for manual review.
	MaxRetries int

	BatchSize int
	// BatchMaxAge flushes a non-empty partial batch.
	BatchMaxAge time.Duration
	// AckTimeout re-offers a sent batch that was never acknowledged.
	AckTimeout time.Duration

	// DecayHalfLife and MaxFreshnessBoost shape the wait-time decay: a task
	// gains priority linearly with wait, capped so stale tasks cannot
	// dominate forever.
	DecayHalfLife     time.Duration
	MaxFreshnessBoost float64

	// Confidence blends the vote agreement ratio with the average
	// reliability of the agreeing voters.
	AgreementWeight   float64
	ReliabilityWeight float64
}

func DefaultConfig() Config {
	return Config{
		ReliabilityPrior:   0.5,
		SmoothingConstant:  1,
		MaxConcurrentTasks: 5,
		DefaultDifficulty:  0.5,
		MinAnnotations:     2,
		AgreementThreshold: 0.66,
		MinVotes:           3,
		VotingWindow:       30 * time.Minute,
		AssignmentTimeout:  15 * time.Minute,
		MaxRetries:         3,
		BatchSize:          10,
		BatchMaxAge:        time.Hour,
		AckTimeout:         5 * time.Minute,
		DecayHalfLife:      time.Hour,
		MaxFreshnessBoost:  4,
		AgreementWeight:    0.6,
		ReliabilityWeight:  0.4,
	}
}
