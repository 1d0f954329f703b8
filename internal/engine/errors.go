package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask indicates a prediction that already spawned a task.
	// IngestPrediction recovers from it internally by returning the existing
	// task; it only escapes through the queue when something re-enqueues a
	// live task.
	ErrDuplicateTask = errors.New("prediction already has a task")

	// ErrNoEligibleAnnotator is transient: the caller decides whether to
	// back off and re-poll.
	ErrNoEligibleAnnotator = errors.New("no eligible annotator available")

	ErrSelfVote          = errors.New("annotators cannot vote on their own annotations")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrConsensusNotReady means the voting threshold is not met and the
	// voting window has not elapsed.
	ErrConsensusNotReady = errors.New("task does not meet consensus criteria yet")

	ErrNotFound = errors.New("record not found")

	// ErrStorageUnavailable wraps failures from the durable store. Always
	// propagated, never swallowed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func storageError(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// isEngineError reports whether err is one of the engine's own sentinels,
// as opposed to a failure from the durable store.
func isEngineError(err error) bool {
	for _, sentinel := range []error{
		ErrDuplicateTask, ErrNoEligibleAnnotator, ErrSelfVote,
		ErrInvalidTransition, ErrInvalidInput, ErrConsensusNotReady, ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
