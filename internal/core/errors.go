package core

import "errors"

// Error taxonomy for the pipeline. Validation and lookup errors surface
// synchronously to the submitter; synthesis and storage errors are retried by
// the job queue and only ever reach the submitter as an eventual failed
// status.
var (
	// ErrInvalidInput indicates a missing or malformed submission field.
	// Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates an unknown request, creator, or requester id.
	// Never retried.
	ErrNotFound = errors.New("not found")
	// ErrNotReady indicates the audio artifact is not yet available. The
	// caller may retry after a delay.
	ErrNotReady = errors.New("audio not ready")
	// ErrSynthesisFailure indicates the remote synthesis call failed.
	// Retried by the job queue up to the configured maximum.
	ErrSynthesisFailure = errors.New("synthesis failure")
	// ErrStorageFailure indicates the artifact could not be persisted.
	// Same retry treatment as ErrSynthesisFailure.
	ErrStorageFailure = errors.New("storage failure")
	// ErrQueueUnavailable indicates the queue's backing store cannot be
	// reached. Surfaced to the submission caller so the whole submission
	// can be retried.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrStateConflict indicates a conditional status update found the
	// request in a state that is not a valid predecessor.
	ErrStateConflict = errors.New("status transition conflict")
)
