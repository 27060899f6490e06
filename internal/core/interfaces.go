package core

import (
	"context"
	"time"
)

// RequestStore is the single source of truth for request status. All status
// writes go through Transition, which only applies when the current status is
// one of the listed predecessors.
type RequestStore interface {
	Create(ctx context.Context, req *SynthesisRequest) error
	Get(ctx context.Context, id string) (*SynthesisRequest, error)
	// Transition conditionally applies the status change described by
	// change. It returns ErrInvalidInput when a listed predecessor cannot
	// legally reach change.To, ErrNotFound for an unknown id, and
	// ErrStateConflict when the stored status is not in from.
	Transition(ctx context.Context, id string, from []Status, change StatusChange) error
}

// StatusChange carries the fields written alongside a status transition.
// Artifact fields are only set on the transition to completed, the failure
// reason only on the transition to failed.
type StatusChange struct {
	To              Status
	AudioURL        string
	ArtifactBackend string
	ArtifactKey     string
	FailureReason   string
	ProcessedAt     time.Time
}

// IdentityDirectory resolves requester and creator ids against the companion
// identity tables. Account CRUD is owned by an external collaborator; this
// service only reads.
type IdentityDirectory interface {
	RequesterExists(ctx context.Context, id string) (bool, error)
	CreatorExists(ctx context.Context, id string) (bool, error)
}

// ArtifactStore persists finished audio under a key and makes it reachable by
// URL.
type ArtifactStore interface {
	// Name identifies the backend in request records so the download
	// surface can stream from the store the worker used.
	Name() string
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	// URL returns the durable client-facing URL for a stored key.
	URL(key string) string
}

// Synthesizer turns message text into audio bytes. Calls carry a bounded
// timeout through ctx; a timed-out attempt is treated as failed and subject
// to the retry policy.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// JobQueue is the durable, ordered work queue decoupling submission from
// processing. Enqueue returns once the job is durably recorded and reports
// ErrQueueUnavailable when the backing store is unreachable.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Claim delivers the next job to the caller, blocking up to the
	// queue's fetch wait. It returns (nil, nil) when no job is available.
	// A claim not acknowledged within the stall timeout is redelivered.
	Claim(ctx context.Context) (ClaimedJob, error)
}

// ClaimedJob is a job held by exactly one worker until acknowledged,
// retried, or discarded.
type ClaimedJob interface {
	Job() Job
	// Attempt is the 1-based delivery count of this claim.
	Attempt() int
	Ack() error
	// Retry releases the claim for redelivery after the given delay.
	Retry(delay time.Duration) error
	// Discard removes the job from the queue permanently.
	Discard() error
}

// EventPublisher pushes a state-change notification to subscribers grouped by
// creator. Delivery is best-effort and at-most-once; it is a latency
// optimization over polling, never a correctness channel.
type EventPublisher interface {
	Publish(ctx context.Context, event NotificationEvent) error
}
