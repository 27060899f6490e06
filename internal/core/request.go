// Package core defines the domain types, interfaces, and error taxonomy for
// the voicedrop synthesis pipeline.
package core

import "time"

// Status is the lifecycle state of a synthesis request.
//
// pending and processing are transient, completed and failed are terminal.
// A request never regresses from a terminal state.
type Status string

const (
	// StatusPending is the state of a request that has been accepted but
	// not yet claimed by a worker.
	StatusPending Status = "pending"
	// StatusProcessing is the state of a request claimed by a worker.
	StatusProcessing Status = "processing"
	// StatusCompleted is the terminal state of a request whose audio
	// artifact has been stored.
	StatusCompleted Status = "completed"
	// StatusFailed is the terminal state of a request whose attempts were
	// exhausted or that hit a non-retryable error.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four closed enum values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Terminal states accept nothing; pending may move to any later state so
// a worker that crashed before recording processing can still terminalize the
// request on redelivery.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// SynthesisRequest is the durable lifecycle record of one user-submitted
// text-to-speech job. The submission surface creates it at pending and never
// mutates it afterwards; only the worker pool moves it through the state
// machine.
type SynthesisRequest struct {
	ID              string     `json:"id"`
	RequesterID     string     `json:"requesterId"`
	CreatorID       string     `json:"creatorId"`
	Message         string     `json:"message"`
	Voice           string     `json:"voice"`
	Status          Status     `json:"status"`
	AudioURL        string     `json:"audioUrl,omitempty"`
	ArtifactBackend string     `json:"-"`
	ArtifactKey     string     `json:"-"`
	FailureReason   string     `json:"failureReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
}

// Job is the queued unit of work derived deterministically from a request at
// enqueue time, so redelivered jobs always carry identical data. Retry
// metadata (delivery attempt) is assigned by the queue, not stored here.
type Job struct {
	RequestID        string `json:"requestId"`
	RequesterID      string `json:"requesterId"`
	CreatorID        string `json:"creatorId"`
	Message          string `json:"message"`
	Voice            string `json:"voice"`
	UseRemoteStorage bool   `json:"useRemoteStorage"`
}

// JobFromRequest derives the queue payload for a request.
func JobFromRequest(req *SynthesisRequest, useRemoteStorage bool) Job {
	return Job{
		RequestID:        req.ID,
		RequesterID:      req.RequesterID,
		CreatorID:        req.CreatorID,
		Message:          req.Message,
		Voice:            req.Voice,
		UseRemoteStorage: useRemoteStorage,
	}
}

// NotificationEvent is the ephemeral pub/sub payload published once per state
// transition. Subscribers that are offline miss it; polling the request store
// is the durable fallback.
type NotificationEvent struct {
	RequestID   string `json:"requestId"`
	Status      Status `json:"status"`
	AudioURL    string `json:"audioUrl,omitempty"`
	Message     string `json:"message"`
	Voice       string `json:"voice"`
	CreatorID   string `json:"creatorId"`
	RequesterID string `json:"requesterId"`
	Reason      string `json:"reason,omitempty"`
}
