package requeststore

import (
	"context"
	"fmt"
	"sync"

	"github.com/voicedrop/voicedrop/internal/core"
)

// MemoryStore is an in-memory core.RequestStore and core.IdentityDirectory
// with the same conditional-transition semantics as the Postgres store. It
// backs tests and single-process development runs.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string]core.SynthesisRequest
	requesters map[string]struct{}
	creators   map[string]struct{}
}

// NewMemoryStore returns an empty store seeded with the given requester and
// creator ids.
func NewMemoryStore(requesterIDs, creatorIDs []string) *MemoryStore {
	requesters := make(map[string]struct{}, len(requesterIDs))
	for _, id := range requesterIDs {
		requesters[id] = struct{}{}
	}

	creators := make(map[string]struct{}, len(creatorIDs))
	for _, id := range creatorIDs {
		creators[id] = struct{}{}
	}

	return &MemoryStore{
		requests:   make(map[string]core.SynthesisRequest),
		requesters: requesters,
		creators:   creators,
	}
}

// Create inserts a new request record.
func (s *MemoryStore) Create(_ context.Context, req *core.SynthesisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("request '%s' already exists: %w", req.ID, core.ErrStateConflict)
	}

	s.requests[req.ID] = *req

	return nil
}

// Get loads a request by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*core.SynthesisRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request '%s': %w", id, core.ErrNotFound)
	}

	copied := req

	return &copied, nil
}

// Transition applies a conditional status update under the store lock.
func (s *MemoryStore) Transition(_ context.Context, id string, from []core.Status, change core.StatusChange) error {
	if !change.To.Valid() {
		return fmt.Errorf("%w: status '%s'", core.ErrInvalidInput, change.To)
	}

	for _, status := range from {
		if !status.CanTransitionTo(change.To) {
			return fmt.Errorf("%w: %s cannot transition to %s", core.ErrInvalidInput, status, change.To)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("request '%s': %w", id, core.ErrNotFound)
	}

	if !statusIn(req.Status, from) {
		return fmt.Errorf("request '%s' is %s, not a predecessor of %s: %w",
			id, req.Status, change.To, core.ErrStateConflict)
	}

	req.Status = change.To
	processedAt := change.ProcessedAt
	req.ProcessedAt = &processedAt

	if change.AudioURL != "" {
		req.AudioURL = change.AudioURL
		req.ArtifactBackend = change.ArtifactBackend
		req.ArtifactKey = change.ArtifactKey
	}

	if change.FailureReason != "" {
		req.FailureReason = change.FailureReason
	}

	s.requests[id] = req

	return nil
}

// RequesterExists reports whether the requester id was seeded.
func (s *MemoryStore) RequesterExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.requesters[id]

	return ok, nil
}

// CreatorExists reports whether the creator id was seeded.
func (s *MemoryStore) CreatorExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.creators[id]

	return ok, nil
}

func statusIn(status core.Status, set []core.Status) bool {
	for _, candidate := range set {
		if status == candidate {
			return true
		}
	}

	return false
}
