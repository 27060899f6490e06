// Package api exposes the HTTP surface of the service: request submission,
// status polling, audio download, and a health probe. Handlers stay thin;
// every decision that matters lives behind the core interfaces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/voicedrop/voicedrop/internal/core"
)

const (
	requesterHeader          = "X-Requester-ID"
	retryAfterHeader         = "Retry-After"
	notReadyRetryHintSeconds = 5
)

// ArtifactResolver looks up the backend a completed request stored its audio
// in.
type ArtifactResolver interface {
	Get(name string) (core.ArtifactStore, error)
}

// HealthChecker reports whether the downstream synthesis engine is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server wires the submission pipeline behind a net/http mux.
type Server struct {
	mux        *http.ServeMux
	requests   core.RequestStore
	identities core.IdentityDirectory
	queue      core.JobQueue
	publisher  core.EventPublisher
	artifacts  ArtifactResolver
	health     HealthChecker
	useRemote  bool
	log        *logger.Logger
}

// Options carries the optional knobs for a Server.
type Options struct {
	// UseRemoteStorage selects the artifact backend stamped onto new jobs.
	UseRemoteStorage bool
	// Health may be nil when the synthesis engine exposes no probe.
	Health HealthChecker
}

// NewServer builds the HTTP surface over the given collaborators.
func NewServer(
	requests core.RequestStore,
	identities core.IdentityDirectory,
	jobQueue core.JobQueue,
	publisher core.EventPublisher,
	artifacts ArtifactResolver,
	opts Options,
	log *logger.Logger,
) *Server {
	server := &Server{
		mux:        http.NewServeMux(),
		requests:   requests,
		identities: identities,
		queue:      jobQueue,
		publisher:  publisher,
		artifacts:  artifacts,
		health:     opts.Health,
		useRemote:  opts.UseRemoteStorage,
		log:        log,
	}
	server.registerRoutes()

	return server
}

// Handler returns the root handler, for mounting and for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/requests/{request_id}", s.handleStatus)
	s.mux.HandleFunc("GET /v1/requests/{request_id}/audio", s.handleDownload)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

type submitRequest struct {
	RequesterID string `json:"requesterId"`
	CreatorID   string `json:"creatorId"`
	Message     string `json:"message"`
	Voice       string `json:"voice"`
}

type submitResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type statusResponse struct {
	RequestID string  `json:"requestId"`
	Status    string  `json:"status"`
	AudioURL  *string `json:"audioUrl"`
	Reason    string  `json:"reason,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleSubmit validates the submission, records it as pending, and enqueues
// the job. The 202 response carries the id the caller polls with; synthesis
// happens later, on a worker.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest

	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")

		return
	}

	err = validateSubmission(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_input", err.Error())

		return
	}

	err = s.resolveIdentities(r.Context(), body)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	req := &core.SynthesisRequest{
		ID:          uuid.NewString(),
		RequesterID: body.RequesterID,
		CreatorID:   body.CreatorID,
		Message:     strings.TrimSpace(body.Message),
		Voice:       body.Voice,
		Status:      core.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	err = s.requests.Create(r.Context(), req)
	if err != nil {
		s.log.Error("Failed to create request record: %v", err)
		s.writeDomainError(w, err)

		return
	}

	err = s.queue.Enqueue(r.Context(), core.JobFromRequest(req, s.useRemote))
	if err != nil {
		// The pending record stays; re-submission or an operator replay
		// can enqueue it again without losing the id.
		s.log.Error("Failed to enqueue request %s: %v", req.ID, err)
		s.writeDomainError(w, err)

		return
	}

	s.publishPending(r.Context(), req)

	s.log.Info("Accepted request %s for creator %s", req.ID, req.CreatorID)
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		RequestID: req.ID,
		Status:    string(req.Status),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")

	req, err := s.requests.Get(r.Context(), requestID)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	response := statusResponse{
		RequestID: req.ID,
		Status:    string(req.Status),
		AudioURL:  nil,
		Reason:    "",
	}

	if req.Status == core.StatusCompleted {
		response.AudioURL = &req.AudioURL
	}

	if req.Status == core.StatusFailed {
		response.Reason = req.FailureReason
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleDownload streams the stored audio for a completed request. Only the
// submitting requester or the target creator may fetch it; anyone else gets
// the same 404 an unknown id gets, so probing leaks nothing.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	callerID := r.Header.Get(requesterHeader)
	if callerID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_caller",
			requesterHeader+" header is required")

		return
	}

	requestID := r.PathValue("request_id")

	req, err := s.requests.Get(r.Context(), requestID)
	if err != nil {
		s.writeDomainError(w, err)

		return
	}

	if callerID != req.RequesterID && callerID != req.CreatorID {
		s.writeDomainError(w, core.ErrNotFound)

		return
	}

	if !req.Status.IsTerminal() {
		s.writeDomainError(w, core.ErrNotReady)

		return
	}

	if req.Status == core.StatusFailed {
		s.writeError(w, http.StatusConflict, "request_failed",
			"synthesis failed; no audio exists for this request")

		return
	}

	store, err := s.artifacts.Get(req.ArtifactBackend)
	if err != nil {
		s.log.Error("Unknown artifact backend '%s' on request %s: %v",
			req.ArtifactBackend, req.ID, err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")

		return
	}

	audioData, err := store.Download(r.Context(), req.ArtifactKey)
	if err != nil {
		s.log.Error("Failed to download artifact %s for request %s: %v",
			req.ArtifactKey, req.ID, err)
		s.writeDomainError(w, fmt.Errorf("%w: %w", core.ErrStorageFailure, err))

		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(audioData)))
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(audioData)
	if err != nil {
		s.log.Warn("Failed to stream artifact for request %s: %v", req.ID, err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		err := s.health.HealthCheck(r.Context())
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "synthesis_unreachable", err.Error())

			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validateSubmission(body submitRequest) error {
	if strings.TrimSpace(body.RequesterID) == "" {
		return fmt.Errorf("%w: requesterId is required", core.ErrInvalidInput)
	}

	if strings.TrimSpace(body.CreatorID) == "" {
		return fmt.Errorf("%w: creatorId is required", core.ErrInvalidInput)
	}

	if strings.TrimSpace(body.Message) == "" {
		return fmt.Errorf("%w: message must not be empty", core.ErrInvalidInput)
	}

	if strings.TrimSpace(body.Voice) == "" {
		return fmt.Errorf("%w: voice is required", core.ErrInvalidInput)
	}

	return nil
}

func (s *Server) resolveIdentities(ctx context.Context, body submitRequest) error {
	requesterExists, err := s.identities.RequesterExists(ctx, body.RequesterID)
	if err != nil {
		return fmt.Errorf("failed to resolve requester '%s': %w", body.RequesterID, err)
	}

	if !requesterExists {
		return fmt.Errorf("%w: unknown requester '%s'", core.ErrNotFound, body.RequesterID)
	}

	creatorExists, err := s.identities.CreatorExists(ctx, body.CreatorID)
	if err != nil {
		return fmt.Errorf("failed to resolve creator '%s': %w", body.CreatorID, err)
	}

	if !creatorExists {
		return fmt.Errorf("%w: unknown creator '%s'", core.ErrNotFound, body.CreatorID)
	}

	return nil
}

// publishPending announces the accepted request to the creator's room.
// Best-effort; the durable record already exists.
func (s *Server) publishPending(ctx context.Context, req *core.SynthesisRequest) {
	err := s.publisher.Publish(ctx, core.NotificationEvent{
		RequestID:   req.ID,
		Status:      core.StatusPending,
		Message:     req.Message,
		Voice:       req.Voice,
		CreatorID:   req.CreatorID,
		RequesterID: req.RequesterID,
	})
	if err != nil {
		s.log.Warn("Failed to publish pending notification for request %s: %v", req.ID, err)
	}
}

// writeDomainError maps the core error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, core.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "request not found")
	case errors.Is(err, core.ErrNotReady):
		w.Header().Set(retryAfterHeader, fmt.Sprintf("%d", notReadyRetryHintSeconds))
		s.writeError(w, http.StatusServiceUnavailable, "not_ready",
			"audio is not ready yet; poll the request status")
	case errors.Is(err, core.ErrQueueUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "queue_unavailable",
			"job queue is unavailable; try again later")
	case errors.Is(err, core.ErrStateConflict):
		s.writeError(w, http.StatusConflict, "state_conflict", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		s.log.Warn("Failed to encode response body: %v", err)
	}
}
