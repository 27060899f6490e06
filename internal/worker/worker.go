// Package worker provides the pool that drains the job queue: each worker
// claims a job, drives synthesis and artifact storage, records the status
// transition, and publishes the resulting notification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voicedrop/voicedrop/internal/core"
	"github.com/voicedrop/voicedrop/internal/synth/text"
)

const (
	defaultSynthesisTimeout = 30 * time.Second

	// claimRetryDelay paces the claim loop when the queue itself is
	// erroring, so a broken connection does not spin workers hot.
	claimRetryDelay = time.Second
)

// ErrNoWorkers indicates the pool was configured without any worker units.
var ErrNoWorkers = errors.New("worker count must be positive")

// ArtifactSelector picks the artifact backend for a job.
type ArtifactSelector interface {
	Select(useRemote bool) (core.ArtifactStore, error)
}

// Pool runs a bounded number of concurrent workers. Workers share no mutable
// state; the job queue and the request store are the only serialization
// points.
type Pool struct {
	queue            core.JobQueue
	requests         core.RequestStore
	artifacts        ArtifactSelector
	synthesizer      core.Synthesizer
	publisher        core.EventPublisher
	normalizer       *text.Normalizer
	policy           core.RetryPolicy
	synthesisTimeout time.Duration
	workers          int
	log              *logger.Logger
}

// Options configures a Pool.
type Options struct {
	Workers          int
	Policy           core.RetryPolicy
	SynthesisTimeout time.Duration
}

// NewPool creates a worker pool over the given collaborators.
func NewPool(
	jobQueue core.JobQueue,
	requests core.RequestStore,
	artifacts ArtifactSelector,
	synthesizer core.Synthesizer,
	publisher core.EventPublisher,
	opts Options,
	log *logger.Logger,
) (*Pool, error) {
	if opts.Workers <= 0 {
		return nil, ErrNoWorkers
	}

	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = core.DefaultRetryPolicy()
	}

	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = defaultSynthesisTimeout
	}

	return &Pool{
		queue:            jobQueue,
		requests:         requests,
		artifacts:        artifacts,
		synthesizer:      synthesizer,
		publisher:        publisher,
		normalizer:       text.NewNormalizer(),
		policy:           opts.Policy,
		synthesisTimeout: opts.SynthesisTimeout,
		workers:          opts.Workers,
		log:              log,
	}, nil
}

// Run starts the workers and blocks until ctx is canceled and all workers
// have finished their current job.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for i := 1; i <= p.workers; i++ {
		workerID := i

		group.Go(func() error {
			return p.runWorker(groupCtx, workerID)
		})
	}

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker pool stopped: %w", err)
	}

	return nil
}

func (p *Pool) runWorker(ctx context.Context, workerID int) error {
	p.log.Info("Worker %d started", workerID)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Worker %d stopping", workerID)

			return ctx.Err()
		default:
		}

		claim, err := p.queue.Claim(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}

			p.log.Error("Worker %d failed to claim a job: %v", workerID, err)

			select {
			case <-ctx.Done():
			case <-time.After(claimRetryDelay):
			}

			continue
		}

		if claim == nil {
			continue
		}

		p.handleClaim(ctx, workerID, claim)
	}
}

// handleClaim processes one delivery end to end. Each claimed job runs at
// most once at a time; redeliveries of the same job are serialized by the
// queue's stall timeout and made safe by the status checks below.
func (p *Pool) handleClaim(ctx context.Context, workerID int, claim core.ClaimedJob) {
	job := claim.Job()
	attempt := claim.Attempt()

	req, err := p.requests.Get(ctx, job.RequestID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			p.log.Warn("Worker %d dropping job for unknown request %s", workerID, job.RequestID)
			p.settle(claim.Discard())

			return
		}

		// Request store unreachable: leave the claim for redelivery.
		p.log.Error("Worker %d cannot load request %s: %v", workerID, job.RequestID, err)
		p.settle(claim.Retry(p.policy.Delay(attempt)))

		return
	}

	if req.Status.IsTerminal() {
		// Redelivery after a terminal write, e.g. a crash between the
		// completed update and the ack. Never synthesize again and
		// never attach a second artifact.
		p.settle(claim.Ack())

		return
	}

	p.markProcessing(ctx, job.RequestID, req.Status)

	if attempt > p.policy.MaxAttempts {
		// The final permitted attempt crashed before terminalizing;
		// this extra delivery exists only to settle the record.
		p.failTerminally(ctx, job, "retry attempts exhausted", claim)

		return
	}

	audioData, err := p.synthesize(ctx, job)
	if err != nil {
		p.handleAttemptFailure(ctx, workerID, job, attempt,
			fmt.Errorf("%w: %w", core.ErrSynthesisFailure, err), claim)

		return
	}

	store, err := p.artifacts.Select(job.UseRemoteStorage)
	if err != nil {
		p.handleAttemptFailure(ctx, workerID, job, attempt,
			fmt.Errorf("%w: %w", core.ErrStorageFailure, err), claim)

		return
	}

	// Random suffix for collision-proofing; the request id keeps the key
	// traceable.
	key := fmt.Sprintf("%s-%s.mp3", job.RequestID, uuid.NewString())

	err = store.Upload(ctx, key, audioData)
	if err != nil {
		p.handleAttemptFailure(ctx, workerID, job, attempt,
			fmt.Errorf("%w: %w", core.ErrStorageFailure, err), claim)

		return
	}

	p.complete(ctx, workerID, job, store, key, claim)
}

func (p *Pool) synthesize(ctx context.Context, job core.Job) ([]byte, error) {
	synthCtx, cancel := context.WithTimeout(ctx, p.synthesisTimeout)
	defer cancel()

	message := p.normalizer.Normalize(job.Message)

	audioData, err := p.synthesizer.Synthesize(synthCtx, message, job.Voice)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize request '%s': %w", job.RequestID, err)
	}

	return audioData, nil
}

// markProcessing records the claim on first delivery. Between retry attempts
// the record stays at processing; it never bounces back to pending.
func (p *Pool) markProcessing(ctx context.Context, requestID string, current core.Status) {
	if current != core.StatusPending {
		return
	}

	err := p.requests.Transition(ctx, requestID,
		[]core.Status{core.StatusPending},
		core.StatusChange{To: core.StatusProcessing, ProcessedAt: time.Now().UTC()},
	)
	if err != nil && !errors.Is(err, core.ErrStateConflict) {
		p.log.Warn("Failed to mark request %s processing: %v", requestID, err)
	}
}

func (p *Pool) complete(
	ctx context.Context,
	workerID int,
	job core.Job,
	store core.ArtifactStore,
	key string,
	claim core.ClaimedJob,
) {
	audioURL := store.URL(key)

	err := p.requests.Transition(ctx, job.RequestID,
		[]core.Status{core.StatusPending, core.StatusProcessing},
		core.StatusChange{
			To:              core.StatusCompleted,
			AudioURL:        audioURL,
			ArtifactBackend: store.Name(),
			ArtifactKey:     key,
			ProcessedAt:     time.Now().UTC(),
		},
	)
	if err != nil {
		if errors.Is(err, core.ErrStateConflict) {
			// A racing delivery already terminalized the request;
			// its writer published the notification.
			p.settle(claim.Ack())

			return
		}

		p.log.Error("Worker %d stored artifact but could not record completion of %s: %v",
			workerID, job.RequestID, err)
		p.settle(claim.Retry(p.policy.Delay(claim.Attempt())))

		return
	}

	p.publish(ctx, core.NotificationEvent{
		RequestID:   job.RequestID,
		Status:      core.StatusCompleted,
		AudioURL:    audioURL,
		Message:     job.Message,
		Voice:       job.Voice,
		CreatorID:   job.CreatorID,
		RequesterID: job.RequesterID,
	})

	p.log.Info("Worker %d completed request %s (%s)", workerID, job.RequestID, key)
	p.settle(claim.Ack())
}

// handleAttemptFailure applies the retry policy to a failed attempt. While
// attempts remain, the claim is released with backoff and the record stays at
// processing; once exhausted, the request is terminally failed.
func (p *Pool) handleAttemptFailure(
	ctx context.Context,
	workerID int,
	job core.Job,
	attempt int,
	cause error,
	claim core.ClaimedJob,
) {
	if !p.policy.Exhausted(attempt) {
		delay := p.policy.Delay(attempt)
		p.log.Warn("Worker %d attempt %d/%d for request %s failed, retrying in %s: %v",
			workerID, attempt, p.policy.MaxAttempts, job.RequestID, delay, cause)
		p.settle(claim.Retry(delay))

		return
	}

	p.log.Error("Worker %d request %s failed after %d attempts: %v",
		workerID, job.RequestID, attempt, cause)
	p.failTerminally(ctx, job, failureReason(cause, attempt), claim)
}

func (p *Pool) failTerminally(ctx context.Context, job core.Job, reason string, claim core.ClaimedJob) {
	err := p.requests.Transition(ctx, job.RequestID,
		[]core.Status{core.StatusPending, core.StatusProcessing},
		core.StatusChange{
			To:            core.StatusFailed,
			FailureReason: reason,
			ProcessedAt:   time.Now().UTC(),
		},
	)
	if err != nil {
		if errors.Is(err, core.ErrStateConflict) {
			// A racing delivery already terminalized the request;
			// its writer published the notification.
			p.settle(claim.Discard())

			return
		}

		// Store unreachable: keep the claim alive so a later delivery
		// can still terminalize the record instead of leaving it at
		// processing forever.
		p.log.Error("Failed to record failure of request %s: %v", job.RequestID, err)
		p.settle(claim.Retry(p.policy.Delay(claim.Attempt())))

		return
	}

	p.publish(ctx, core.NotificationEvent{
		RequestID:   job.RequestID,
		Status:      core.StatusFailed,
		Message:     job.Message,
		Voice:       job.Voice,
		CreatorID:   job.CreatorID,
		RequesterID: job.RequesterID,
		Reason:      reason,
	})

	p.settle(claim.Discard())
}

func (p *Pool) publish(ctx context.Context, event core.NotificationEvent) {
	err := p.publisher.Publish(ctx, event)
	if err != nil {
		// Notifications are a latency optimization; polling covers the
		// gap.
		p.log.Warn("Failed to publish %s notification for request %s: %v",
			event.Status, event.RequestID, err)
	}
}

func (p *Pool) settle(err error) {
	if err != nil {
		p.log.Warn("Failed to settle job claim: %v", err)
	}
}

func failureReason(cause error, attempt int) string {
	kind := "synthesis"
	if errors.Is(cause, core.ErrStorageFailure) {
		kind = "artifact storage"
	}

	return fmt.Sprintf("%s failed after %d attempts: %v", kind, attempt, cause)
}
