// Package queue provides the durable job queue backing the synthesis
// pipeline, implemented on a NATS JetStream work-queue stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/voicedrop/voicedrop/internal/core"
)

const (
	defaultFetchWait    = 5 * time.Second
	defaultStallTimeout = 60 * time.Second
	eventBufferSize     = 256
)

// ErrQueueClosed is returned by Claim after Close has been called.
var ErrQueueClosed = errors.New("job queue is closed")

// EventKind labels a queue lifecycle event.
type EventKind string

// Queue lifecycle event kinds. These are side-effect notifications for
// observability only, not part of the delivery contract.
const (
	EventAdded     EventKind = "added"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Event describes one queue lifecycle transition.
type Event struct {
	Kind      EventKind
	RequestID string
	Attempt   int
	Reason    string
}

// Options configures the stream and consumer backing a NatsJobQueue.
type Options struct {
	Stream       string
	Consumer     string
	Subject      string
	MaxAttempts  int
	StallTimeout time.Duration
	FetchWait    time.Duration
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = core.DefaultMaxAttempts
	}

	if o.StallTimeout <= 0 {
		o.StallTimeout = defaultStallTimeout
	}

	if o.FetchWait <= 0 {
		o.FetchWait = defaultFetchWait
	}
}

// NatsJobQueue implements core.JobQueue on a JetStream work-queue stream with
// a durable explicit-ack pull consumer. The consumer's AckWait is the stall
// timeout: a claim that is never acknowledged is redelivered once it expires.
type NatsJobQueue struct {
	jetstreamContext nats.JetStreamContext
	subscription     *nats.Subscription
	opts             Options
	log              *logger.Logger

	events chan Event

	// fetchMu serializes Fetch calls from concurrent workers on the
	// shared pull subscription; claims are fetched one at a time but
	// processed concurrently.
	fetchMu sync.Mutex

	mu     sync.Mutex
	nakked map[uint64]struct{}
	closed bool
}

// New creates the stream and consumer if they do not exist, binds a pull
// subscription, and returns the queue. MaxDeliver is set one past the retry
// policy's attempt budget so a worker crash on the final attempt still yields
// a redelivery that can terminalize the request.
func New(jetstreamContext nats.JetStreamContext, opts Options, log *logger.Logger) (*NatsJobQueue, error) {
	opts.normalize()

	_, err := jetstreamContext.AddStream(&nats.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{opts.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create job stream '%s': %w", opts.Stream, err)
	}

	_, err = jetstreamContext.AddConsumer(opts.Stream, &nats.ConsumerConfig{
		Durable:       opts.Consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       opts.StallTimeout,
		MaxDeliver:    opts.MaxAttempts + 1,
		DeliverPolicy: nats.DeliverAllPolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create job consumer '%s': %w", opts.Consumer, err)
	}

	subscription, err := jetstreamContext.PullSubscribe(
		opts.Subject,
		opts.Consumer,
		nats.Bind(opts.Stream, opts.Consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to bind pull subscription on '%s': %w", opts.Subject, err)
	}

	return &NatsJobQueue{
		jetstreamContext: jetstreamContext,
		subscription:     subscription,
		opts:             opts,
		log:              log,
		events:           make(chan Event, eventBufferSize),
		nakked:           make(map[uint64]struct{}),
		closed:           false,
	}, nil
}

// Enqueue durably records the job. The request id doubles as the JetStream
// message id, so re-enqueueing the same request within the dedup window is a
// no-op rather than a second job.
func (q *NatsJobQueue) Enqueue(ctx context.Context, job core.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for request '%s': %w", job.RequestID, err)
	}

	_, err = q.jetstreamContext.Publish(q.opts.Subject, data,
		nats.Context(ctx),
		nats.MsgId(job.RequestID),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to publish job for request '%s': %w",
			core.ErrQueueUnavailable, job.RequestID, err)
	}

	q.emit(Event{Kind: EventAdded, RequestID: job.RequestID, Attempt: 0, Reason: ""})

	return nil
}

// Claim fetches the next job, blocking up to the configured fetch wait. It
// returns (nil, nil) when no job is available before the wait expires.
func (q *NatsJobQueue) Claim(ctx context.Context) (core.ClaimedJob, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return nil, ErrQueueClosed
	}

	fetchCtx, cancel := context.WithTimeout(ctx, q.opts.FetchWait)
	defer cancel()

	q.fetchMu.Lock()
	msgs, err := q.subscription.Fetch(1, nats.Context(fetchCtx))
	q.fetchMu.Unlock()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}

		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}

		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(msgs) == 0 {
		return nil, nil
	}

	return q.newClaim(msgs[0])
}

func (q *NatsJobQueue) newClaim(msg *nats.Msg) (core.ClaimedJob, error) {
	var job core.Job

	err := json.Unmarshal(msg.Data, &job)
	if err != nil {
		// A malformed payload can never succeed; drop it instead of
		// letting it cycle through redeliveries.
		termErr := msg.Term()
		if termErr != nil {
			q.log.Warn("Failed to terminate malformed job message: %v", termErr)
		}

		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	attempt := 1
	sequence := uint64(0)

	meta, metaErr := msg.Metadata()
	if metaErr == nil {
		attempt = int(meta.NumDelivered)
		sequence = meta.Sequence.Stream
	}

	if attempt > 1 && !q.clearNak(sequence) {
		// Redelivered without a recorded negative ack from this
		// process: the previous claim stalled past AckWait.
		q.emit(Event{Kind: EventStalled, RequestID: job.RequestID, Attempt: attempt, Reason: ""})
	}

	q.emit(Event{Kind: EventStarted, RequestID: job.RequestID, Attempt: attempt, Reason: ""})

	return &natsClaim{queue: q, msg: msg, job: job, attempt: attempt, sequence: sequence}, nil
}

// Events exposes the queue lifecycle notifications. The channel is bounded;
// events are dropped rather than ever blocking enqueue or claim paths.
func (q *NatsJobQueue) Events() <-chan Event {
	return q.events
}

// Close unsubscribes the pull consumer binding. In-flight claims redeliver
// after the stall timeout.
func (q *NatsJobQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	q.mu.Unlock()

	err := q.subscription.Unsubscribe()
	if err != nil {
		return fmt.Errorf("failed to unsubscribe job consumer: %w", err)
	}

	return nil
}

func (q *NatsJobQueue) emit(event Event) {
	select {
	case q.events <- event:
	default:
		q.log.Warn("Dropping queue event %s for request %s: observer is slow",
			event.Kind, event.RequestID)
	}
}

func (q *NatsJobQueue) recordNak(sequence uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nakked[sequence] = struct{}{}
}

func (q *NatsJobQueue) clearNak(sequence uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.nakked[sequence]
	if ok {
		delete(q.nakked, sequence)
	}

	return ok
}

// natsClaim holds one delivered job until the worker settles it.
type natsClaim struct {
	queue    *NatsJobQueue
	msg      *nats.Msg
	job      core.Job
	attempt  int
	sequence uint64
}

func (c *natsClaim) Job() core.Job {
	return c.job
}

func (c *natsClaim) Attempt() int {
	return c.attempt
}

func (c *natsClaim) Ack() error {
	err := c.msg.AckSync()
	if err != nil {
		return fmt.Errorf("failed to ack job for request '%s': %w", c.job.RequestID, err)
	}

	c.queue.emit(Event{Kind: EventCompleted, RequestID: c.job.RequestID, Attempt: c.attempt, Reason: ""})

	return nil
}

func (c *natsClaim) Retry(delay time.Duration) error {
	c.queue.recordNak(c.sequence)

	err := c.msg.NakWithDelay(delay)
	if err != nil {
		return fmt.Errorf("failed to nak job for request '%s': %w", c.job.RequestID, err)
	}

	c.queue.emit(Event{
		Kind:      EventFailed,
		RequestID: c.job.RequestID,
		Attempt:   c.attempt,
		Reason:    fmt.Sprintf("retrying in %s", delay),
	})

	return nil
}

func (c *natsClaim) Discard() error {
	err := c.msg.Term()
	if err != nil {
		return fmt.Errorf("failed to terminate job for request '%s': %w", c.job.RequestID, err)
	}

	c.queue.emit(Event{Kind: EventFailed, RequestID: c.job.RequestID, Attempt: c.attempt, Reason: "discarded"})

	return nil
}
