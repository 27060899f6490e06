// Package worker_test exercises the worker pool against a real JetStream
// queue, an in-memory request store, and mock synthesis/storage backends.
package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedrop/voicedrop/internal/artifact"
	"github.com/voicedrop/voicedrop/internal/core"
	"github.com/voicedrop/voicedrop/internal/queue"
	"github.com/voicedrop/voicedrop/internal/requeststore"
	"github.com/voicedrop/voicedrop/internal/worker"
)

var errMockSynthesis = errors.New("mock synthesis error")

// mockSynthesizer counts calls and fails on demand.
type mockSynthesizer struct {
	mu         sync.Mutex
	calls      int
	shouldFail bool
	audio      []byte
}

func (m *mockSynthesizer) Synthesize(_ context.Context, _, _ string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++

	if m.shouldFail {
		return nil, errMockSynthesis
	}

	return m.audio, nil
}

func (m *mockSynthesizer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// mockPublisher records published notification events.
type mockPublisher struct {
	mu     sync.Mutex
	events []core.NotificationEvent
}

func (m *mockPublisher) Publish(_ context.Context, event core.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)

	return nil
}

func (m *mockPublisher) published() []core.NotificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.NotificationEvent(nil), m.events...)
}

var errStoreDown = errors.New("mock store outage")

// outageStore delegates to the wrapped store but fails a limited number of
// transitions into the given status, simulating a store outage at the moment
// a worker records a terminal state.
type outageStore struct {
	core.RequestStore

	mu           sync.Mutex
	failOn       core.Status
	failuresLeft int
}

func (s *outageStore) Transition(ctx context.Context, id string, from []core.Status, change core.StatusChange) error {
	s.mu.Lock()
	if change.To == s.failOn && s.failuresLeft > 0 {
		s.failuresLeft--
		s.mu.Unlock()

		return errStoreDown
	}
	s.mu.Unlock()

	return s.RequestStore.Transition(ctx, id, from, change)
}

var errClaimBroken = errors.New("mock claim failure")

// erroringQueue fails every claim and counts how often it was asked.
type erroringQueue struct {
	mu    sync.Mutex
	calls int
}

func (q *erroringQueue) Enqueue(context.Context, core.Job) error { return nil }

func (q *erroringQueue) Claim(context.Context) (core.ClaimedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.calls++

	return nil, errClaimBroken
}

func (q *erroringQueue) claimCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.calls
}

type fixture struct {
	queue       *queue.NatsJobQueue
	store       *requeststore.MemoryStore
	synthesizer *mockSynthesizer
	publisher   *mockPublisher
	fsStore     *artifact.FSStore
	pool        *worker.Pool
}

func newFixture(t *testing.T, streamSuffix string, synthShouldFail bool) *fixture {
	t.Helper()

	return newFixtureWithStore(t, streamSuffix, synthShouldFail, nil)
}

// newFixtureWithStore lets a test interpose on the request store the pool
// sees, e.g. to simulate a store outage, while keeping the backing memory
// store available for assertions.
func newFixtureWithStore(
	t *testing.T,
	streamSuffix string,
	synthShouldFail bool,
	wrapStore func(core.RequestStore) core.RequestStore,
) *fixture {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	jobQueue, err := queue.New(jetstreamContext, queue.Options{
		Stream:       "WORKER_TEST_" + streamSuffix,
		Consumer:     "workers",
		Subject:      "workertest." + strings.ToLower(streamSuffix),
		MaxAttempts:  3,
		StallTimeout: 5 * time.Second,
		FetchWait:    200 * time.Millisecond,
	}, testLogger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = jobQueue.Close()
	})

	store := requeststore.NewMemoryStore([]string{"7"}, []string{"3"})
	synthesizer := &mockSynthesizer{shouldFail: synthShouldFail, audio: []byte("mp3 bytes")}
	publisher := &mockPublisher{}

	fsStore, err := artifact.NewFSStore(t.TempDir(), "https://files.example")
	require.NoError(t, err)

	registry := artifact.NewRegistry(fsStore)

	var poolStore core.RequestStore = store
	if wrapStore != nil {
		poolStore = wrapStore(store)
	}

	pool, err := worker.NewPool(jobQueue, poolStore, registry, synthesizer, publisher, worker.Options{
		Workers: 2,
		Policy: core.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
		},
		SynthesisTimeout: 5 * time.Second,
	}, testLogger)
	require.NoError(t, err)

	return &fixture{
		queue:       jobQueue,
		store:       store,
		synthesizer: synthesizer,
		publisher:   publisher,
		fsStore:     fsStore,
		pool:        pool,
	}
}

func (f *fixture) submit(t *testing.T, req *core.SynthesisRequest) {
	t.Helper()

	require.NoError(t, f.store.Create(context.Background(), req))
	require.NoError(t, f.queue.Enqueue(context.Background(), core.JobFromRequest(req, false)))
}

func (f *fixture) runPool(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- f.pool.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err, "pool should shut down cleanly")
		case <-time.After(10 * time.Second):
			t.Error("worker pool did not shut down")
		}
	})
}

func pendingRequest() *core.SynthesisRequest {
	return &core.SynthesisRequest{
		ID:          "req-1",
		RequesterID: "7",
		CreatorID:   "3",
		Message:     "hello",
		Voice:       "v1",
		Status:      core.StatusPending,
		CreatedAt:   time.Now(),
	}
}

func (f *fixture) waitForTerminal(t *testing.T, id string) *core.SynthesisRequest {
	t.Helper()

	var loaded *core.SynthesisRequest

	require.Eventually(t, func() bool {
		req, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}

		loaded = req

		return req.Status.IsTerminal()
	}, 15*time.Second, 50*time.Millisecond, "request never reached a terminal state")

	return loaded
}

func TestPoolCompletesRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "OK", false)
	f.submit(t, pendingRequest())
	f.runPool(t)

	final := f.waitForTerminal(t, "req-1")

	assert.Equal(t, core.StatusCompleted, final.Status)
	assert.NotEmpty(t, final.AudioURL)
	assert.True(t, strings.HasPrefix(final.AudioURL, "https://files.example/req-1-"))
	assert.True(t, strings.HasSuffix(final.AudioURL, ".mp3"))
	assert.NotNil(t, final.ProcessedAt)
	assert.Equal(t, 1, f.synthesizer.callCount())

	// The stored artifact streams back the synthesized bytes.
	data, err := f.fsStore.Download(context.Background(), final.ArtifactKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3 bytes"), data)

	events := f.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, core.StatusCompleted, events[0].Status)
	assert.Equal(t, final.AudioURL, events[0].AudioURL)
	assert.Equal(t, "3", events[0].CreatorID)
	assert.Equal(t, "7", events[0].RequesterID)
}

func TestPoolFailsAfterExactlyMaxAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "FAIL", true)
	f.submit(t, pendingRequest())
	f.runPool(t)

	final := f.waitForTerminal(t, "req-1")

	assert.Equal(t, core.StatusFailed, final.Status)
	assert.Empty(t, final.AudioURL, "failed requests carry no audio URL")
	assert.Contains(t, final.FailureReason, "synthesis failed after 3 attempts")

	// Exactly MaxAttempts synthesis calls: not fewer, not more.
	assert.Equal(t, 3, f.synthesizer.callCount())

	events := f.publisher.published()
	require.Len(t, events, 1, "only the terminal transition publishes an event")
	assert.Equal(t, core.StatusFailed, events[0].Status)
	assert.Empty(t, events[0].AudioURL)
	assert.NotEmpty(t, events[0].Reason)
}

func TestPoolStaysProcessingBetweenAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "RETRY", true)
	f.submit(t, pendingRequest())
	f.runPool(t)

	// After the first failed attempt the record must sit at processing,
	// never bounce back to pending.
	require.Eventually(t, func() bool {
		return f.synthesizer.callCount() >= 1
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		req, err := f.store.Get(context.Background(), "req-1")
		if err != nil {
			return false
		}

		return req.Status == core.StatusProcessing || req.Status == core.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	req, err := f.store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, core.StatusPending, req.Status)

	final := f.waitForTerminal(t, "req-1")
	assert.Equal(t, core.StatusFailed, final.Status)
}

func TestPoolSkipsAlreadyCompletedRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "SKIP", false)

	processedAt := time.Now()
	req := pendingRequest()
	req.Status = core.StatusCompleted
	req.AudioURL = "https://files.example/req-1-original.mp3"
	req.ArtifactBackend = artifact.BackendFS
	req.ArtifactKey = "req-1-original.mp3"
	req.ProcessedAt = &processedAt

	require.NoError(t, f.store.Create(context.Background(), req))
	require.NoError(t, f.queue.Enqueue(context.Background(), core.JobFromRequest(req, false)))

	f.runPool(t)

	// The redelivered job is acknowledged without synthesizing again and
	// without replacing the artifact.
	time.Sleep(time.Second)

	loaded, err := f.store.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/req-1-original.mp3", loaded.AudioURL)
	assert.Equal(t, 0, f.synthesizer.callCount())
	assert.Empty(t, f.publisher.published())
}

func TestPoolDropsJobForUnknownRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "ORPHAN", false)

	require.NoError(t, f.queue.Enqueue(context.Background(), core.Job{
		RequestID: "ghost",
		Message:   "hello",
		Voice:     "v1",
	}))

	f.runPool(t)

	time.Sleep(time.Second)

	assert.Equal(t, 0, f.synthesizer.callCount())
	assert.Empty(t, f.publisher.published())
}

func TestPoolTerminalizesAfterFailureRecordingOutage(t *testing.T) {
	t.Parallel()

	// The store rejects the first attempt to record the failed state. The
	// claim must stay alive so a later delivery can settle the record; a
	// discarded claim would strand the request at processing forever.
	outage := &outageStore{failOn: core.StatusFailed, failuresLeft: 1}
	f := newFixtureWithStore(t, "OUTAGE", true, func(store core.RequestStore) core.RequestStore {
		outage.RequestStore = store

		return outage
	})

	f.submit(t, pendingRequest())
	f.runPool(t)

	final := f.waitForTerminal(t, "req-1")

	assert.Equal(t, core.StatusFailed, final.Status)
	assert.NotEmpty(t, final.FailureReason)
	assert.Equal(t, 3, f.synthesizer.callCount(), "the settling redelivery must not synthesize again")

	events := f.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, core.StatusFailed, events[0].Status)
}

func TestPoolBacksOffWhenClaimsKeepFailing(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	fsStore, err := artifact.NewFSStore(t.TempDir(), "https://files.example")
	require.NoError(t, err)

	brokenQueue := &erroringQueue{}
	store := requeststore.NewMemoryStore(nil, nil)

	pool, err := worker.NewPool(brokenQueue, store, artifact.NewRegistry(fsStore),
		&mockSynthesizer{}, &mockPublisher{}, worker.Options{Workers: 2}, testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- pool.Run(ctx)
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker pool did not shut down")
	}

	// Each worker claims once, then waits out the retry delay instead of
	// spinning hot against the broken queue.
	assert.GreaterOrEqual(t, brokenQueue.claimCount(), 2)
	assert.LessOrEqual(t, brokenQueue.claimCount(), 4)
}
