package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/jobs"
	"autopilot/internal/logging"
	"autopilot/internal/models"
	"autopilot/internal/queue"
	"autopilot/internal/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newFakeJobStore(js ...models.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]models.Job)}
	for _, j := range js {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (s *fakeJobStore) set(id string, fn func(j *models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&j)
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) MarkRunning(_ context.Context, id string) error {
	return s.set(id, func(j *models.Job) { j.Status = models.StatusRunning })
}

func (s *fakeJobStore) MarkSucceeded(_ context.Context, id string) error {
	return s.set(id, func(j *models.Job) { j.Status = models.StatusSucceeded; j.LastError = nil })
}

func (s *fakeJobStore) MarkRetry(_ context.Context, id string, attempts int, lastErr string) error {
	return s.set(id, func(j *models.Job) { j.Status = models.StatusQueued; j.Attempts = attempts; j.LastError = &lastErr })
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	return s.set(id, func(j *models.Job) { j.Status = models.StatusFailed; j.Attempts = attempts; j.LastError = &lastErr })
}

type harness struct {
	mr       *miniredis.Miniredis
	q        *queue.RedisQueue
	store    *fakeJobStore
	registry *Registry
	consumer *Consumer
	calls    int
}

func newHarness(t *testing.T, handler Handler, js ...models.Job) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		mr:       mr,
		q:        queue.NewRedisQueue(client, "q", "q:dlq"),
		store:    newFakeJobStore(js...),
		registry: NewRegistry(),
	}
	if handler != nil {
		require.NoError(t, h.registry.Register(jobs.TypePrioritize, func(ctx context.Context, hc HandlerContext) error {
			h.calls++
			return handler(ctx, hc)
		}))
	}
	h.consumer = NewConsumer(h.q, h.store, h.registry, Options{
		ID:             "c1",
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     time.Minute,
	}, logging.Discard())
	return h
}

// deliver pushes raw and pops it onto the consumer's processing list.
func (h *harness) deliver(t *testing.T, raw []byte) []byte {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.q.Push(ctx, raw))
	got, err := h.q.Pop(ctx, "c1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func (h *harness) processing(t *testing.T) int {
	t.Helper()
	if !h.mr.Exists("q:processing:c1") {
		return 0
	}
	list, err := h.mr.List("q:processing:c1")
	require.NoError(t, err)
	return len(list)
}

func (h *harness) retries(t *testing.T) int {
	t.Helper()
	if !h.mr.Exists("q:retry") {
		return 0
	}
	members, err := h.mr.ZMembers("q:retry")
	require.NoError(t, err)
	return len(members)
}

func tenantJob(id string, attempts int) models.Job {
	tenant := "t1"
	return models.Job{ID: id, Tenant: &tenant, Type: jobs.TypePrioritize, Status: models.StatusQueued, Attempts: attempts}
}

func encode(t *testing.T, jobID string) []byte {
	t.Helper()
	raw, err := jobs.Encode(jobID, jobs.PrioritizePayload{})
	require.NoError(t, err)
	return raw
}

func dlqLen(t *testing.T, h *harness) int64 {
	t.Helper()
	n, err := h.q.DLQDepth(context.Background())
	require.NoError(t, err)
	return n
}

func TestConsumer_Success(t *testing.T) {
	var got HandlerContext
	h := newHarness(t, func(_ context.Context, hc HandlerContext) error {
		got = hc
		return nil
	}, tenantJob("j1", 0))

	h.consumer.Process(context.Background(), h.deliver(t, encode(t, "j1")))

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusSucceeded, job.Status)
	assert.Equal(t, 0, h.processing(t))
	assert.Equal(t, "t1", got.Tenant)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 1, got.Attempt)
	assert.IsType(t, jobs.PrioritizePayload{}, got.Payload)
}

func TestConsumer_FailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error {
		return errors.New("model timeout")
	}, tenantJob("j1", 0))

	h.consumer.Process(context.Background(), h.deliver(t, encode(t, "j1")))

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "model timeout", *job.LastError)
	assert.Equal(t, 1, h.retries(t))
	assert.Equal(t, 0, h.processing(t))
	assert.Zero(t, dlqLen(t, h))
}

func TestConsumer_LastAttemptFailureDeadLetters(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error {
		return errors.New("still broken")
	}, tenantJob("j1", 2))

	h.consumer.Process(context.Background(), h.deliver(t, encode(t, "j1")))

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, int64(1), dlqLen(t, h))
	assert.Equal(t, 0, h.retries(t), "no retry may be scheduled")
	assert.Equal(t, 0, h.processing(t))
}

func TestConsumer_ExhaustedBeforeRunning(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error { return nil }, tenantJob("j1", 3))

	h.consumer.Process(context.Background(), h.deliver(t, encode(t, "j1")))

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, ReasonMaxAttempts, *job.LastError)
	assert.Equal(t, 0, h.calls)
	assert.Equal(t, int64(1), dlqLen(t, h))
}

func TestConsumer_DropsMalformedEnvelope(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error { return nil })

	for _, raw := range [][]byte{[]byte("not json"), []byte(`{"type":"prioritize_recommendations"}`)} {
		h.consumer.Process(context.Background(), h.deliver(t, raw))
	}

	assert.Equal(t, 0, h.calls)
	assert.Equal(t, 0, h.processing(t))
	assert.Equal(t, 0, h.retries(t))
	assert.Zero(t, dlqLen(t, h))
}

func TestConsumer_UnknownTypeFailsJob(t *testing.T) {
	h := newHarness(t, nil, tenantJob("j1", 0))

	raw := []byte(`{"jobId":"j1","type":"send_fax","payload":{}}`)
	h.consumer.Process(context.Background(), h.deliver(t, raw))

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 0, h.processing(t))
	assert.Equal(t, 0, h.retries(t))
	assert.Zero(t, dlqLen(t, h))
}

func TestConsumer_RedeliveryAfterSuccessIsSkipped(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error { return nil }, tenantJob("j1", 0))
	raw := encode(t, "j1")

	h.consumer.Process(context.Background(), h.deliver(t, raw))
	h.consumer.Process(context.Background(), h.deliver(t, raw))

	assert.Equal(t, 1, h.calls)
	assert.Equal(t, 0, h.processing(t))
	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusSucceeded, job.Status)
}

func TestConsumer_PanicIsAFailure(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error {
		panic("nil map")
	}, tenantJob("j1", 0))

	h.consumer.Process(context.Background(), h.deliver(t, encode(t, "j1")))

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "handler panic")
}

func TestConsumer_MissingJobRowIsDropped(t *testing.T) {
	h := newHarness(t, func(context.Context, HandlerContext) error { return nil })

	h.consumer.Process(context.Background(), h.deliver(t, encode(t, "ghost")))

	assert.Equal(t, 0, h.calls)
	assert.Equal(t, 0, h.processing(t))
}

func TestConsumer_RunRetriesUntilSuccess(t *testing.T) {
	fails := 1
	done := make(chan struct{})
	h := newHarness(t, func(context.Context, HandlerContext) error {
		if fails > 0 {
			fails--
			return errors.New("flaky")
		}
		close(done)
		return nil
	}, tenantJob("j1", 0))
	h.consumer.opts.PopTimeout = 50 * time.Millisecond
	h.consumer.opts.BackoffInitial = time.Millisecond
	h.consumer.opts.BackoffMax = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.q.Push(ctx, encode(t, "j1")))

	errCh := make(chan error, 1)
	go func() { errCh <- h.consumer.Run(ctx) }()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("job never succeeded")
	}
	cancel()
	<-errCh

	job, _ := h.store.GetJob(context.Background(), "j1")
	assert.Equal(t, models.StatusSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, HandlerContext) error { return nil }

	require.NoError(t, r.Register(jobs.TypeDecaySignals, noop))
	assert.Error(t, r.Register(jobs.TypeDecaySignals, noop), "duplicate")
	assert.ErrorIs(t, r.Register("send_fax", noop), jobs.ErrUnknownType)
	assert.Error(t, r.Register(jobs.TypePrioritize, nil))

	_, ok := r.Lookup(jobs.TypeDecaySignals)
	assert.True(t, ok)
	_, ok = r.Lookup(jobs.TypePrioritize)
	assert.False(t, ok)
	assert.Equal(t, []string{jobs.TypeDecaySignals}, r.Types())
}

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b50 := backoffWithJitter(base, max, 50)
	if b50 < max/2 || b50 > max {
		t.Fatalf("backoff not capped: %s", b50)
	}
}
