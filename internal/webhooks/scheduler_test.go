package webhooks

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookd/internal/model"
)

func TestScheduler_TickQueuesDueWork(t *testing.T) {
	sub := newSubscriber(t, http.StatusInternalServerError, "")
	h := newHarness(t)
	ctx := context.Background()
	ep := h.endpoint(t, sub.URL, 3)

	retry := h.delivery(t, ep, `{}`)
	_, err := h.worker.Attempt(ctx, retry.ID)
	require.NoError(t, err)

	q := &recordQueue{}
	s := NewScheduler(h.store, q, WithSchedulerClock(h.clock), WithStalePending(5*time.Minute))

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "retry not due yet")

	stale, err := h.store.CreateDelivery(ctx, model.Delivery{
		ID: "stale", EndpointID: ep.ID, CompanyID: "acme", EventType: "employee.created",
		Payload: []byte(`{}`), Status: model.StatusPending, Attempt: 1, MaxRetries: 3, CreatedAt: h.clock.Now(),
	})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{retry.ID}, q.IDs())

	h.clock.Advance(5 * time.Minute)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{retry.ID, retry.ID, stale.ID}, q.IDs())
}

func TestScheduler_ReclaimsExpiredLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep := h.endpoint(t, "https://x.test/hook", 3)
	d := h.delivery(t, ep, `{}`)
	_, ok, err := h.store.ClaimDelivery(ctx, d.ID, h.clock.Now(), h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	q := &recordQueue{}
	s := NewScheduler(h.store, q, WithSchedulerClock(h.clock), WithStalePending(0))
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Minute)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduler_StopsAtFullQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep := h.endpoint(t, "https://x.test/hook", 3)
	h.delivery(t, ep, `{}`)

	s := NewScheduler(h.store, &recordQueue{full: true}, WithSchedulerClock(h.clock), WithStalePending(time.Second))
	h.clock.Advance(time.Minute)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	ep := h.endpoint(t, "https://x.test/hook", 3)
	h.delivery(t, ep, `{}`)
	h.clock.Advance(time.Hour)

	q := &recordQueue{}
	s := NewScheduler(h.store, q, WithSchedulerClock(h.clock), WithInterval(time.Hour))
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return len(q.IDs()) == 1 }, time.Second, 5*time.Millisecond,
		"start runs an initial sweep")
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

// gateQueue blocks every Enqueue until release is closed.
type gateQueue struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (q *gateQueue) Enqueue(string) bool {
	q.once.Do(func() { close(q.entered) })
	<-q.release
	return true
}

func TestScheduler_StopWaitsForInitialSweep(t *testing.T) {
	h := newHarness(t)
	ep := h.endpoint(t, "https://x.test/hook", 3)
	h.delivery(t, ep, `{}`)
	h.clock.Advance(time.Hour)

	q := &gateQueue{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewScheduler(h.store, q, WithSchedulerClock(h.clock), WithInterval(time.Hour))
	require.NoError(t, s.Start())
	select {
	case <-q.entered:
	case <-time.After(time.Second):
		t.Fatal("initial sweep never reached the queue")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the initial sweep was still queueing")
	case <-time.After(100 * time.Millisecond):
	}

	close(q.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the sweep finished")
	}
}

func TestScheduler_StopHonoursDeadline(t *testing.T) {
	h := newHarness(t)
	ep := h.endpoint(t, "https://x.test/hook", 3)
	h.delivery(t, ep, `{}`)
	h.clock.Advance(time.Hour)

	q := &gateQueue{entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(func() { close(q.release) })
	s := NewScheduler(h.store, q, WithSchedulerClock(h.clock), WithInterval(time.Hour))
	require.NoError(t, s.Start())
	<-q.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}
