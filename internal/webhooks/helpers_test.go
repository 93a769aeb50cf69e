package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"webhookd/internal/model"
	"webhookd/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordQueue struct {
	mu   sync.Mutex
	ids  []string
	full bool
}

func (q *recordQueue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func (q *recordQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type recordNotifier struct {
	mu     sync.Mutex
	events []model.DeliveryEvent
}

func (n *recordNotifier) Notify(ev model.DeliveryEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordNotifier) Statuses() []model.DeliveryStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.DeliveryStatus, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Status)
	}
	return out
}

// subscriber is an httptest endpoint recording every request it receives.
type subscriber struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

type capturedRequest struct {
	Header http.Header
	Body   []byte
}

func newSubscriber(t *testing.T, status int, body string) *subscriber {
	t.Helper()
	s := &subscriber{status: status, body: body}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, capturedRequest{Header: r.Header.Clone(), Body: b})
		code, resp := s.status, s.body
		s.mu.Unlock()
		w.WriteHeader(code)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *subscriber) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *subscriber) Requests() []capturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedRequest(nil), s.requests...)
}

type harness struct {
	store    *store.Memory
	clock    *fakeClock
	registry *Registry
	worker   *Worker
	notifier *recordNotifier
	log      *test.Hook
}

func newHarness(t *testing.T, opts ...WorkerOption) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := &harness{store: store.NewMemory(), clock: newFakeClock(), notifier: &recordNotifier{}, log: hook}
	h.registry = NewRegistry(h.store, WithRegistryClock(h.clock), WithRegistryLogger(logger))
	base := []WorkerOption{WithClock(h.clock), WithNotifier(h.notifier), WithLogger(logger)}
	h.worker = NewWorker(h.store, nil, append(base, opts...)...)
	return h
}

func (h *harness) endpoint(t *testing.T, url string, maxRetries int, events ...string) model.Endpoint {
	t.Helper()
	if len(events) == 0 {
		events = []string{"employee.created"}
	}
	e, err := h.registry.Create(context.Background(), "acme", model.EndpointInput{
		Name: "hris sync", URL: url, Events: events, MaxRetries: &maxRetries,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) delivery(t *testing.T, ep model.Endpoint, payload string) model.Delivery {
	t.Helper()
	d, err := h.store.CreateDelivery(context.Background(), model.Delivery{
		ID: "del-" + ep.ID, EndpointID: ep.ID, CompanyID: ep.CompanyID, EventType: "employee.created",
		Payload: []byte(payload), Status: model.StatusPending, Attempt: 1, MaxRetries: ep.MaxRetries,
		CreatedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	return d
}
