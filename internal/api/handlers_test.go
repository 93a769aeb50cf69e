package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookd/internal/auth"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
	"webhookd/internal/store"
	"webhookd/internal/webhooks"
)

type testEnv struct {
	srv     *Server
	h       http.Handler
	store   *store.Memory
	broker  *Broker
	targets *httptest.Server
	hits    chan *http.Request
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	st := store.NewMemory()
	pool := webhooks.NewPool(2, 16, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	broker := NewBroker()
	worker := webhooks.NewWorker(st, pool, webhooks.WithNotifier(broker), webhooks.WithLogger(log))
	reg := webhooks.NewRegistry(st, webhooks.WithRegistryLogger(log))

	hits := make(chan *http.Request, 8)
	targets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case hits <- r:
		default:
		}
		if strings.HasSuffix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(targets.Close)

	opts = append([]Option{WithLogger(log), WithBroker(broker)}, opts...)
	srv := NewServer(reg, worker, opts...)
	return &testEnv{srv: srv, h: srv.Handler(), store: st, broker: broker, targets: targets, hits: hits}
}

func (e *testEnv) do(t *testing.T, method, path, company string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	if company != "" {
		req.Header.Set("X-Company-Id", company)
		req.Header.Set("X-Role", "admin")
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) create(t *testing.T, company, path string) model.Endpoint {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/webhooks", company, map[string]any{
		"name":   "payroll sync",
		"url":    e.targets.URL + path,
		"events": []string{"employee.created", "payroll.processed"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var ep model.Endpoint
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ep))
	return ep
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthReady(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", "", nil).Code)

	e = newTestEnv(t, WithReadiness(failingPinger{}))
	rr := e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestDebugInfo(t *testing.T) {
	e := newTestEnv(t, WithDebugInfo(map[string]any{"authMode": "dev"}))
	rr := e.do(t, http.MethodGet, "/debug/info", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, webhooks.CatalogVersion, body["catalogVersion"])
	assert.Equal(t, "dev", body["config"].(map[string]any)["authMode"])
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/webhooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	req.Header.Set("Authorization", "Bearer acme:admin")
	rr = httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthentication_HMACIgnoresDevHeaders(t *testing.T) {
	v, err := auth.NewVerifier(auth.ModeHMAC, "s3cret")
	require.NoError(t, err)
	e := newTestEnv(t, WithVerifier(v))
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/v1/webhooks", "acme", nil).Code)
}

func TestNonAdmin(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	req.Header.Set("X-Company-Id", "acme")
	req.Header.Set("X-Role", "viewer")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/webhooks/events", nil)
	req.Header.Set("X-Company-Id", "acme")
	req.Header.Set("X-Role", "viewer")
	rr = httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestListEvents(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/webhooks/events", "acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[struct {
		Version string              `json:"version"`
		Events  []webhooks.EventDef `json:"events"`
	}](t, rr)
	assert.Equal(t, webhooks.CatalogVersion, body.Version)
	assert.Len(t, body.Events, len(webhooks.Catalog()))
}

func TestEndpointLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ep := e.create(t, "acme", "/hook")
	assert.Len(t, ep.Secret, 64, "secret is returned in full on create")
	assert.Equal(t, model.DefaultMaxRetries, ep.MaxRetries)
	assert.True(t, ep.IsActive)

	rr := e.do(t, http.MethodGet, "/v1/webhooks/"+ep.ID, "acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[model.Endpoint](t, rr)
	assert.Equal(t, webhooks.MaskSecret(ep.Secret), got.Secret)

	rr = e.do(t, http.MethodPatch, "/v1/webhooks/"+ep.ID, "acme", map[string]any{"name": "renamed", "isActive": false})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got = decode[model.Endpoint](t, rr)
	assert.Equal(t, "renamed", got.Name)
	assert.False(t, got.IsActive)
	assert.Equal(t, ep.URL, got.URL)

	rr = e.do(t, http.MethodGet, "/v1/webhooks", "acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Items []model.Endpoint `json:"items"`
	}](t, rr)
	require.Len(t, list.Items, 1)

	rr = e.do(t, http.MethodPost, "/v1/webhooks/"+ep.ID+"/rotate-secret", "acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rotated := decode[model.Endpoint](t, rr)
	assert.Len(t, rotated.Secret, 64)
	assert.NotEqual(t, ep.Secret, rotated.Secret)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/webhooks/"+ep.ID, "acme", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/webhooks/"+ep.ID, "acme", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/v1/webhooks/"+ep.ID, "acme", nil).Code)
}

func TestCreateEndpoint_Rejects(t *testing.T) {
	e := newTestEnv(t)
	cases := map[string]any{
		"bad url":        map[string]any{"name": "x", "url": "ftp://example.com", "events": []string{"employee.created"}},
		"unknown event":  map[string]any{"name": "x", "url": "https://example.com", "events": []string{"nope"}},
		"secret field":   map[string]any{"name": "x", "url": "https://example.com", "events": []string{"employee.created"}, "secret": "mine"},
		"malformed json": `{"name":`,
		"trailing data":  `{"name":"x","url":"https://example.com","events":["employee.created"]} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/v1/webhooks", "acme", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			p := decode[Problem](t, rr)
			assert.Equal(t, http.StatusBadRequest, p.Status)
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEnv(t)
	ep := e.create(t, "acme", "/hook")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/webhooks/" + ep.ID},
		{http.MethodPatch, "/v1/webhooks/" + ep.ID},
		{http.MethodDelete, "/v1/webhooks/" + ep.ID},
		{http.MethodPost, "/v1/webhooks/" + ep.ID + "/rotate-secret"},
		{http.MethodGet, "/v1/webhooks/" + ep.ID + "/deliveries"},
		{http.MethodPost, "/v1/webhooks/" + ep.ID + "/test"},
	} {
		var body any
		if tc.method == http.MethodPatch {
			body = map[string]any{"name": "stolen"}
		}
		rr := e.do(t, tc.method, tc.path, "globex", body)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", tc.method, tc.path)
	}
	list := decode[struct {
		Items []model.Endpoint `json:"items"`
	}](t, e.do(t, http.MethodGet, "/v1/webhooks", "globex", nil))
	assert.Empty(t, list.Items)
	assert.Len(t, e.hits, 0)
}

func TestTestEndpoint(t *testing.T) {
	e := newTestEnv(t)
	ep := e.create(t, "acme", "/hook")

	rr := e.do(t, http.MethodPost, "/v1/webhooks/"+ep.ID+"/test", "acme", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[struct {
		Success  bool           `json:"success"`
		Delivery model.Delivery `json:"delivery"`
	}](t, rr)
	assert.True(t, res.Success)
	assert.Equal(t, webhooks.TestEvent, res.Delivery.EventType)
	assert.Equal(t, model.StatusSuccess, res.Delivery.Status)

	select {
	case r := <-e.hits:
		assert.Equal(t, webhooks.TestEvent, r.Header.Get("X-Webhook-Event"))
		assert.Equal(t, res.Delivery.ID, r.Header.Get("X-Webhook-Delivery-Id"))
		assert.True(t, strings.HasPrefix(r.Header.Get(webhooks.SignatureHeader), "sha256="))
	case <-time.After(time.Second):
		t.Fatal("receiver was not called")
	}

	failing := e.create(t, "acme", "/fail")
	rr = e.do(t, http.MethodPost, "/v1/webhooks/"+failing.ID+"/test", "acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res = decode[struct {
		Success  bool           `json:"success"`
		Delivery model.Delivery `json:"delivery"`
	}](t, rr)
	assert.False(t, res.Success)
	assert.Equal(t, model.StatusFailed, res.Delivery.Status, "test deliveries are never retried")
}

func TestListDeliveries(t *testing.T) {
	e := newTestEnv(t)
	ep := e.create(t, "acme", "/hook")
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/webhooks/"+ep.ID+"/test", "acme", nil).Code)
	}

	type page struct {
		Items      []model.Delivery `json:"items"`
		NextCursor string           `json:"nextCursor"`
	}
	first := decode[page](t, e.do(t, http.MethodGet, "/v1/webhooks/"+ep.ID+"/deliveries?limit=2", "acme", nil))
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Greater(t, first.Items[0].ID, first.Items[1].ID, "newest first")

	second := decode[page](t, e.do(t, http.MethodGet, "/v1/webhooks/"+ep.ID+"/deliveries?limit=2&cursor="+first.NextCursor, "acme", nil))
	require.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/webhooks/"+ep.ID+"/deliveries?limit=zero", "acme", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/webhooks/"+ep.ID+"/deliveries?cursor=abc", "acme", nil).Code)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, WithRateLimit(0.001, 2))
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/webhooks", "acme", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/webhooks", "acme", nil).Code)
	rr := e.do(t, http.MethodGet, "/v1/webhooks", "acme", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/webhooks", "globex", nil).Code, "limits are per company")
}

func TestNotFoundAndMethod(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v2/nothing", "acme", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, e.do(t, http.MethodPut, "/v1/webhooks/abc", "acme", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RegisterDefault()
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/v1/webhooks", "acme", nil)
	rr := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",path="/v1/webhooks",status="200"}`)
}
