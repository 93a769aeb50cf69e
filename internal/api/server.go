package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"webhookd/internal/auth"
	"webhookd/internal/metrics"
	"webhookd/internal/webhooks"
)

const limiterCacheSize = 10000

// Pinger is implemented by stores that can report connectivity for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	registry *webhooks.Registry
	worker   *webhooks.Worker
	auth     *auth.Verifier
	broker   EventBroker
	ready    Pinger
	log      logrus.FieldLogger
	info     map[string]any

	rps      rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

type Option func(*Server)

func WithVerifier(v *auth.Verifier) Option { return func(s *Server) { s.auth = v } }

func WithBroker(b EventBroker) Option { return func(s *Server) { s.broker = b } }

// WithReadiness makes /readyz fail while p cannot be reached.
func WithReadiness(p Pinger) Option { return func(s *Server) { s.ready = p } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Server) { s.log = l } }

// WithRateLimit allows rps requests per second per company with the given
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rps = rate.Limit(rps)
		s.burst = burst
	}
}

// WithDebugInfo sets the non-secret settings reported by /debug/info.
func WithDebugInfo(info map[string]any) Option { return func(s *Server) { s.info = info } }

func NewServer(reg *webhooks.Registry, worker *webhooks.Worker, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		worker:   worker,
		broker:   NewBroker(),
		log:      logrus.StandardLogger(),
		info:     map[string]any{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.auth == nil {
		s.auth, _ = auth.NewVerifier(auth.ModeDev, "")
	}
	if s.rps > 0 {
		if s.burst <= 0 {
			s.burst = 1
		}
		s.limiters, _ = lru.New[string, *rate.Limiter](limiterCacheSize)
	}
	return s
}

// Handler builds the routed handler with logging and metrics applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readiness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/info", s.debugInfo).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/webhooks").Subrouter()
	v1.Use(s.authenticate, s.rateLimit)
	v1.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/stream", adminOnly(s.streamDeliveries)).Methods(http.MethodGet)
	v1.HandleFunc("", adminOnly(s.createEndpoint)).Methods(http.MethodPost)
	v1.HandleFunc("", adminOnly(s.listEndpoints)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}", adminOnly(s.getEndpoint)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}", adminOnly(s.updateEndpoint)).Methods(http.MethodPatch)
	v1.HandleFunc("/{id}", adminOnly(s.deleteEndpoint)).Methods(http.MethodDelete)
	v1.HandleFunc("/{id}/rotate-secret", adminOnly(s.rotateSecret)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/deliveries", adminOnly(s.listDeliveries)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/test", adminOnly(s.testEndpoint)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
	})
	return s.logMiddleware(r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.log.WithError(err).Warn("readiness check failed")
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "store unreachable", r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusRecorder captures the response status. It passes Hijack through for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      r.RemoteAddr,
		}).Info("http request")
	})
}

// metricsMiddleware labels by route template so ids do not explode cardinality.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)
		status := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiters == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := principalFrom(r.Context()).CompanyID
		lim, ok := s.limiters.Get(key)
		if !ok {
			lim = rate.NewLimiter(s.rps, s.burst)
			s.limiters.Add(key, lim)
		}
		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
