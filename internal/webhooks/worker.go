package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"webhookd/internal/buildinfo"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
	"webhookd/internal/store"
)

const (
	DefaultAttemptTimeout = 30 * time.Second
	defaultLeaseGrace     = 30 * time.Second
	maxResponseBytes      = 64 << 10
	maxResponseChars      = 2000
	completeTimeout       = 5 * time.Second
)

// Worker performs delivery attempts and records their outcome.
type Worker struct {
	store      store.Store
	pool       *Pool
	client     *http.Client
	backoff    Backoff
	timeout    time.Duration
	leaseGrace time.Duration
	userAgent  string
	clock      Clock
	notify     Notifier
	log        logrus.FieldLogger
}

type WorkerOption func(*Worker)

func WithHTTPClient(c *http.Client) WorkerOption { return func(w *Worker) { w.client = c } }

func WithBackoff(b Backoff) WorkerOption { return func(w *Worker) { w.backoff = b } }

// WithAttemptTimeout bounds a single POST, connection setup included.
func WithAttemptTimeout(d time.Duration) WorkerOption { return func(w *Worker) { w.timeout = d } }

func WithLeaseGrace(d time.Duration) WorkerOption { return func(w *Worker) { w.leaseGrace = d } }

func WithClock(c Clock) WorkerOption { return func(w *Worker) { w.clock = c } }

func WithNotifier(n Notifier) WorkerOption { return func(w *Worker) { w.notify = n } }

func WithLogger(l logrus.FieldLogger) WorkerOption { return func(w *Worker) { w.log = l } }

func NewWorker(s store.Store, pool *Pool, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:      s,
		pool:       pool,
		client:     &http.Client{},
		backoff:    DefaultBackoff,
		timeout:    DefaultAttemptTimeout,
		leaseGrace: defaultLeaseGrace,
		userAgent:  buildinfo.UserAgent(),
		clock:      SystemClock{},
		notify:     nopNotifier{},
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Enqueue hands an attempt for deliveryID to the pool.
func (w *Worker) Enqueue(deliveryID string) bool {
	return w.pool.TrySubmit(func(ctx context.Context) {
		_, _ = w.Attempt(ctx, deliveryID)
	})
}

// Attempt claims the delivery, POSTs it once and records the outcome. A
// delivery that is not claimable (terminal, not yet due, or leased by another
// attempt) is returned unchanged.
func (w *Worker) Attempt(ctx context.Context, deliveryID string) (model.Delivery, error) {
	return w.attempt(ctx, deliveryID, false)
}

// SendTest sends a synthetic webhook.test event to the endpoint and waits for
// the result. The delivery is recorded like any other but never retried.
func (w *Worker) SendTest(ctx context.Context, companyID, endpointID string) (model.Delivery, error) {
	ep, err := w.store.GetEndpoint(ctx, companyID, endpointID)
	if err != nil {
		return model.Delivery{}, err
	}
	now := w.clock.Now()
	body, err := marshalPayload(map[string]any{
		"event":      TestEvent,
		"companyId":  companyID,
		"endpointId": ep.ID,
		"message":    "This is a test webhook delivery.",
		"timestamp":  now.Format(time.RFC3339),
	})
	if err != nil {
		return model.Delivery{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.Delivery{}, err
	}
	d, err := w.store.CreateDelivery(ctx, model.Delivery{
		ID:         id.String(),
		EndpointID: ep.ID,
		CompanyID:  companyID,
		EventType:  TestEvent,
		Payload:    body,
		Status:     model.StatusPending,
		Attempt:    1,
		MaxRetries: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return model.Delivery{}, fmt.Errorf("create test delivery: %w", err)
	}
	w.notify.Notify(deliveryEvent(d, now))
	// A caller that goes away does not cut the send short; the attempt timeout bounds it.
	return w.attempt(context.WithoutCancel(ctx), d.ID, true)
}

// attempt runs one transmission. singleShot makes any failure terminal.
func (w *Worker) attempt(ctx context.Context, deliveryID string, singleShot bool) (model.Delivery, error) {
	log := w.log.WithField("delivery_id", deliveryID)
	now := w.clock.Now()
	d, ok, err := w.store.ClaimDelivery(ctx, deliveryID, now, now.Add(w.timeout+w.leaseGrace))
	if err != nil {
		log.WithError(err).Error("claim delivery")
		return model.Delivery{}, err
	}
	if !ok {
		log.WithField("status", d.Status).Debug("delivery not claimable; skipping")
		return d, nil
	}
	w.notify.Notify(deliveryEvent(d, now))
	log = log.WithFields(logrus.Fields{"endpoint_id": d.EndpointID, "company_id": d.CompanyID, "event": d.EventType, "attempt": d.Attempt})

	ep, err := w.store.GetEndpointByID(ctx, d.EndpointID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error("endpoint not found for delivery")
		return w.finish(ctx, log, d, model.DeliveryResult{Status: model.StatusFailed, Attempt: d.Attempt, Response: "endpoint not found"})
	}
	if err != nil {
		// The lease expires and the scheduler picks the delivery up again.
		log.WithError(err).Error("load endpoint")
		return d, err
	}
	if !ep.IsActive && !singleShot {
		log.Warn("endpoint inactive; failing delivery")
		return w.finish(ctx, log, d, model.DeliveryResult{Status: model.StatusFailed, Attempt: d.Attempt, Response: "endpoint inactive"})
	}

	out := w.send(ctx, ep, d)
	if ctx.Err() != nil && out.statusCode == nil && !singleShot {
		return w.release(ctx, log, d)
	}
	res := model.DeliveryResult{
		Attempt:    d.Attempt,
		StatusCode: out.statusCode,
		Response:   out.response,
		Duration:   out.duration.Milliseconds(),
	}
	done := w.clock.Now()
	switch {
	case out.ok:
		res.Status = model.StatusSuccess
		res.DeliveredAt = &done
	// MaxRetries counts retries after the first attempt, so up to MaxRetries+1 sends.
	case !singleShot && d.Attempt <= d.MaxRetries:
		next := done.Add(w.backoff.Delay(d.Attempt))
		res.Status = model.StatusRetrying
		res.Attempt = d.Attempt + 1
		res.NextRetryAt = &next
	default:
		res.Status = model.StatusFailed
	}
	metrics.WebhookLatency.WithLabelValues(d.EventType, string(res.Status)).Observe(float64(res.Duration))
	return w.finish(ctx, log, d, res)
}

func (w *Worker) finish(ctx context.Context, log logrus.FieldLogger, d model.Delivery, res model.DeliveryResult) (model.Delivery, error) {
	// Record the outcome even when the pool is cancelling this attempt.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	updated, err := w.store.CompleteDelivery(wctx, d.ID, res)
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("delivery lease lost; outcome discarded")
		return d, err
	}
	if err != nil {
		log.WithError(err).Error("record delivery outcome")
		return d, err
	}
	metrics.WebhookDeliveries.WithLabelValues(updated.EventType, string(updated.Status)).Inc()
	w.notify.Notify(deliveryEvent(updated, w.clock.Now()))

	fields := logrus.Fields{"status": updated.Status, "duration_ms": updated.Duration}
	if updated.StatusCode != nil {
		fields["status_code"] = *updated.StatusCode
	}
	switch updated.Status {
	case model.StatusSuccess:
		log.WithFields(fields).Info("webhook delivered")
	case model.StatusRetrying:
		log.WithFields(fields).WithField("next_retry_at", updated.NextRetryAt).Info("webhook attempt failed; retry scheduled")
	case model.StatusFailed:
		log.WithFields(fields).WithField("response", updated.Response).Warn("webhook delivery failed permanently")
	}
	return updated, nil
}

// release hands the delivery back unspent when the attempt was cut off by
// shutdown before the endpoint answered.
func (w *Worker) release(ctx context.Context, log logrus.FieldLogger, d model.Delivery) (model.Delivery, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	updated, err := w.store.ReleaseDelivery(wctx, d.ID, d.Attempt, w.clock.Now())
	if err != nil {
		log.WithError(err).Warn("release abandoned attempt")
		return d, err
	}
	w.notify.Notify(deliveryEvent(updated, w.clock.Now()))
	log.WithField("status", updated.Status).Info("attempt abandoned; delivery released")
	return updated, ctx.Err()
}

type sendOutcome struct {
	ok         bool
	statusCode *int
	response   string
	duration   time.Duration
}

func (w *Worker) send(ctx context.Context, ep model.Endpoint, d model.Delivery) sendOutcome {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return sendOutcome{response: truncate(err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-Delivery-Id", d.ID)
	req.Header.Set("User-Agent", w.userAgent)
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	// Set last: a custom header can never replace the signature.
	req.Header.Set(SignatureHeader, SignatureValue(ep.Secret, d.Payload))

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return sendOutcome{response: truncate(err.Error()), duration: time.Since(start)}
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(start)
	code := resp.StatusCode
	text := truncate(string(body))
	if readErr != nil && text == "" {
		text = truncate(readErr.Error())
	}
	return sendOutcome{
		ok:         code >= 200 && code < 300,
		statusCode: &code,
		response:   text,
		duration:   elapsed,
	}
}

func truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= maxResponseChars {
		return s
	}
	r := []rune(s)
	return string(r[:maxResponseChars])
}
