package webhooks

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"webhookd/internal/events"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
)

// Deliverer accepts an event for fan-out to a tenant's endpoints.
type Deliverer interface {
	Deliver(ctx context.Context, companyID, eventName string, payload any) ([]model.Delivery, error)
}

// Bridge listens to every event on the bus and forwards cataloged, tenant
// scoped ones to the dispatcher without blocking the publisher.
type Bridge struct {
	bus     events.Bus
	deliver Deliverer
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	unsub  func()
}

func NewBridge(bus events.Bus, d Deliverer, log logrus.FieldLogger) *Bridge {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{bus: bus, deliver: d, log: log, ctx: ctx, cancel: cancel}
}

// Start subscribes to the bus. Calling it twice is a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsub != nil || b.closed {
		return
	}
	b.unsub = b.bus.SubscribeAll(b.handle)
}

func (b *Bridge) handle(_ context.Context, ev events.Event) {
	name, ok := ResolveEventName(ev)
	if !ok {
		metrics.BridgeEvents.WithLabelValues("unknown_event").Inc()
		return
	}
	companyID, ok := ev.Payload["companyId"].(string)
	if !ok || companyID == "" {
		metrics.BridgeEvents.WithLabelValues("missing_company").Inc()
		b.log.WithField("event", name).Warn("dropping event without companyId")
		return
	}

	// Encode now: the publisher owns ev.Payload and may reuse it once Publish returns.
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		metrics.BridgeEvents.WithLabelValues("unencodable").Inc()
		b.log.WithFields(logrus.Fields{"event": name, "company_id": companyID}).WithError(err).Error("dropping event with unencodable payload")
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	metrics.BridgeEvents.WithLabelValues("forwarded").Inc()

	go func() {
		defer b.wg.Done()
		if _, err := b.deliver.Deliver(b.ctx, companyID, name, payload); err != nil {
			b.log.WithFields(logrus.Fields{"event": name, "company_id": companyID}).WithError(err).Error("dispatch event")
		}
	}()
}

// Close unsubscribes and waits for in-flight hand-offs. If ctx ends first the
// remaining hand-offs are cancelled.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return ctx.Err()
	}
}

// ResolveEventName picks the webhook event for a bus event: the bus name,
// then the payload's eventType, then _eventName. The first cataloged
// candidate wins.
func ResolveEventName(ev events.Event) (string, bool) {
	candidates := []string{ev.Name}
	if s, ok := ev.Payload["eventType"].(string); ok {
		candidates = append(candidates, s)
	}
	if s, ok := ev.Payload["_eventName"].(string); ok {
		candidates = append(candidates, s)
	}
	for _, c := range candidates {
		if IsCataloged(c) {
			return c, true
		}
	}
	return "", false
}
