package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"webhookd/internal/model"
	"webhookd/internal/store"
)

// Enqueuer schedules a delivery attempt without blocking. False means the
// attempt was not queued; the row stays where it is for the scheduler to find.
type Enqueuer interface {
	Enqueue(deliveryID string) bool
}

// Dispatcher fans one event out to every matching endpoint of a tenant.
type Dispatcher struct {
	registry *Registry
	store    store.Store
	queue    Enqueuer
	clock    Clock
	notify   Notifier
	log      logrus.FieldLogger
}

func NewDispatcher(reg *Registry, s store.Store, q Enqueuer, clock Clock, notify Notifier, log logrus.FieldLogger) *Dispatcher {
	if clock == nil {
		clock = SystemClock{}
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{registry: reg, store: s, queue: q, clock: clock, notify: notify, log: log}
}

// Deliver records a PENDING delivery per subscribed active endpoint and queues
// its first attempt. The payload is serialized once; every endpoint gets the
// same bytes. A failure on one endpoint does not affect the others.
func (d *Dispatcher) Deliver(ctx context.Context, companyID, eventName string, payload any) ([]model.Delivery, error) {
	endpoints, err := d.registry.MatchingEndpoints(ctx, companyID, eventName)
	if err != nil {
		return nil, fmt.Errorf("match endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	out := make([]model.Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		fields := logrus.Fields{"company_id": companyID, "endpoint_id": ep.ID, "event": eventName}
		id, err := uuid.NewV7()
		if err != nil {
			d.log.WithFields(fields).WithError(err).Error("allocate delivery id")
			continue
		}
		now := d.clock.Now()
		created, err := d.store.CreateDelivery(ctx, model.Delivery{
			ID:         id.String(),
			EndpointID: ep.ID,
			CompanyID:  companyID,
			EventType:  eventName,
			Payload:    body,
			Status:     model.StatusPending,
			Attempt:    1,
			MaxRetries: ep.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			d.log.WithFields(fields).WithError(err).Error("create delivery")
			continue
		}
		d.notify.Notify(deliveryEvent(created, now))
		if !d.queue.Enqueue(created.ID) {
			d.log.WithFields(fields).WithField("delivery_id", created.ID).
				Warn("attempt queue full; delivery left pending for the scheduler")
		}
		out = append(out, created)
	}
	return out, nil
}

// marshalPayload fixes the bytes that are stored, signed and sent. Map keys
// come out sorted, so equal payloads always produce equal bytes.
func marshalPayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
