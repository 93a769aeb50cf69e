package webhooks

import (
	"time"

	"webhookd/internal/model"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Notifier is told about every delivery state change. Implementations must not block.
type Notifier interface {
	Notify(ev model.DeliveryEvent)
}

type NotifierFunc func(ev model.DeliveryEvent)

func (f NotifierFunc) Notify(ev model.DeliveryEvent) { f(ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(model.DeliveryEvent) {}

func deliveryEvent(d model.Delivery, at time.Time) model.DeliveryEvent {
	return model.DeliveryEvent{
		DeliveryID: d.ID,
		EndpointID: d.EndpointID,
		CompanyID:  d.CompanyID,
		EventType:  d.EventType,
		Status:     d.Status,
		Attempt:    d.Attempt,
		StatusCode: d.StatusCode,
		At:         at,
	}
}
