package api

import (
	"sync"

	"webhookd/internal/model"
)

// EventBroker fans delivery state changes out to stream subscribers of one company.
type EventBroker interface {
	Subscribe(companyID string) chan model.DeliveryEvent
	Unsubscribe(companyID string, ch chan model.DeliveryEvent)
	Notify(ev model.DeliveryEvent)
}

// Broker is the in-process EventBroker. Slow subscribers miss events rather
// than stall delivery workers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.DeliveryEvent]struct{} // companyId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.DeliveryEvent]struct{}{}}
}

func (b *Broker) Subscribe(companyID string) chan model.DeliveryEvent {
	ch := make(chan model.DeliveryEvent, 16)
	b.mu.Lock()
	if b.subs[companyID] == nil {
		b.subs[companyID] = map[chan model.DeliveryEvent]struct{}{}
	}
	b.subs[companyID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(companyID string, ch chan model.DeliveryEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[companyID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, companyID)
	}
	close(ch)
}

// Notify implements webhooks.Notifier.
func (b *Broker) Notify(ev model.DeliveryEvent) {
	b.mu.Lock()
	for ch := range b.subs[ev.CompanyID] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broker) subscribers(companyID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[companyID])
}
