package store

import (
	"context"
	"sync"
	"time"

	"webhookd/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	endpoints  map[string]model.Endpoint // id -> endpoint
	byCompany  map[string][]string       // company -> endpoint ids, creation order
	deliveries map[string]model.Delivery // id -> delivery
	byEndpoint map[string][]string       // endpoint -> delivery ids, creation order
}

func NewMemory() *Memory {
	return &Memory{
		endpoints:  map[string]model.Endpoint{},
		byCompany:  map[string][]string{},
		deliveries: map[string]model.Delivery{},
		byEndpoint: map[string][]string{},
	}
}

func (m *Memory) CreateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e = cloneEndpoint(e)
	m.endpoints[e.ID] = e
	m.byCompany[e.CompanyID] = append(m.byCompany[e.CompanyID], e.ID)
	return cloneEndpoint(e), nil
}

func (m *Memory) GetEndpoint(ctx context.Context, companyID, id string) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.CompanyID != companyID {
		return model.Endpoint{}, ErrNotFound
	}
	return cloneEndpoint(e), nil
}

func (m *Memory) GetEndpointByID(ctx context.Context, id string) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return model.Endpoint{}, ErrNotFound
	}
	return cloneEndpoint(e), nil
}

func (m *Memory) ListEndpoints(ctx context.Context, companyID string) ([]model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Endpoint{}
	for _, id := range m.byCompany[companyID] {
		if e, ok := m.endpoints[id]; ok {
			out = append(out, cloneEndpoint(e))
		}
	}
	return out, nil
}

func (m *Memory) ListActiveEndpoints(ctx context.Context, companyID, eventName string) ([]model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Endpoint
	for _, id := range m.byCompany[companyID] {
		e, ok := m.endpoints[id]
		if ok && e.IsActive && e.Subscribes(eventName) {
			out = append(out, cloneEndpoint(e))
		}
	}
	return out, nil
}

func (m *Memory) UpdateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.endpoints[e.ID]
	if !ok || cur.CompanyID != e.CompanyID {
		return model.Endpoint{}, ErrNotFound
	}
	e.CreatedAt = cur.CreatedAt
	m.endpoints[e.ID] = cloneEndpoint(e)
	return cloneEndpoint(e), nil
}

func (m *Memory) DeleteEndpoint(ctx context.Context, companyID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok || e.CompanyID != companyID {
		return ErrNotFound
	}
	for _, did := range m.byEndpoint[id] {
		delete(m.deliveries, did)
	}
	delete(m.byEndpoint, id)
	delete(m.endpoints, id)
	ids := m.byCompany[companyID]
	out := make([]string, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	m.byCompany[companyID] = out
	return nil
}

func (m *Memory) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[d.EndpointID]; !ok {
		return model.Delivery{}, ErrNotFound
	}
	d.Payload = append([]byte(nil), d.Payload...)
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	m.deliveries[d.ID] = d
	m.byEndpoint[d.EndpointID] = append(m.byEndpoint[d.EndpointID], d.ID)
	return d, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, ErrNotFound
	}
	return d, nil
}

// ListDeliveries returns newest first; the cursor is the last id of the previous page.
func (m *Memory) ListDeliveries(ctx context.Context, companyID, endpointID, cursor string, limit int) ([]model.Delivery, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[endpointID]
	if !ok || e.CompanyID != companyID {
		return nil, "", ErrNotFound
	}
	limit = pageSize(limit)
	ids := m.byEndpoint[endpointID]
	start := len(ids) - 1
	if cursor != "" {
		for i := len(ids) - 1; i >= 0; i-- {
			if ids[i] == cursor {
				start = i - 1
				break
			}
		}
	}
	out := []model.Delivery{}
	for i := start; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.deliveries[ids[i]])
	}
	next := ""
	if len(out) == limit && start-limit >= 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) ClaimDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (model.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, false, ErrNotFound
	}
	if !claimable(d, now) {
		return d, false, nil
	}
	d.Status = model.StatusInFlight
	lease := leaseUntil
	d.LeaseUntil = &lease
	d.UpdatedAt = now
	m.deliveries[id] = d
	return d, true, nil
}

func (m *Memory) CompleteDelivery(ctx context.Context, id string, res model.DeliveryResult) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != model.StatusInFlight || res.Attempt < d.Attempt {
		return model.Delivery{}, ErrLeaseLost
	}
	d.Status = res.Status
	d.Attempt = res.Attempt
	d.StatusCode = res.StatusCode
	d.Response = res.Response
	d.Duration = res.Duration
	d.NextRetryAt = res.NextRetryAt
	d.DeliveredAt = res.DeliveredAt
	d.LeaseUntil = nil
	d.UpdatedAt = time.Now().UTC()
	m.deliveries[id] = d
	return d, nil
}

func (m *Memory) ReleaseDelivery(ctx context.Context, id string, attempt int, now time.Time) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status != model.StatusInFlight || d.Attempt != attempt {
		return model.Delivery{}, ErrLeaseLost
	}
	if d.NextRetryAt == nil {
		d.Status = model.StatusPending
	} else {
		d.Status = model.StatusRetrying
		next := now
		d.NextRetryAt = &next
	}
	d.LeaseUntil = nil
	d.UpdatedAt = now
	m.deliveries[id] = d
	return d, nil
}

func (m *Memory) ListDueDeliveries(ctx context.Context, q model.DueQuery) ([]model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Delivery{}
	for _, ids := range m.byEndpoint {
		for _, id := range ids {
			d := m.deliveries[id]
			if due(d, q) {
				out = append(out, d)
			}
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func cloneEndpoint(e model.Endpoint) model.Endpoint {
	e.Events = append([]string(nil), e.Events...)
	if e.Headers != nil {
		h := make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			h[k] = v
		}
		e.Headers = h
	}
	return e
}
