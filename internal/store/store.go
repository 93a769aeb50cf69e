package store

import (
	"context"
	"errors"
	"time"

	"webhookd/internal/model"
)

// Store is the persistence interface for webhook endpoints and deliveries.
// Every tenant-facing lookup takes the company id; an id owned by another
// company is reported exactly like a missing one.
type Store interface {
	// Endpoints
	CreateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error)
	GetEndpoint(ctx context.Context, companyID, id string) (model.Endpoint, error)
	GetEndpointByID(ctx context.Context, id string) (model.Endpoint, error)
	ListEndpoints(ctx context.Context, companyID string) ([]model.Endpoint, error)
	ListActiveEndpoints(ctx context.Context, companyID, eventName string) ([]model.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error)
	DeleteEndpoint(ctx context.Context, companyID, id string) error

	// Deliveries
	CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error)
	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	ListDeliveries(ctx context.Context, companyID, endpointID, cursor string, limit int) ([]model.Delivery, string, error)
	ClaimDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (model.Delivery, bool, error)
	CompleteDelivery(ctx context.Context, id string, res model.DeliveryResult) (model.Delivery, error)
	// ReleaseDelivery returns an IN_FLIGHT delivery whose attempt was abandoned
	// before any response arrived. The attempt is not counted.
	ReleaseDelivery(ctx context.Context, id string, attempt int, now time.Time) (model.Delivery, error)
	ListDueDeliveries(ctx context.Context, q model.DueQuery) ([]model.Delivery, error)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost means the delivery was no longer IN_FLIGHT when an attempt tried to record its outcome.
	ErrLeaseLost = errors.New("delivery lease lost")
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// claimable mirrors the WHERE clause of the Postgres claim statement.
func claimable(d model.Delivery, now time.Time) bool {
	switch d.Status {
	case model.StatusPending:
		return true
	case model.StatusRetrying:
		return d.NextRetryAt == nil || !d.NextRetryAt.After(now)
	case model.StatusInFlight:
		return d.LeaseUntil != nil && d.LeaseUntil.Before(now)
	}
	return false
}

func due(d model.Delivery, q model.DueQuery) bool {
	switch d.Status {
	case model.StatusRetrying:
		return d.NextRetryAt != nil && !d.NextRetryAt.After(q.Now)
	case model.StatusInFlight:
		return d.LeaseUntil != nil && d.LeaseUntil.Before(q.Now)
	case model.StatusPending:
		return !q.PendingBefore.IsZero() && d.CreatedAt.Before(q.PendingBefore)
	}
	return false
}
