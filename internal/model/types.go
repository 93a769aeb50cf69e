package model

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the lifecycle state of a single webhook delivery.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "PENDING"
	StatusInFlight DeliveryStatus = "IN_FLIGHT"
	StatusRetrying DeliveryStatus = "RETRYING"
	StatusSuccess  DeliveryStatus = "SUCCESS"
	StatusFailed   DeliveryStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DefaultMaxRetries applies when an endpoint is created without a retry budget.
const DefaultMaxRetries = 3

// Endpoint is a tenant-owned subscriber URL.
type Endpoint struct {
	ID         string            `json:"id"`
	CompanyID  string            `json:"companyId"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Secret     string            `json:"secret"`
	Events     []string          `json:"events"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries int               `json:"maxRetries"`
	IsActive   bool              `json:"isActive"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Subscribes reports whether the endpoint listens for eventName.
func (e Endpoint) Subscribes(eventName string) bool {
	for _, ev := range e.Events {
		if ev == eventName {
			return true
		}
	}
	return false
}

// EndpointInput carries the fields accepted on create. Secret is never accepted.
type EndpointInput struct {
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Events     []string          `json:"events"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries *int              `json:"maxRetries,omitempty"`
	IsActive   *bool             `json:"isActive,omitempty"`
}

// EndpointPatch carries a partial update; nil fields are left untouched.
type EndpointPatch struct {
	Name       *string            `json:"name,omitempty"`
	URL        *string            `json:"url,omitempty"`
	Events     *[]string          `json:"events,omitempty"`
	Headers    *map[string]string `json:"headers,omitempty"`
	MaxRetries *int               `json:"maxRetries,omitempty"`
	IsActive   *bool              `json:"isActive,omitempty"`
}

// Apply merges the supplied fields into e.
func (p EndpointPatch) Apply(e *Endpoint) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.URL != nil {
		e.URL = *p.URL
	}
	if p.Events != nil {
		e.Events = append([]string(nil), (*p.Events)...)
	}
	if p.Headers != nil {
		e.Headers = copyHeaders(*p.Headers)
	}
	if p.MaxRetries != nil {
		e.MaxRetries = *p.MaxRetries
	}
	if p.IsActive != nil {
		e.IsActive = *p.IsActive
	}
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Delivery is one transmission of one event to one endpoint.
type Delivery struct {
	ID          string          `json:"id"`
	EndpointID  string          `json:"endpointId"`
	CompanyID   string          `json:"companyId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	Status      DeliveryStatus  `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxRetries  int             `json:"maxRetries"`
	StatusCode  *int            `json:"statusCode"`
	Response    string          `json:"response,omitempty"`
	Duration    int64           `json:"duration"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
	LeaseUntil  *time.Time      `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// DeliveryResult is what an attempt writes back when it releases its claim.
type DeliveryResult struct {
	Status      DeliveryStatus
	Attempt     int
	StatusCode  *int
	Response    string
	Duration    int64
	NextRetryAt *time.Time
	DeliveredAt *time.Time
}

// DueQuery selects deliveries the retry scheduler should resubmit.
type DueQuery struct {
	Now time.Time
	// PendingBefore picks up PENDING rows created before this instant; zero disables.
	PendingBefore time.Time
	Limit         int
}

// DeliveryEvent is published whenever a delivery changes state.
type DeliveryEvent struct {
	DeliveryID string         `json:"deliveryId"`
	EndpointID string         `json:"endpointId"`
	CompanyID  string         `json:"companyId"`
	EventType  string         `json:"eventType"`
	Status     DeliveryStatus `json:"status"`
	Attempt    int            `json:"attempt"`
	StatusCode *int           `json:"statusCode,omitempty"`
	At         time.Time      `json:"at"`
}
