package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"webhookd/internal/model"
	"webhookd/internal/store"
)

// ErrValidation marks rejected endpoint input. Wrapped errors carry the reason.
var ErrValidation = errors.New("validation failed")

const (
	maxRetriesLimit  = 20
	secretBytes      = 32
	secretVisibleLen = 8
)

// Registry manages tenant endpoints. Reads mask the secret; only Create and
// RotateSecret return it in full.
type Registry struct {
	store store.Store
	clock Clock
	log   logrus.FieldLogger
	cache *lru.LRU[string, []model.Endpoint]
}

type RegistryOption func(*Registry)

func WithRegistryClock(c Clock) RegistryOption { return func(r *Registry) { r.clock = c } }

func WithRegistryLogger(l logrus.FieldLogger) RegistryOption { return func(r *Registry) { r.log = l } }

// WithEndpointCache caches active-endpoint lookups per tenant and event. A
// zero ttl or size leaves caching off. Invalidation only covers writes made
// through this process; ttl bounds staleness from other replicas.
func WithEndpointCache(size int, ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if size <= 0 || ttl <= 0 {
			r.cache = nil
			return
		}
		r.cache = lru.NewLRU[string, []model.Endpoint](size, nil, ttl)
	}
}

func NewRegistry(s store.Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: s, clock: SystemClock{}, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) Create(ctx context.Context, companyID string, in model.EndpointInput) (model.Endpoint, error) {
	maxRetries := model.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	secret, err := GenerateSecret()
	if err != nil {
		return model.Endpoint{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.Endpoint{}, err
	}
	now := r.clock.Now()
	e := model.Endpoint{
		ID:         id.String(),
		CompanyID:  companyID,
		Name:       strings.TrimSpace(in.Name),
		URL:        strings.TrimSpace(in.URL),
		Secret:     secret,
		Events:     dedupe(in.Events),
		Headers:    in.Headers,
		MaxRetries: maxRetries,
		IsActive:   active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := validateEndpoint(e); err != nil {
		return model.Endpoint{}, err
	}
	created, err := r.store.CreateEndpoint(ctx, e)
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("create endpoint: %w", err)
	}
	r.invalidate(companyID)
	r.log.WithFields(logrus.Fields{"company_id": companyID, "endpoint_id": created.ID}).Info("webhook endpoint created")
	return created, nil
}

func (r *Registry) List(ctx context.Context, companyID string) ([]model.Endpoint, error) {
	list, err := r.store.ListEndpoints(ctx, companyID)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Secret = MaskSecret(list[i].Secret)
	}
	return list, nil
}

func (r *Registry) Get(ctx context.Context, companyID, id string) (model.Endpoint, error) {
	e, err := r.store.GetEndpoint(ctx, companyID, id)
	if err != nil {
		return model.Endpoint{}, err
	}
	e.Secret = MaskSecret(e.Secret)
	return e, nil
}

// Update merges the supplied fields; absent fields keep their values.
func (r *Registry) Update(ctx context.Context, companyID, id string, patch model.EndpointPatch) (model.Endpoint, error) {
	e, err := r.store.GetEndpoint(ctx, companyID, id)
	if err != nil {
		return model.Endpoint{}, err
	}
	patch.Apply(&e)
	e.Name = strings.TrimSpace(e.Name)
	e.URL = strings.TrimSpace(e.URL)
	e.Events = dedupe(e.Events)
	if err := validateEndpoint(e); err != nil {
		return model.Endpoint{}, err
	}
	e.UpdatedAt = r.clock.Now()
	updated, err := r.store.UpdateEndpoint(ctx, e)
	if err != nil {
		return model.Endpoint{}, err
	}
	r.invalidate(companyID)
	updated.Secret = MaskSecret(updated.Secret)
	return updated, nil
}

// Delete removes the endpoint together with its delivery history.
func (r *Registry) Delete(ctx context.Context, companyID, id string) error {
	if err := r.store.DeleteEndpoint(ctx, companyID, id); err != nil {
		return err
	}
	r.invalidate(companyID)
	r.log.WithFields(logrus.Fields{"company_id": companyID, "endpoint_id": id}).Info("webhook endpoint deleted")
	return nil
}

// RotateSecret replaces the signing secret and returns the endpoint with the new secret unmasked.
func (r *Registry) RotateSecret(ctx context.Context, companyID, id string) (model.Endpoint, error) {
	e, err := r.store.GetEndpoint(ctx, companyID, id)
	if err != nil {
		return model.Endpoint{}, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return model.Endpoint{}, err
	}
	e.Secret = secret
	e.UpdatedAt = r.clock.Now()
	updated, err := r.store.UpdateEndpoint(ctx, e)
	if err != nil {
		return model.Endpoint{}, err
	}
	r.invalidate(companyID)
	r.log.WithFields(logrus.Fields{"company_id": companyID, "endpoint_id": id}).Info("webhook secret rotated")
	return updated, nil
}

func (r *Registry) ListDeliveries(ctx context.Context, companyID, endpointID, cursor string, limit int) ([]model.Delivery, string, error) {
	return r.store.ListDeliveries(ctx, companyID, endpointID, cursor, limit)
}

// MatchingEndpoints returns the tenant's active endpoints subscribed to eventName.
func (r *Registry) MatchingEndpoints(ctx context.Context, companyID, eventName string) ([]model.Endpoint, error) {
	key := cacheKey(companyID, eventName)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
	}
	list, err := r.store.ListActiveEndpoints(ctx, companyID, eventName)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(key, list)
	}
	return list, nil
}

func (r *Registry) invalidate(companyID string) {
	if r.cache == nil {
		return
	}
	prefix := companyID + "\x00"
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Remove(k)
		}
	}
}

func cacheKey(companyID, eventName string) string { return companyID + "\x00" + eventName }

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MaskSecret keeps the last 8 characters and stars the rest. Short secrets are fully masked.
func MaskSecret(s string) string {
	if len(s) <= secretVisibleLen {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-secretVisibleLen) + s[len(s)-secretVisibleLen:]
}

func validateEndpoint(e model.Endpoint) error {
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	u, err := url.Parse(e.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrValidation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrValidation)
	}
	if len(e.Events) == 0 {
		return fmt.Errorf("%w: at least one event is required", ErrValidation)
	}
	for _, ev := range e.Events {
		if !IsCataloged(ev) {
			return fmt.Errorf("%w: unknown event %q", ErrValidation, ev)
		}
	}
	if e.MaxRetries < 0 || e.MaxRetries > maxRetriesLimit {
		return fmt.Errorf("%w: maxRetries must be between 0 and %d", ErrValidation, maxRetriesLimit)
	}
	for k, v := range e.Headers {
		if k == "" || strings.ContainsAny(k, " :\t\r\n") {
			return fmt.Errorf("%w: invalid header name %q", ErrValidation, k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: invalid value for header %q", ErrValidation, k)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
