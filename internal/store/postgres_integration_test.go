//go:build postgres_integration

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"webhookd/internal/model"
)

func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("webhookd_test"),
		postgres.WithUsername("webhookd"),
		postgres.WithPassword("webhookd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(c) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	p, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.Migrate(ctx))
	require.NoError(t, p.Migrate(ctx), "migrations are idempotent")
	return p
}

func TestPostgresLifecycle(t *testing.T) {
	p := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	e, err := p.CreateEndpoint(ctx, model.Endpoint{
		ID: uuid.NewString(), CompanyID: "c1", Name: "hr", URL: "https://example.test/hook", Secret: "s",
		Events: []string{"employee.created"}, MaxRetries: 3, IsActive: true, CreatedAt: now,
	})
	require.NoError(t, err)

	active, err := p.ListActiveEndpoints(ctx, "c1", "employee.created")
	require.NoError(t, err)
	require.Len(t, active, 1)
	active, err = p.ListActiveEndpoints(ctx, "c1", "leave.requested")
	require.NoError(t, err)
	assert.Empty(t, active)

	payload := json.RawMessage(`{"z":1,"a":{"y":2,"b":3}}`)
	id, err := uuid.NewV7()
	require.NoError(t, err)
	d, err := p.CreateDelivery(ctx, model.Delivery{
		ID: id.String(), EndpointID: e.ID, CompanyID: "c1", EventType: "employee.created",
		Payload: payload, Status: model.StatusPending, MaxRetries: 3, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(d.Payload))
	assert.Equal(t, string(payload), string(d.Payload), "json column keeps bytes verbatim")

	claimed, ok, err := p.ClaimDelivery(ctx, d.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusInFlight, claimed.Status)
	_, ok, err = p.ClaimDelivery(ctx, d.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := p.ReleaseDelivery(ctx, d.ID, claimed.Attempt, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, released.Status)
	assert.Nil(t, released.LeaseUntil)
	_, ok, err = p.ClaimDelivery(ctx, d.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	code := 204
	done, err := p.CompleteDelivery(ctx, d.ID, model.DeliveryResult{Status: model.StatusSuccess, Attempt: 1, StatusCode: &code, DeliveredAt: &now})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, done.Status)
	_, err = p.CompleteDelivery(ctx, d.ID, model.DeliveryResult{Status: model.StatusFailed, Attempt: 2})
	assert.ErrorIs(t, err, ErrLeaseLost)

	page, _, err := p.ListDeliveries(ctx, "c1", e.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, p.DeleteEndpoint(ctx, "c1", e.ID))
	_, err = p.GetDelivery(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
