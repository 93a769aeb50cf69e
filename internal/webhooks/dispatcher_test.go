package webhooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webhookd/internal/model"
	"webhookd/internal/store"
)

func newDispatcher(h *harness, s store.Store, q Enqueuer) *Dispatcher {
	return NewDispatcher(h.registry, s, q, h.clock, h.notifier, nil)
}

func TestDeliver_OnlySubscribedActiveEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.endpoint(t, "https://x.test/a", 3, "leave.approved", "leave.rejected")
	h.endpoint(t, "https://x.test/b", 3, "employee.created")
	off := h.endpoint(t, "https://x.test/c", 3, "leave.approved")
	disabled := false
	_, err := h.registry.Update(ctx, "acme", off.ID, model.EndpointPatch{IsActive: &disabled})
	require.NoError(t, err)

	q := &recordQueue{}
	d := newDispatcher(h, h.store, q)

	none, err := d.Deliver(ctx, "acme", "leave.cancelled", map[string]any{"companyId": "acme"})
	require.NoError(t, err)
	assert.Empty(t, none, "no endpoint subscribes to leave.cancelled")
	list, _, err := h.store.ListDeliveries(ctx, "acme", a.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := d.Deliver(ctx, "acme", "leave.approved", map[string]any{"companyId": "acme", "leaveId": 9})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].EndpointID)
	assert.Equal(t, model.StatusPending, got[0].Status)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 3, got[0].MaxRetries)
	assert.Equal(t, "acme", got[0].CompanyID)
	assert.Equal(t, []string{got[0].ID}, q.IDs())

	other, err := d.Deliver(ctx, "globex", "leave.approved", map[string]any{"companyId": "globex"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDeliver_SameBytesForEveryEndpoint(t *testing.T) {
	h := newHarness(t)
	h.endpoint(t, "https://x.test/a", 3, "employee.updated")
	h.endpoint(t, "https://x.test/b", 5, "employee.updated")
	d := newDispatcher(h, h.store, &recordQueue{})

	got, err := d.Deliver(context.Background(), "acme", "employee.updated", map[string]any{"z": 1, "companyId": "acme", "a": []int{1, 2}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{"a":[1,2],"companyId":"acme","z":1}`, string(got[0].Payload))
	assert.Equal(t, got[0].Payload, got[1].Payload)
	assert.Equal(t, 5, got[1].MaxRetries)
}

type failingCreateStore struct {
	*store.Memory
	failFor string
}

func (f *failingCreateStore) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	if d.EndpointID == f.failFor {
		return model.Delivery{}, errors.New("disk full")
	}
	return f.Memory.CreateDelivery(ctx, d)
}

func TestDeliver_StoreErrorDoesNotStopSiblings(t *testing.T) {
	h := newHarness(t)
	bad := h.endpoint(t, "https://x.test/a", 3)
	good := h.endpoint(t, "https://x.test/b", 3)
	fs := &failingCreateStore{Memory: h.store, failFor: bad.ID}
	d := newDispatcher(h, fs, &recordQueue{})

	got, err := d.Deliver(context.Background(), "acme", "employee.created", map[string]any{"companyId": "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, good.ID, got[0].EndpointID)
}

func TestDeliver_FullQueueLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.endpoint(t, "https://x.test/a", 3)
	d := newDispatcher(h, h.store, &recordQueue{full: true})

	got, err := d.Deliver(context.Background(), "acme", "employee.created", map[string]any{"companyId": "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	stored, err := h.store.GetDelivery(context.Background(), got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestDeliver_UnencodablePayload(t *testing.T) {
	h := newHarness(t)
	h.endpoint(t, "https://x.test/a", 3)
	d := newDispatcher(h, h.store, &recordQueue{})

	_, err := d.Deliver(context.Background(), "acme", "employee.created", map[string]any{"fn": func() {}})
	assert.Error(t, err)
}
