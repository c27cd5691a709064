package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/entity"
	"github.com/restaurantpos/ordersync/internal/events"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

type fakePersister struct {
	mu      sync.Mutex
	saved   map[string]*entity.Order
	deleted []string
	listed  []*entity.Order
}

func newFakePersister() *fakePersister {
	return &fakePersister{saved: make(map[string]*entity.Order)}
}

func (f *fakePersister) Upsert(_ context.Context, order *entity.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[order.ID] = order.Clone()
	return nil
}

func (f *fakePersister) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakePersister) ListByTenant(context.Context, string) ([]*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakePersister) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type countingListener struct {
	mu      sync.Mutex
	changes int
}

func (c *countingListener) OrdersChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes++
}
func (c *countingListener) SyncStatusChanged(bool)        {}
func (c *countingListener) CountMismatchDetected(int, int) {}

func (c *countingListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}

func newTestStore(t *testing.T) (*Store, *fakePersister, *countingListener) {
	t.Helper()
	repo := newFakePersister()
	hub := events.NewHub(zap.NewNop())
	listener := &countingListener{}
	hub.Subscribe(listener)

	cfg := config.Config{}
	cfg.Sync.TenantID = "tenant"
	cfg.Billing.TaxRate = 0.10
	cfg.Cache.DefaultTTL = time.Minute

	s := NewStore(Params{
		Repo:   repo,
		Cache:  nil,
		Hub:    hub,
		Config: cfg,
		Logger: zap.NewNop(),
	})
	t.Cleanup(func() {
		s.Close()
		hub.Close()
	})
	return s, repo, listener
}

func testOrder(items ...*entity.OrderItem) *entity.Order {
	o := entity.NewOrder("tenant", "server-1", entity.TypeDineIn)
	o.Items = items
	return o
}

func item(id string, qty int, price float64) *entity.OrderItem {
	return &entity.OrderItem{ID: id, Name: "item-" + id, Quantity: qty, UnitPrice: price}
}

func waitForCount(t *testing.T, l *countingListener, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d notifications, got %d", want, l.count())
}

func TestUpsertRejectsEmptyOrder(t *testing.T) {
	s, repo, listener := newTestStore(t)

	_, err := s.Upsert(context.Background(), testOrder())
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))

	assert.Zero(t, repo.savedCount(), "ghost order must not be persisted")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, listener.count(), "ghost order must not notify")
}

func TestUpsertRecomputesAndNotifies(t *testing.T) {
	s, repo, listener := newTestStore(t)

	o := testOrder(item("a", 2, 10.00), item("b", 1, 5.00))
	o.Total = 999 // caller-set totals are ignored

	saved, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)
	assert.InDelta(t, 25.00, saved.Subtotal, 0.001)
	assert.InDelta(t, 27.50, saved.Total, 0.001)

	assert.Equal(t, 1, repo.savedCount())
	waitForCount(t, listener, 1)

	got, ok := s.Get(o.ID)
	require.True(t, ok)
	assert.InDelta(t, 27.50, got.Total, 0.001)
}

func TestUpsertRejectsNegativeTotal(t *testing.T) {
	s, repo, _ := newTestStore(t)

	o := testOrder(item("a", 1, 5.00))
	o.Gratuity = -50

	_, err := s.Upsert(context.Background(), o)
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))
	assert.Zero(t, repo.savedCount())
}

func TestCancelUndispatchedWithoutPrivilege(t *testing.T) {
	s, _, _ := newTestStore(t)

	o := testOrder(item("a", 1, 5.00))
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)

	_, err = s.Cancel(context.Background(), o.ID, Actor{ID: "srv"})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))

	got, ok := s.Get(o.ID)
	require.True(t, ok)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Len(t, got.Items, 1)
}

func TestCancelUndispatchedElevatedResets(t *testing.T) {
	s, repo, _ := newTestStore(t)

	o := testOrder(item("a", 2, 12.00))
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)

	outcome, err := s.Cancel(context.Background(), o.ID, Actor{ID: "mgr", Elevated: true})
	require.NoError(t, err)
	assert.True(t, outcome.Reset)
	assert.Equal(t, entity.StatusCancelled, outcome.Order.Status)
	assert.Empty(t, outcome.Order.Items)
	assert.Zero(t, outcome.Order.Total)
	assert.Zero(t, outcome.Order.Subtotal)

	repo.mu.Lock()
	persisted := repo.saved[o.ID]
	repo.mu.Unlock()
	require.NotNil(t, persisted)
	assert.Equal(t, entity.StatusCancelled, persisted.Status)
	assert.Empty(t, persisted.Items)
}

func TestCancelDispatchedOrder(t *testing.T) {
	s, _, _ := newTestStore(t)

	sent := item("a", 1, 8.00)
	sent.SentToKitchen = true
	o := testOrder(sent)
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)

	outcome, err := s.Cancel(context.Background(), o.ID, Actor{ID: "srv"})
	require.NoError(t, err)
	assert.False(t, outcome.Reset)
	assert.Equal(t, entity.StatusCancelled, outcome.Order.Status)
	assert.Len(t, outcome.Order.Items, 1)
}

func TestCancelClosedOrderRejected(t *testing.T) {
	s, _, _ := newTestStore(t)

	sent := item("a", 1, 8.00)
	sent.SentToKitchen = true
	o := testOrder(sent)
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)
	_, err = s.Cancel(context.Background(), o.ID, Actor{ID: "srv"})
	require.NoError(t, err)

	_, err = s.Cancel(context.Background(), o.ID, Actor{ID: "srv", Elevated: true})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))
}

func TestRemoveItemRecomputesTotals(t *testing.T) {
	s, _, listener := newTestStore(t)

	o := testOrder(item("a", 2, 10.00), item("b", 1, 5.00))
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)
	waitForCount(t, listener, 1)

	updated, err := s.RemoveItem(context.Background(), o.ID, "b", Actor{ID: "srv"})
	require.NoError(t, err)
	require.Len(t, updated.Items, 1)
	assert.Equal(t, "a", updated.Items[0].ID)
	assert.InDelta(t, 20.00, updated.Subtotal, 0.001)
	assert.InDelta(t, 22.00, updated.Total, 0.001)
	waitForCount(t, listener, 2)
}

func TestRemoveSentItemRequiresPrivilege(t *testing.T) {
	s, _, _ := newTestStore(t)

	sent := item("a", 1, 8.00)
	sent.SentToKitchen = true
	o := testOrder(sent, item("b", 1, 5.00))
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)

	_, err = s.RemoveItem(context.Background(), o.ID, "a", Actor{ID: "srv"})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindPermissionDenied))

	got, ok := s.Get(o.ID)
	require.True(t, ok)
	assert.Len(t, got.Items, 2, "denied removal leaves the order untouched")

	updated, err := s.RemoveItem(context.Background(), o.ID, "a", Actor{ID: "mgr", Elevated: true})
	require.NoError(t, err)
	require.Len(t, updated.Items, 1)
	assert.Equal(t, "b", updated.Items[0].ID)
}

func TestRemoveItemGuardsEmptyAndClosedOrders(t *testing.T) {
	s, _, _ := newTestStore(t)

	o := testOrder(item("a", 1, 5.00))
	_, err := s.Upsert(context.Background(), o)
	require.NoError(t, err)

	_, err = s.RemoveItem(context.Background(), o.ID, "a", Actor{ID: "srv"})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState), "last item cannot be removed")

	_, err = s.RemoveItem(context.Background(), o.ID, "missing", Actor{ID: "srv"})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindNotFound))

	_, err = s.RemoveItem(context.Background(), "missing-order", "a", Actor{ID: "srv"})
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindNotFound))
}

func TestMergeRemoteSilentSkipsNotification(t *testing.T) {
	s, repo, listener := newTestStore(t)

	o := testOrder(item("a", 1, 9.00))
	_, err := s.MergeRemote(context.Background(), o, true)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.savedCount())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, listener.count())

	// Outside the suppression window the same merge does notify.
	o.Items[0].Quantity = 2
	_, err = s.MergeRemote(context.Background(), o, false)
	require.NoError(t, err)
	waitForCount(t, listener, 1)
}

func TestCountActiveByServerDualAddressing(t *testing.T) {
	s, _, _ := newTestStore(t)

	raw := testOrder(item("a", 1, 5.00))
	raw.ServerID = "42"
	composite := testOrder(item("b", 1, 5.00))
	composite.ServerID = "ohbombaymilton_at_gmail_com_42"
	other := testOrder(item("c", 1, 5.00))
	other.ServerID = "7"

	for _, o := range []*entity.Order{raw, composite, other} {
		_, err := s.Upsert(context.Background(), o)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.CountActiveByServer("42"))
	assert.Equal(t, 1, s.CountActiveByServer("7"))
	assert.Equal(t, 3, s.CountActive())
}

func TestListActiveAndCompleted(t *testing.T) {
	s, _, _ := newTestStore(t)

	active := testOrder(item("a", 1, 5.00))
	done := testOrder(item("b", 1, 5.00))
	done.Status = entity.StatusCompleted

	_, err := s.Upsert(context.Background(), active)
	require.NoError(t, err)
	_, err = s.Upsert(context.Background(), done)
	require.NoError(t, err)

	require.Len(t, s.ListActive(), 1)
	assert.Equal(t, active.ID, s.ListActive()[0].ID)
	require.Len(t, s.ListCompleted(), 1)
	assert.Equal(t, done.ID, s.ListCompleted()[0].ID)
}

func TestLoadRemovesGhostOrders(t *testing.T) {
	s, repo, _ := newTestStore(t)

	ghost := entity.NewOrder("tenant", "srv", entity.TypeDineIn)
	kept := testOrder(item("a", 1, 5.00))
	repo.mu.Lock()
	repo.listed = []*entity.Order{ghost, kept}
	repo.mu.Unlock()

	require.NoError(t, s.Load(context.Background()))

	_, ok := s.Get(ghost.ID)
	assert.False(t, ok)
	_, ok = s.Get(kept.ID)
	assert.True(t, ok)
	repo.mu.Lock()
	deleted := append([]string(nil), repo.deleted...)
	repo.mu.Unlock()
	assert.Contains(t, deleted, ghost.ID)
}
