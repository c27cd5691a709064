package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/restaurantpos/ordersync/internal/config"
	"github.com/restaurantpos/ordersync/internal/entity"
	"github.com/restaurantpos/ordersync/internal/remote"
	"github.com/restaurantpos/ordersync/pkg/errorbank"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends map[string][][]byte
	fail  map[string]error
	// block, when set, holds every send until closed.
	block chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sends: map[string][][]byte{}, fail: map[string]error{}}
}

func (f *fakeTransport) Send(ctx context.Context, addr string, payload []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[addr]; ok {
		return err
	}
	f.sends[addr] = append(f.sends[addr], append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) sendCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends[addr])
}

func (f *fakeTransport) lastPayload(addr string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sends[addr])
	if n == 0 {
		return nil
	}
	return f.sends[addr][n-1]
}

type fakeLedger struct {
	mu      sync.Mutex
	orders  map[string]*entity.Order
	upserts int
}

func newFakeLedger(orders ...*entity.Order) *fakeLedger {
	l := &fakeLedger{orders: map[string]*entity.Order{}}
	for _, o := range orders {
		l.orders[o.ID] = o
	}
	return l
}

func (f *fakeLedger) Get(id string) (*entity.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (f *fakeLedger) Upsert(_ context.Context, order *entity.Order) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.orders[order.ID] = order.Clone()
	return order.Clone(), nil
}

func (f *fakeLedger) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

type fakePusher struct {
	mu     sync.Mutex
	pushes int
}

func (f *fakePusher) PushOrder(context.Context, *entity.Order, remote.ChangeKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	return nil
}

func mustResolver(t *testing.T, spec string) *Resolver {
	t.Helper()
	r, err := ParseStations(spec)
	require.NoError(t, err)
	return r
}

func newTestCoordinator(t *testing.T, ledger *fakeLedger, resolver *Resolver, transport Transport) (*Coordinator, *fakePusher) {
	t.Helper()
	pusher := &fakePusher{}
	c := &Coordinator{
		ledger:    ledger,
		pusher:    pusher,
		resolver:  resolver,
		transport: transport,
		logger:    zap.NewNop(),
		cfg:       config.Dispatch{Timeout: 2 * time.Second, DialTimeout: time.Second},
	}
	return c, pusher
}

func testOrder() *entity.Order {
	o := entity.NewOrder("tenant", "srv-1", entity.TypeDineIn)
	o.Items = []*entity.OrderItem{
		{ID: "i-steak", OrderID: o.ID, Name: "Steak", Category: "mains", UnitPrice: 30, Quantity: 2},
		{ID: "i-beer", OrderID: o.ID, Name: "Pale Ale", Category: "drinks", UnitPrice: 7, Quantity: 1},
	}
	return o
}

const stationSpec = "grill@10.0.0.20:9100=mains,sides;bar@10.0.0.21:9100=drinks"

func TestSendToKitchenFansOutPerStation(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	c, pusher := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)

	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ItemsSent)
	assert.Equal(t, 2, result.StationCount)
	assert.Equal(t, 1, transport.sendCount("10.0.0.20:9100"))
	assert.Equal(t, 1, transport.sendCount("10.0.0.21:9100"))
	assert.Contains(t, string(transport.lastPayload("10.0.0.20:9100")), "2 x Steak")
	assert.NotContains(t, string(transport.lastPayload("10.0.0.20:9100")), "Pale Ale")

	saved, _ := ledger.Get(order.ID)
	assert.Equal(t, entity.StatusPreparing, saved.Status)
	for _, item := range saved.Items {
		assert.True(t, item.SentToKitchen)
	}
	assert.Equal(t, 1, pusher.pushes)
}

func TestPartialStationFailureKeepsFailedItemsPending(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	transport.fail["10.0.0.21:9100"] = errors.New("printer jam")
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)

	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	assert.False(t, result.Success, "one failed station fails the run as a whole")
	assert.Equal(t, 1, result.ItemsSent)

	saved, _ := ledger.Get(order.ID)
	byID := map[string]*entity.OrderItem{}
	for _, item := range saved.Items {
		byID[item.ID] = item
	}
	assert.True(t, byID["i-steak"].SentToKitchen, "reachable station's items are marked sent")
	assert.False(t, byID["i-beer"].SentToKitchen, "failed station's items stay pending for retry")
	assert.Equal(t, 1, ledger.upsertCount(), "partial result is still persisted")
}

func TestSendToKitchenIsIdempotent(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)

	first, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.ItemsSent)

	second, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Zero(t, second.ItemsSent, "nothing pending means a no-op")
	assert.Equal(t, 1, transport.sendCount("10.0.0.20:9100"), "no duplicate tickets")
}

func TestDispatchOnlyNewItems(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)

	_, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	// A new round of items joins the order after the first dispatch.
	saved, _ := ledger.Get(order.ID)
	saved.Items = append(saved.Items, &entity.OrderItem{
		ID: "i-fries", OrderID: order.ID, Name: "Fries", Category: "sides", UnitPrice: 5, Quantity: 1,
	})
	_, err = ledger.Upsert(context.Background(), saved)
	require.NoError(t, err)

	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ItemsSent, "only the new item goes out")
	assert.Equal(t, 2, transport.sendCount("10.0.0.20:9100"))
	assert.Contains(t, string(transport.lastPayload("10.0.0.20:9100")), "Fries")
	assert.NotContains(t, string(transport.lastPayload("10.0.0.20:9100")), "Steak")
}

func TestRecordOnlyModeWithoutStations(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, ""), transport)

	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ItemsSent)
	assert.Zero(t, result.StationCount)

	saved, _ := ledger.Get(order.ID)
	for _, item := range saved.Items {
		assert.True(t, item.SentToKitchen)
	}
}

func TestStationOverrideProperty(t *testing.T) {
	order := testOrder()
	order.Items[0].Properties = map[string]any{"station": "bar"}
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)

	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.StationCount, "override routes everything to the bar")
	assert.Zero(t, transport.sendCount("10.0.0.20:9100"))
	assert.Contains(t, string(transport.lastPayload("10.0.0.21:9100")), "Steak")
}

func TestSendToKitchenRejectsUnknownAndClosedOrders(t *testing.T) {
	order := testOrder()
	order.Status = entity.StatusCancelled
	ledger := newFakeLedger(order)
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), newFakeTransport())

	_, err := c.SendToKitchen(context.Background(), "missing")
	assert.True(t, errorbank.IsKind(err, errorbank.KindNotFound))

	_, err = c.SendToKitchen(context.Background(), order.ID)
	assert.True(t, errorbank.IsKind(err, errorbank.KindInvalidState))
}

func TestSlowStationYieldsSoftSuccess(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	transport.block = make(chan struct{})
	c, _ := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)
	c.cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	assert.True(t, result.Success, "deadline yields a soft success, not an error")
	assert.Zero(t, result.ItemsSent)
	assert.Less(t, time.Since(start), time.Second)

	// The caller keeps reading its result while the fan-out completes in the
	// background; the snapshot it was handed must stay untouched.
	stop := make(chan struct{})
	var read sync.WaitGroup
	read.Add(1)
	go func() {
		defer read.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, item := range result.UpdatedOrder.Items {
				assert.False(t, item.SentToKitchen, "soft-success snapshot mutated by background completion")
			}
		}
	}()

	// The background completion still persists whatever the stations did.
	close(transport.block)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ledger.upsertCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	read.Wait()

	require.Equal(t, 1, ledger.upsertCount())
	saved, _ := ledger.Get(order.ID)
	for _, item := range saved.Items {
		assert.True(t, item.SentToKitchen)
	}
}

func TestAllStationsDownStillPersists(t *testing.T) {
	order := testOrder()
	ledger := newFakeLedger(order)
	transport := newFakeTransport()
	transport.fail["10.0.0.20:9100"] = errors.New("grill offline")
	transport.fail["10.0.0.21:9100"] = errors.New("bar offline")
	c, pusher := newTestCoordinator(t, ledger, mustResolver(t, stationSpec), transport)

	result, err := c.SendToKitchen(context.Background(), order.ID)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Zero(t, result.ItemsSent)
	assert.Equal(t, 1, ledger.upsertCount(), "failed run still goes through the store")
	assert.Equal(t, 1, pusher.pushes)

	saved, _ := ledger.Get(order.ID)
	assert.Equal(t, entity.StatusPending, saved.Status, "status untouched when nothing went out")
	for _, item := range saved.Items {
		assert.False(t, item.SentToKitchen)
	}
}

func TestParseStationsRejectsMalformedEntries(t *testing.T) {
	cases := []string{
		"grill=mains",             // no address
		"grill@10.0.0.20:9100",    // no categories
		"a@h:1=x;a@h:2=y",         // duplicate station
		"a@h:1=mains;b@h:2=mains", // category routed twice
	}
	for _, spec := range cases {
		_, err := ParseStations(spec)
		assert.Error(t, err, spec)
	}
}

func TestResolveFallsBackToFirstStation(t *testing.T) {
	r := mustResolver(t, stationSpec)
	station, ok := r.Resolve(&entity.OrderItem{Category: "desserts"})
	require.True(t, ok)
	assert.Equal(t, "grill", station.Name, "unmapped categories land on the first station")
}
