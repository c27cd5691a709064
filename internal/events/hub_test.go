package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingListener struct {
	mu         sync.Mutex
	changes    int
	syncStates []bool
	mismatches [][2]int
}

func (r *recordingListener) OrdersChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}

func (r *recordingListener) SyncStatusChanged(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncStates = append(r.syncStates, active)
}

func (r *recordingListener) CountMismatchDetected(system, displayed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, [2]int{system, displayed})
}

func (r *recordingListener) snapshot() (int, []bool, [][2]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes, append([]bool(nil), r.syncStates...), append([][2]int(nil), r.mismatches...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	l := &recordingListener{}
	hub.Subscribe(l)

	hub.OrdersChanged()
	hub.SyncStatusChanged(false)
	hub.OrdersChanged()
	hub.CountMismatchDetected(5, 3)

	waitFor(t, func() bool {
		changes, states, mismatches := l.snapshot()
		return changes == 2 && len(states) == 1 && len(mismatches) == 1
	})

	_, states, mismatches := l.snapshot()
	assert.Equal(t, []bool{false}, states)
	require.Len(t, mismatches, 1)
	assert.Equal(t, [2]int{5, 3}, mismatches[0])
}

func TestHubLateSubscriberMissesEarlierEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Close()

	early := &recordingListener{}
	hub.Subscribe(early)
	hub.OrdersChanged()

	waitFor(t, func() bool {
		changes, _, _ := early.snapshot()
		return changes == 1
	})

	late := &recordingListener{}
	hub.Subscribe(late)
	hub.OrdersChanged()

	waitFor(t, func() bool {
		changes, _, _ := late.snapshot()
		return changes == 1
	})
	changes, _, _ := early.snapshot()
	assert.Equal(t, 2, changes)
}

func TestHubCloseStopsDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	l := &recordingListener{}
	hub.Subscribe(l)
	hub.Close()

	hub.OrdersChanged()
	time.Sleep(20 * time.Millisecond)

	changes, _, _ := l.snapshot()
	assert.Zero(t, changes)
}
