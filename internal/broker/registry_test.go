package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"slotgrid/internal/metrics"
	"slotgrid/pkg/capability"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quietOpts = RegistryOptions{
	NodeLostTimeout:    time.Minute,
	NodeDeadTimeout:    2 * time.Minute,
	ReservationTimeout: time.Minute,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// startRegistry runs a registry until the test ends.
func startRegistry(t *testing.T, s store.Store, opts RegistryOptions, setup ...func(*Registry)) *Registry {
	t.Helper()
	log, _ := testLogger()
	r := NewRegistry(s, capability.DefaultMatcher{}, opts, log)
	for _, f := range setup {
		f(r)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func announce(t *testing.T, s store.Store, nodeID, slotID string, caps *model.Capabilities) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutJSON(ctx, s, paths.Slot(nodeID, slotID), caps))
	require.NoError(t, s.Write(ctx, paths.SlotState(nodeID, slotID), []byte(model.SlotFree)))
}

func slotState(t *testing.T, r *Registry, nodeID, slotID string) (model.SlotStatus, bool) {
	t.Helper()
	nodes, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		if n.NodeID != nodeID {
			continue
		}
		for _, s := range n.Slots {
			if s.SlotID == slotID {
				return s, true
			}
		}
	}
	return model.SlotStatus{}, false
}

func waitState(t *testing.T, r *Registry, nodeID, slotID string, want model.SlotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := slotState(t, r, nodeID, slotID)
		return ok && s.State == want
	}, 2*time.Second, 5*time.Millisecond, "slot %s/%s never became %s", nodeID, slotID, want)
}

func firefox(version string) *model.Capabilities {
	return &model.Capabilities{BrowserName: "firefox", Version: version, Platform: "LINUX"}
}

func TestRegisterNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	require.NoError(t, s.Barrier(paths.NodeBarrier("n1")).Raise(ctx))
	require.NoError(t, r.RegisterNode(ctx, "n1"))

	raised, err := s.Exists(ctx, paths.NodeBarrier("n1"))
	require.NoError(t, err)
	assert.False(t, raised, "registration lowers the node barrier")

	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	require.NoError(t, s.Barrier(paths.NodeBarrier("n1")).Raise(ctx))
	require.NoError(t, r.RegisterNode(ctx, "n1"))
	raised, err = s.Exists(ctx, paths.NodeBarrier("n1"))
	require.NoError(t, err)
	assert.False(t, raised, "re-registration lowers the barrier again")

	nodes, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Len(t, nodes[0].Slots, 1, "re-registration keeps existing slots")
}

func TestFindFreeMatchingSlot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	resp, err := r.FindFreeMatchingSlot(ctx, &model.Capabilities{BrowserName: "firefox", Version: "8+"})
	require.NoError(t, err)
	require.Equal(t, model.AllocationOK, resp.Status)
	want := &model.SlotInfo{NodeID: "n1", SlotID: "firefox-1", Capabilities: firefox("10")}
	if diff := cmp.Diff(want, resp.Slot); diff != "" {
		t.Errorf("allocated slot mismatch (-want +got):\n%s", diff)
	}

	resp, err = r.FindFreeMatchingSlot(ctx, &model.Capabilities{BrowserName: "firefox"})
	require.NoError(t, err)
	assert.Equal(t, model.AllocationNoFreeSlot, resp.Status)
	assert.Equal(t, "There are 1 matching slots, but they are all busy", resp.Message)

	resp, err = r.FindFreeMatchingSlot(ctx, &model.Capabilities{BrowserName: "chrome"})
	require.NoError(t, err)
	assert.Equal(t, model.AllocationNoMatchingSlot, resp.Status)
	assert.Equal(t, "There are no matching slots found", resp.Message)
	assert.Nil(t, resp.Slot)
}

func TestConcurrentAllocationsGetAtMostOneSlot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	const clients = 20
	results := make(chan model.AllocationStatus, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.FindFreeMatchingSlot(ctx, firefox(""))
			if assert.NoError(t, err) {
				results <- resp.Status
			}
		}()
	}
	wg.Wait()
	close(results)

	counts := make(map[model.AllocationStatus]int)
	for st := range results {
		counts[st]++
	}
	assert.Equal(t, 1, counts[model.AllocationOK])
	assert.Equal(t, clients-1, counts[model.AllocationNoFreeSlot])
}

func TestWorkerStateClearsReservation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	resp, err := r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	require.Equal(t, model.AllocationOK, resp.Status)

	st, _ := slotState(t, r, "n1", "firefox-1")
	assert.True(t, st.Reserved)

	require.NoError(t, s.Write(ctx, paths.SlotState("n1", "firefox-1"), []byte(model.SlotBusy)))
	waitState(t, r, "n1", "firefox-1", model.SlotBusy)
	st, _ = slotState(t, r, "n1", "firefox-1")
	assert.False(t, st.Reserved, "busy confirmation replaces the reservation")

	resp, err = r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationNoFreeSlot, resp.Status)

	require.NoError(t, s.Write(ctx, paths.SlotState("n1", "firefox-1"), []byte(model.SlotFree)))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)
	resp, err = r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationOK, resp.Status)
}

func TestUnconfirmedReservationExpires(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	opts := quietOpts
	opts.ReservationTimeout = 30 * time.Second
	r := startRegistry(t, s, opts, func(r *Registry) { r.now = clock.Now })

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	resp, err := r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	require.Equal(t, model.AllocationOK, resp.Status)

	clock.Advance(29 * time.Second)
	resp, err = r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationNoFreeSlot, resp.Status)

	before := testutil.ToFloat64(metrics.StaleReservationsTotal)
	clock.Advance(2 * time.Second)
	resp, err = r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationOK, resp.Status, "expired reservation frees the slot")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StaleReservationsTotal))
}

func TestSlotRemoval(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	require.NoError(t, s.Delete(ctx, paths.Slot("n1", "firefox-1")))
	require.Eventually(t, func() bool {
		_, ok := slotState(t, r, "n1", "firefox-1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationNoMatchingSlot, resp.Status)
}

func TestDeregisterNode(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	before := testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonShutdown))
	require.NoError(t, r.DeregisterNode(ctx, "n1", ReasonShutdown))
	require.NoError(t, r.DeregisterNode(ctx, "n1", ReasonShutdown))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonShutdown)))

	exists, err := s.Exists(ctx, paths.Node("n1"))
	require.NoError(t, err)
	assert.False(t, exists)

	resp, err := r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationNoMatchingSlot, resp.Status)
}

func TestAdoptExistingNodes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Create(ctx, paths.Node("n1")))
	require.NoError(t, s.Write(ctx, paths.NodeHeartbeat("n1"), []byte(model.FormatHeartbeat(time.Now()))))
	announce(t, s, "n1", "firefox-1", firefox("10"))

	r := startRegistry(t, s, quietOpts)
	require.NoError(t, r.Adopt(ctx))
	waitState(t, r, "n1", "firefox-1", model.SlotFree)

	resp, err := r.FindFreeMatchingSlot(ctx, firefox(""))
	require.NoError(t, err)
	assert.Equal(t, model.AllocationOK, resp.Status)
}

func TestWorkerRemovalDeregisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemoryStore()
	r := startRegistry(t, s, quietOpts)

	done := make(chan error, 1)
	go func() { done <- r.WatchRemovals(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, s.Create(ctx, paths.Node("n1")))
	require.NoError(t, r.RegisterNode(ctx, "n1"))

	before := testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonRemoved))
	// Recreate and delete until the watcher, which subscribes
	// asynchronously, has seen a removal.
	require.Eventually(t, func() bool {
		_ = s.Create(ctx, paths.Node("n1"))
		_ = s.Delete(ctx, paths.Node("n1"))
		nodes, err := r.Snapshot(ctx)
		return err == nil && len(nodes) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonRemoved)))
}

func TestCallsAfterStopFail(t *testing.T) {
	log, _ := testLogger()
	r := NewRegistry(store.NewMemoryStore(), capability.DefaultMatcher{}, quietOpts, log)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	_, err := r.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
