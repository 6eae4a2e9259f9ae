package broker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotgrid/internal/metrics"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

func TestClassify(t *testing.T) {
	lost, dead := 10*time.Second, 20*time.Second
	tests := []struct {
		elapsed time.Duration
		want    model.Liveness
	}{
		{0, model.NodeAlive},
		{10 * time.Second, model.NodeAlive},
		{10*time.Second + time.Millisecond, model.NodeLost},
		{20 * time.Second, model.NodeLost},
		{20*time.Second + time.Millisecond, model.NodeDead},
		{time.Hour, model.NodeDead},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.elapsed, lost, dead), "elapsed %s", tt.elapsed)
	}
}

func TestHeartbeatFormat(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	got, err := model.ParseHeartbeat([]byte(model.FormatHeartbeat(ts)))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	_, err = model.ParseHeartbeat([]byte("yesterday"))
	assert.Error(t, err)
}

var fastOpts = RegistryOptions{
	NodeLostTimeout:    40 * time.Millisecond,
	NodeDeadTimeout:    80 * time.Millisecond,
	ReservationTimeout: time.Minute,
}

func TestDeadNodeIsDeregisteredOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, fastOpts)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, s.Write(ctx, paths.NodeHeartbeat("n1"), []byte(model.FormatHeartbeat(stale))))

	before := testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonDead))
	require.NoError(t, r.RegisterNode(ctx, "n1"))

	require.Eventually(t, func() bool {
		nodes, err := r.Snapshot(ctx)
		return err == nil && len(nodes) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Further ticks must not deregister again.
	time.Sleep(5 * fastOpts.NodeLostTimeout)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonDead)))

	exists, err := s.Exists(ctx, paths.Node("n1"))
	require.NoError(t, err)
	assert.False(t, exists, "the node subtree is removed")
}

func TestReRegistrationKeepsOneHeartbeatMonitor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	log, logs := testLogger()
	r := startRegistry(t, s, fastOpts, func(r *Registry) { r.log = log })

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, s.Write(ctx, paths.NodeHeartbeat("n1"), []byte(model.FormatHeartbeat(stale))))

	before := testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonDead))
	require.NoError(t, r.RegisterNode(ctx, "n1"))
	require.NoError(t, r.RegisterNode(ctx, "n1"))

	require.Eventually(t, func() bool {
		nodes, err := r.Snapshot(ctx)
		return err == nil && len(nodes) == 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(5 * fastOpts.NodeLostTimeout)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DeregistrationsTotal.WithLabelValues(ReasonDead)))
	assert.Equal(t, 1, logs.FilterMessage("node dead").Len(), "a second monitor would report the death again")
	assert.Equal(t, 1, logs.FilterMessage("node re-registered").Len())
}

func TestLostNodeIsRetained(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	opts := fastOpts
	opts.NodeDeadTimeout = time.Hour
	r := startRegistry(t, s, opts)

	require.NoError(t, s.Write(ctx, paths.NodeHeartbeat("n1"), []byte(model.FormatHeartbeat(time.Now().Add(-time.Minute)))))
	require.NoError(t, r.RegisterNode(ctx, "n1"))

	require.Eventually(t, func() bool {
		nodes, err := r.Snapshot(ctx)
		return err == nil && len(nodes) == 1 && nodes[0].Liveness == model.NodeLost
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Write(ctx, paths.NodeHeartbeat("n1"), []byte(model.FormatHeartbeat(time.Now().Add(time.Minute)))))
	require.Eventually(t, func() bool {
		nodes, err := r.Snapshot(ctx)
		return err == nil && len(nodes) == 1 && nodes[0].Liveness == model.NodeAlive
	}, 2*time.Second, 5*time.Millisecond, "a fresh heartbeat revives the node")
}

func TestMissingHeartbeatIsSeeded(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	opts := fastOpts
	opts.NodeDeadTimeout = time.Hour
	r := startRegistry(t, s, opts)

	require.NoError(t, r.RegisterNode(ctx, "n1"))
	require.Eventually(t, func() bool {
		_, err := s.Read(ctx, paths.NodeHeartbeat("n1"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	nodes, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "a node without heartbeat is not treated as dead")
}

func TestMalformedHeartbeatNeverKills(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := startRegistry(t, s, fastOpts)

	require.NoError(t, s.Write(ctx, paths.NodeHeartbeat("n1"), []byte("garbage")))
	require.NoError(t, r.RegisterNode(ctx, "n1"))

	time.Sleep(4 * fastOpts.NodeDeadTimeout)
	nodes, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}
