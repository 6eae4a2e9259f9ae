package broker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotgrid/internal/protocol"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

func startBroker(t *testing.T, s store.Store) *Broker {
	t.Helper()
	log, _ := testLogger()
	hub := model.HubConfig{HeartBeatPeriod: 2000, NodeLostTimeout: 60000, NodeDeadTimeout: 120000}
	b := New(s, hub, quietOpts, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return b
}

func register(t *testing.T, s store.Store, nodeID string) model.HubConfig {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, paths.Node(nodeID)))
	ex := protocol.Exchange{
		Name:        "registration",
		BarrierPath: paths.NodeBarrier(nodeID),
		ResultPath:  paths.Hub,
		Timeout:     2 * time.Second,
	}
	hub, err := protocol.Call[string, model.HubConfig](ctx, s, ex, s.Queue(paths.RegistrationQueue).Put, nodeID)
	require.NoError(t, err)
	return hub
}

func allocate(t *testing.T, s store.Store, clientID string, caps *model.Capabilities) model.AllocationResponse {
	t.Helper()
	req := model.AllocationRequest{RequestID: uuid.NewString(), ClientID: clientID, Capabilities: caps}
	ex := protocol.Exchange{
		Name:        "allocation",
		BarrierPath: paths.ClientBarrier(clientID),
		ResultPath:  paths.ClientSlot(clientID),
		Timeout:     2 * time.Second,
		RequestID:   req.RequestID,
	}
	resp, err := protocol.Call[model.AllocationRequest, model.AllocationResponse](context.Background(), s, ex, s.Queue(paths.NewSessionQueue).Put, req)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, resp.RequestID)
	return resp
}

func TestBrokerRegistrationAndAllocation(t *testing.T) {
	s := store.NewMemoryStore()
	b := startBroker(t, s)

	hub := register(t, s, "n1")
	assert.Equal(t, int64(2000), hub.HeartBeatPeriod)

	assert.Equal(t, model.AllocationNoMatchingSlot, allocate(t, s, "c1", firefox("")).Status)

	announce(t, s, "n1", "firefox-1", firefox("10"))
	waitState(t, b.Registry(), "n1", "firefox-1", model.SlotFree)

	resp := allocate(t, s, "c1", &model.Capabilities{BrowserName: "firefox", Version: "9+"})
	require.Equal(t, model.AllocationOK, resp.Status)
	assert.Equal(t, "n1", resp.Slot.NodeID)
	assert.Equal(t, "firefox-1", resp.Slot.SlotID)

	resp = allocate(t, s, "c2", firefox(""))
	assert.Equal(t, model.AllocationNoFreeSlot, resp.Status)
}

func TestBrokerRegistrationIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	b := startBroker(t, s)

	register(t, s, "n1")
	register(t, s, "n1")

	nodes, err := b.Registry().Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestBrokerAllocationWithoutCapabilities(t *testing.T) {
	s := store.NewMemoryStore()
	b := startBroker(t, s)

	register(t, s, "n1")
	announce(t, s, "n1", "chrome-1", &model.Capabilities{BrowserName: "chrome"})
	waitState(t, b.Registry(), "n1", "chrome-1", model.SlotFree)

	assert.Equal(t, model.AllocationOK, allocate(t, s, "c1", nil).Status, "an empty request matches any slot")
}

func TestBrokerSkipsMalformedRequests(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	startBroker(t, s)

	require.NoError(t, s.Queue(paths.NewSessionQueue).Put(ctx, []byte("{not json")))
	require.NoError(t, s.Queue(paths.RegistrationQueue).Put(ctx, []byte(`""`)))

	assert.Equal(t, model.AllocationNoMatchingSlot, allocate(t, s, "c1", firefox("")).Status, "the queue keeps flowing")
}

func TestBrokerPublishesHubConfig(t *testing.T) {
	s := store.NewMemoryStore()
	startBroker(t, s)

	require.Eventually(t, func() bool {
		var hub model.HubConfig
		err := store.GetJSON(context.Background(), s, paths.Hub, &hub)
		return err == nil && hub.NodeDeadTimeout == 120000
	}, 2*time.Second, 5*time.Millisecond)
}
