package client

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"slotgrid/internal/broker"
	"slotgrid/internal/config"
	"slotgrid/internal/protocol"
	"slotgrid/internal/worker"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testConfig = config.ClientConfig{
	AllocationTimeout: 2 * time.Second,
	CommandTimeout:    2 * time.Second,
}

// echoBackend answers every command with its own name.
var echoBackend = worker.BackendFunc(func(ctx context.Context, cmd model.Command) model.Response {
	switch cmd.Name {
	case model.CommandNewSession:
		return model.Response{Status: model.StatusSuccess, SessionID: "s-" + cmd.Name}
	}
	return model.Response{Status: model.StatusSuccess, SessionID: cmd.SessionID, Value: []byte(`"` + cmd.Name + `"`)}
})

// startGrid runs a broker and one worker with a single firefox slot on s.
func startGrid(t *testing.T, s store.Store, backend worker.Backend) *worker.Agent {
	t.Helper()
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())

	b := broker.New(s, model.HubConfig{HeartBeatPeriod: 1000, NodeLostTimeout: 60000, NodeDeadTimeout: 120000},
		broker.RegistryOptions{NodeLostTimeout: time.Minute, NodeDeadTimeout: 2 * time.Minute, ReservationTimeout: time.Minute},
		nil, log)
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		_ = b.Run(ctx)
	}()

	profile := config.SlotProfile{Name: "firefox", BrowserName: "firefox", Version: "115", Platform: "LINUX", MaxInstances: 1}
	a := worker.NewAgent(s, []config.SlotProfile{profile}, func(config.SlotProfile) worker.Backend { return backend },
		worker.AgentOptions{
			RegistrationTimeout: 2 * time.Second,
			Slot:                worker.SlotOptions{InactivityTimeout: time.Minute, ExecutionTimeout: time.Second},
		}, log)
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		_ = a.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-agentDone
		<-brokerDone
	})

	require.Eventually(t, func() bool {
		nodes, err := b.Registry().Snapshot(context.Background())
		return err == nil && len(nodes) == 1 && len(nodes[0].Slots) == 1 && nodes[0].Slots[0].State == model.SlotFree
	}, 2*time.Second, 5*time.Millisecond)
	return a
}

func newSession(browser string) model.Command {
	return model.Command{
		Name:       model.CommandNewSession,
		Parameters: map[string]any{"desiredCapabilities": map[string]any{"browserName": browser}},
	}
}

func TestClientSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	a := startGrid(t, s, echoBackend)
	c := New(s, testConfig, zap.NewNop())

	resp, err := c.Execute(ctx, newSession("firefox"))
	require.NoError(t, err)
	require.True(t, resp.Succeeded())
	assert.Equal(t, "s-newSession", c.SessionID())

	slot, ok := c.Slot()
	require.True(t, ok)
	assert.Equal(t, a.ID, slot.NodeID)
	assert.Equal(t, "firefox-1", slot.SlotID)

	resp, err = c.Execute(ctx, model.Command{Name: "getTitle"})
	require.NoError(t, err)
	assert.Equal(t, "s-newSession", resp.SessionID)
	assert.JSONEq(t, `"getTitle"`, string(resp.Value))

	resp, err = c.Quit(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
	assert.Empty(t, c.SessionID())
	_, ok = c.Slot()
	assert.False(t, ok)

	require.NoError(t, c.Close(ctx))
	exists, err := s.Exists(ctx, paths.Client(c.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClientAllocationOutcomes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	startGrid(t, s, echoBackend)

	first := New(s, testConfig, zap.NewNop())
	resp, err := first.Execute(ctx, newSession("firefox"))
	require.NoError(t, err)
	require.True(t, resp.Succeeded())

	second := New(s, testConfig, zap.NewNop())
	resp, err = second.Execute(ctx, newSession("firefox"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSessionNotCreated, resp.Status)
	assert.Contains(t, string(resp.Value), "busy")

	resp, err = second.Execute(ctx, newSession("chrome"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusSessionNotCreated, resp.Status)
	assert.Contains(t, string(resp.Value), "no matching slots")

	_, ok := second.Slot()
	assert.False(t, ok)
}

func TestClientAllocate(t *testing.T) {
	s := store.NewMemoryStore()
	a := startGrid(t, s, echoBackend)
	c := New(s, testConfig, zap.NewNop())

	resp, err := c.Allocate(context.Background(), &model.Capabilities{BrowserName: "firefox", Version: "100+"})
	require.NoError(t, err)
	require.Equal(t, model.AllocationOK, resp.Status)

	want := &model.SlotInfo{
		NodeID:       a.ID,
		SlotID:       "firefox-1",
		Capabilities: &model.Capabilities{BrowserName: "firefox", Version: "115", Platform: "LINUX"},
	}
	if diff := cmp.Diff(want, resp.Slot); diff != "" {
		t.Errorf("allocated slot mismatch (-want +got):\n%s", diff)
	}
}

func TestClientAllocationTimeout(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := testConfig
	cfg.AllocationTimeout = 50 * time.Millisecond
	c := New(s, cfg, zap.NewNop())

	_, err := c.Allocate(context.Background(), &model.Capabilities{BrowserName: "firefox"})
	require.ErrorIs(t, err, ErrAllocationTimeout)
	assert.ErrorIs(t, err, protocol.ErrTimeout)

	_, err = c.Execute(context.Background(), newSession("firefox"))
	assert.ErrorIs(t, err, ErrAllocationTimeout)
}

func TestClientCommandTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	slow := worker.BackendFunc(func(ctx context.Context, cmd model.Command) model.Response {
		if cmd.Name == "sleep" {
			time.Sleep(200 * time.Millisecond)
		}
		return echoBackend(ctx, cmd)
	})
	startGrid(t, s, slow)

	cfg := testConfig
	cfg.CommandTimeout = 50 * time.Millisecond
	c := New(s, cfg, zap.NewNop())
	_, err := c.Execute(ctx, newSession("firefox"))
	require.NoError(t, err)

	_, err = c.Execute(ctx, model.Command{Name: "sleep"})
	require.ErrorIs(t, err, ErrCommandTimeout)

	// The worker still holds the session.
	assert.Equal(t, "s-newSession", c.SessionID())
	time.Sleep(250 * time.Millisecond)
}

func TestClientWithoutSession(t *testing.T) {
	c := New(store.NewMemoryStore(), testConfig, zap.NewNop())

	_, err := c.Execute(context.Background(), model.Command{Name: "getTitle"})
	assert.ErrorIs(t, err, ErrNoSession)

	resp, err := c.Quit(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
}

func TestCapabilitiesFromParameters(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		want   *model.Capabilities
	}{
		{
			name:   "nil",
			params: nil,
			want:   &model.Capabilities{},
		},
		{
			name:   "flat",
			params: map[string]any{"browserName": "chrome", "platform": "LINUX"},
			want:   &model.Capabilities{BrowserName: "chrome", Platform: "LINUX"},
		},
		{
			name: "desired capabilities",
			params: map[string]any{
				"desiredCapabilities": map[string]any{"browserName": "firefox", "javascriptEnabled": true},
				"ignored":             "x",
			},
			want: &model.Capabilities{BrowserName: "firefox", Extra: map[string]string{"javascriptEnabled": "true"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, CapabilitiesFromParameters(tt.params)); diff != "" {
				t.Errorf("CapabilitiesFromParameters() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
