package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"slotgrid/internal/config"
	"slotgrid/internal/protocol"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

type AgentOptions struct {
	RegistrationTimeout time.Duration
	// ReregisterInterval is the minimum gap between re-registrations
	// triggered by reconnects.
	ReregisterInterval time.Duration
	Slot               SlotOptions
}

// Agent is one worker node: it registers with the broker, keeps its
// heartbeat fresh and runs a Slot per configured browser instance.
type Agent struct {
	ID    string
	store store.Store
	opts  AgentOptions
	slots []*Slot
	log   *zap.Logger

	limiter *rate.Limiter

	hbMu     sync.Mutex
	hbPeriod time.Duration
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// NewAgent builds maxInstances slots per profile, named "<profile>-<n>".
func NewAgent(s store.Store, profiles []config.SlotProfile, newBackend BackendFactory, opts AgentOptions, log *zap.Logger) *Agent {
	id := uuid.NewString()
	log = log.Named("agent").With(zap.String("node", id))

	a := &Agent{
		ID:      id,
		store:   s,
		opts:    opts,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(opts.ReregisterInterval), 1),
	}
	for _, p := range profiles {
		caps := p.Capabilities()
		for n := 1; n <= p.MaxInstances; n++ {
			slotID := p.Name + "-" + strconv.Itoa(n)
			a.slots = append(a.slots, NewSlot(s, id, slotID, caps, newBackend(p), opts.Slot, log))
		}
	}
	return a
}

func (a *Agent) Slots() []*Slot {
	return a.slots
}

// SlotViews reports the current state of every slot.
func (a *Agent) SlotViews() []SlotView {
	views := make([]SlotView, 0, len(a.slots))
	for _, s := range a.slots {
		views = append(views, s.View())
	}
	return views
}

// Run registers the node and serves its slots until ctx is done. A failed
// initial registration is returned as an error; the node never serves
// slots the broker does not know about.
func (a *Agent) Run(ctx context.Context) error {
	states := a.store.ConnectionEvents(ctx)

	hub, err := a.register(ctx)
	if err != nil {
		return fmt.Errorf("register node %s: %w", a.ID, err)
	}
	a.log.Info("node registered", zap.Duration("heartbeatPeriod", hub.HeartbeatInterval()), zap.Int("slots", len(a.slots)))
	a.startHeartbeat(ctx, hub.HeartbeatInterval())
	defer a.stopHeartbeat()

	for _, s := range a.slots {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.announce(ctx); err != nil {
		return err
	}

	for st := range states {
		a.onConnectionState(ctx, st)
	}
	for _, s := range a.slots {
		<-s.Done()
	}
	return nil
}

// Shutdown removes the node from the store so the broker forgets it
// without waiting for the dead timeout.
func (a *Agent) Shutdown(ctx context.Context) error {
	if err := a.store.Delete(ctx, paths.Node(a.ID)); err != nil {
		return fmt.Errorf("unregister node %s: %w", a.ID, err)
	}
	a.log.Info("node unregistered")
	return nil
}

func (a *Agent) register(ctx context.Context) (model.HubConfig, error) {
	if err := a.store.Create(ctx, paths.Node(a.ID)); err != nil {
		return model.HubConfig{}, err
	}
	ex := protocol.Exchange{
		Name:        "registration",
		BarrierPath: paths.NodeBarrier(a.ID),
		ResultPath:  paths.Hub,
		Timeout:     a.opts.RegistrationTimeout,
	}
	hub, err := protocol.Call[string, model.HubConfig](ctx, a.store, ex, a.store.Queue(paths.RegistrationQueue).Put, a.ID)
	if err != nil {
		return model.HubConfig{}, err
	}
	if hub.HeartBeatPeriod <= 0 {
		return model.HubConfig{}, fmt.Errorf("broker published heartbeat period %dms", hub.HeartBeatPeriod)
	}
	return hub, nil
}

func (a *Agent) announce(ctx context.Context) error {
	for _, s := range a.slots {
		if err := s.Announce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) onConnectionState(ctx context.Context, st store.ConnState) {
	switch st {
	case store.StateSuspended:
		a.log.Warn("store connection suspended, pausing heartbeat")
		a.stopHeartbeat()
	case store.StateLost:
		a.log.Error("store connection lost, destroying all sessions")
		a.stopHeartbeat()
		for _, s := range a.slots {
			s.DestroySession()
		}
	case store.StateReconnected:
		a.log.Info("store connection restored, registering again")
		a.recover(ctx)
	}
}

func (a *Agent) recover(ctx context.Context) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	period := a.heartbeatPeriod()
	if hub, err := a.register(ctx); err != nil {
		a.log.Error("re-registration failed", zap.Error(err))
	} else {
		period = hub.HeartbeatInterval()
	}
	if err := a.announce(ctx); err != nil {
		a.log.Error("re-announcing slots failed", zap.Error(err))
	}
	a.startHeartbeat(ctx, period)
}

func (a *Agent) heartbeatPeriod() time.Duration {
	a.hbMu.Lock()
	defer a.hbMu.Unlock()
	return a.hbPeriod
}

// startHeartbeat starts the emitter unless it is already running.
func (a *Agent) startHeartbeat(ctx context.Context, period time.Duration) {
	a.hbMu.Lock()
	defer a.hbMu.Unlock()
	a.hbPeriod = period
	if a.hbCancel != nil {
		return
	}
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.hbCancel, a.hbDone = cancel, done
	go func() {
		defer close(done)
		a.emitHeartbeats(hctx, period)
	}()
}

func (a *Agent) stopHeartbeat() {
	a.hbMu.Lock()
	cancel, done := a.hbCancel, a.hbDone
	a.hbCancel, a.hbDone = nil, nil
	a.hbMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *Agent) emitHeartbeats(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		err := a.store.Write(ctx, paths.NodeHeartbeat(a.ID), []byte(model.FormatHeartbeat(time.Now())))
		if err != nil && ctx.Err() == nil {
			a.log.Warn("heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
