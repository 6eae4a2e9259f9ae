package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"slotgrid/internal/metrics"
	"slotgrid/internal/protocol"
	"slotgrid/pkg/capability"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

// ErrStopped is returned by registry calls made after Run has returned.
var ErrStopped = errors.New("registry stopped")

// Deregistration reasons.
const (
	ReasonDead     = "dead"
	ReasonRemoved  = "removed"
	ReasonShutdown = "shutdown"
)

type RegistryOptions struct {
	NodeLostTimeout    time.Duration
	NodeDeadTimeout    time.Duration
	ReservationTimeout time.Duration
}

type slotRecord struct {
	info model.SlotInfo
	// state is the last value seen on the slot's state path, empty until
	// the worker publishes one.
	state      model.SlotState
	reservedAt time.Time
	cancel     context.CancelFunc
}

func (s *slotRecord) reserved() bool { return !s.reservedAt.IsZero() }

func (s *slotRecord) free() bool { return s.state == model.SlotFree && !s.reserved() }

type nodeRecord struct {
	id            string
	liveness      model.Liveness
	lastHeartbeat time.Time
	slots         map[string]*slotRecord
	slotOrder     []string
	ctx           context.Context
	cancel        context.CancelFunc
}

// Registry is the broker's view of nodes and slots. The maps are owned by
// the goroutine running Run; every other goroutine reaches them through the
// mailbox.
type Registry struct {
	store   store.Store
	matcher capability.Matcher
	opts    RegistryOptions
	log     *zap.Logger
	now     func() time.Time

	mailbox chan func()
	stopped chan struct{}

	// owned by Run
	runCtx    context.Context
	nodes     map[string]*nodeRecord
	nodeOrder []string
}

func NewRegistry(s store.Store, m capability.Matcher, opts RegistryOptions, log *zap.Logger) *Registry {
	return &Registry{
		store:   s,
		matcher: m,
		opts:    opts,
		log:     log.Named("registry"),
		now:     time.Now,
		mailbox: make(chan func()),
		stopped: make(chan struct{}),
		nodes:   make(map[string]*nodeRecord),
	}
}

// Run serves the mailbox until ctx is done, then stops every node watcher.
func (r *Registry) Run(ctx context.Context) error {
	r.runCtx = ctx
	defer close(r.stopped)
	r.log.Info("registry started")
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-ctx.Done():
			for _, n := range r.nodes {
				n.cancel()
			}
			r.log.Info("registry stopped", zap.Int("nodes", len(r.nodes)))
			return nil
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (r *Registry) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case r.mailbox <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterNode admits nodeID. It is idempotent: a known node keeps its
// watchers. Either way the node's registration barrier is lowered so the
// worker can proceed.
func (r *Registry) RegisterNode(ctx context.Context, nodeID string) error {
	var added bool
	err := r.do(ctx, func() {
		if _, ok := r.nodes[nodeID]; ok {
			return
		}
		nctx, cancel := context.WithCancel(r.runCtx)
		r.nodes[nodeID] = &nodeRecord{
			id:       nodeID,
			liveness: model.NodeAlive,
			slots:    make(map[string]*slotRecord),
			ctx:      nctx,
			cancel:   cancel,
		}
		r.nodeOrder = append(r.nodeOrder, nodeID)
		metrics.NodesRegistered.Set(float64(len(r.nodes)))
		added = true

		go r.monitorHeartbeat(nctx, nodeID)
		go r.watchSlots(nctx, nodeID)
	})
	if err != nil {
		return err
	}

	if added {
		if err := r.store.Create(ctx, paths.NodeSlots(nodeID)); err != nil {
			return fmt.Errorf("register node %s: %w", nodeID, err)
		}
		r.log.Info("node registered", zap.String("node", nodeID))
	} else {
		r.log.Info("node re-registered", zap.String("node", nodeID))
	}
	return protocol.Signal(ctx, r.store, paths.NodeBarrier(nodeID))
}

// DeregisterNode forgets nodeID and removes its subtree from the store.
// Calling it for an unknown node is a no-op apart from the store delete.
func (r *Registry) DeregisterNode(ctx context.Context, nodeID, reason string) error {
	var removed bool
	err := r.do(ctx, func() {
		n, ok := r.nodes[nodeID]
		if !ok {
			return
		}
		n.cancel()
		delete(r.nodes, nodeID)
		r.nodeOrder = slices.DeleteFunc(r.nodeOrder, func(id string) bool { return id == nodeID })
		metrics.NodesRegistered.Set(float64(len(r.nodes)))
		metrics.SlotsRegistered.Sub(float64(len(n.slots)))
		metrics.RecordDeregistration(reason)
		removed = true
	})
	if err != nil {
		return err
	}
	if removed {
		r.log.Info("node deregistered", zap.String("node", nodeID), zap.String("reason", reason))
	}
	if err := r.store.Delete(ctx, paths.Node(nodeID)); err != nil {
		return fmt.Errorf("deregister node %s: %w", nodeID, err)
	}
	return nil
}

// OnSlotAnnounced records a slot and starts mirroring its state path.
func (r *Registry) OnSlotAnnounced(ctx context.Context, nodeID, slotID string, caps *model.Capabilities) error {
	return r.do(ctx, func() {
		r.addSlot(nodeID, slotID, caps)
	})
}

func (r *Registry) addSlot(nodeID, slotID string, caps *model.Capabilities) {
	n, ok := r.nodes[nodeID]
	if !ok {
		r.log.Warn("slot announced for unknown node", zap.String("node", nodeID), zap.String("slot", slotID))
		return
	}
	if _, ok := n.slots[slotID]; ok {
		return
	}
	sctx, cancel := context.WithCancel(n.ctx)
	n.slots[slotID] = &slotRecord{
		info:   model.SlotInfo{NodeID: nodeID, SlotID: slotID, Capabilities: caps},
		cancel: cancel,
	}
	n.slotOrder = append(n.slotOrder, slotID)
	metrics.SlotsRegistered.Inc()
	r.log.Info("slot announced",
		zap.String("node", nodeID),
		zap.String("slot", slotID),
		zap.Stringer("capabilities", caps))

	go r.watchSlotState(sctx, nodeID, slotID)
}

// OnSlotRemoved forgets a slot.
func (r *Registry) OnSlotRemoved(ctx context.Context, nodeID, slotID string) error {
	return r.do(ctx, func() {
		r.removeSlot(nodeID, slotID)
	})
}

func (r *Registry) removeSlot(nodeID, slotID string) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	s, ok := n.slots[slotID]
	if !ok {
		return
	}
	s.cancel()
	delete(n.slots, slotID)
	n.slotOrder = slices.DeleteFunc(n.slotOrder, func(id string) bool { return id == slotID })
	metrics.SlotsRegistered.Dec()
	r.log.Info("slot removed", zap.String("node", nodeID), zap.String("slot", slotID))
}

func (r *Registry) setSlotState(nodeID, slotID string, state model.SlotState) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	s, ok := n.slots[slotID]
	if !ok {
		return
	}
	s.state = state
	// Any state the worker publishes supersedes our own guess.
	s.reservedAt = time.Time{}
}

func (r *Registry) setLiveness(nodeID string, l model.Liveness, last time.Time) {
	if n, ok := r.nodes[nodeID]; ok {
		n.liveness = l
		n.lastHeartbeat = last
	}
}

// Snapshot copies the registry for status reporting.
func (r *Registry) Snapshot(ctx context.Context) ([]model.NodeStatus, error) {
	var out []model.NodeStatus
	err := r.do(ctx, func() {
		r.expireReservations()
		out = make([]model.NodeStatus, 0, len(r.nodes))
		for _, id := range r.nodeOrder {
			n := r.nodes[id]
			ns := model.NodeStatus{
				NodeID:        id,
				Liveness:      n.liveness,
				LastHeartbeat: n.lastHeartbeat,
				Slots:         make([]model.SlotStatus, 0, len(n.slots)),
			}
			for _, sid := range n.slotOrder {
				s := n.slots[sid]
				ns.Slots = append(ns.Slots, model.SlotStatus{
					SlotID:       sid,
					Capabilities: s.info.Capabilities.Clone(),
					State:        s.state,
					Reserved:     s.reserved(),
				})
			}
			out = append(out, ns)
		}
	})
	return out, err
}
