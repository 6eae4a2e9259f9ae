package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

// watchSlots mirrors the children of the node's slots path into the
// registry until ctx is done.
func (r *Registry) watchSlots(ctx context.Context, nodeID string) {
	log := r.log.With(zap.String("node", nodeID))
	events, err := r.store.WatchChildren(ctx, paths.NodeSlots(nodeID))
	if err != nil {
		if ctx.Err() == nil {
			log.Error("watch slots", zap.Error(err))
		}
		return
	}
	for ev := range events {
		slotID := ev.Name()
		switch ev.Type {
		case store.EventAdded:
			var caps model.Capabilities
			if err := json.Unmarshal(ev.Value, &caps); err != nil {
				log.Warn("ignoring slot with unreadable capabilities", zap.String("slot", slotID), zap.Error(err))
				continue
			}
			if err := r.OnSlotAnnounced(ctx, nodeID, slotID, &caps); err != nil {
				return
			}
		case store.EventRemoved:
			if err := r.OnSlotRemoved(ctx, nodeID, slotID); err != nil {
				return
			}
		}
	}
}

// watchSlotState copies the worker's published slot state into the record.
func (r *Registry) watchSlotState(ctx context.Context, nodeID, slotID string) {
	events, err := r.store.WatchValue(ctx, paths.SlotState(nodeID, slotID))
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("watch slot state", zap.String("node", nodeID), zap.String("slot", slotID), zap.Error(err))
		}
		return
	}
	for ev := range events {
		state := model.SlotState(ev.Value)
		if ev.Type == store.EventRemoved {
			state = ""
		}
		if err := r.do(ctx, func() { r.setSlotState(nodeID, slotID, state) }); err != nil {
			return
		}
	}
}

// Adopt registers every node already present under /nodes, so a restarted
// broker resumes monitoring workers that registered with its predecessor.
func (r *Registry) Adopt(ctx context.Context) error {
	ids, err := r.store.Children(ctx, paths.Nodes)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	for _, id := range ids {
		if err := r.RegisterNode(ctx, id); err != nil {
			return fmt.Errorf("adopt node %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		r.log.Info("adopted existing nodes", zap.Int("count", len(ids)))
	}
	return nil
}

// WatchRemovals deregisters nodes whose path disappears, which is how a
// worker announces a clean shutdown.
func (r *Registry) WatchRemovals(ctx context.Context) error {
	events, err := r.store.WatchChildren(ctx, paths.Nodes)
	if err != nil {
		return fmt.Errorf("watch nodes: %w", err)
	}
	for ev := range events {
		if ev.Type != store.EventRemoved {
			continue
		}
		if err := r.DeregisterNode(ctx, ev.Name(), ReasonRemoved); err != nil && ctx.Err() == nil {
			r.log.Error("deregister removed node", zap.String("node", ev.Name()), zap.Error(err))
		}
	}
	return nil
}
