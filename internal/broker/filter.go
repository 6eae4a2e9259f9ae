package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slotgrid/internal/metrics"
	"slotgrid/pkg/model"
)

// FindFreeMatchingSlot scans every slot of every node in registration
// order. The first free slot matching caps is reserved and returned; the
// reservation keeps it from being offered again until the worker publishes
// its next state.
func (r *Registry) FindFreeMatchingSlot(ctx context.Context, caps *model.Capabilities) (model.AllocationResponse, error) {
	var resp model.AllocationResponse
	err := r.do(ctx, func() {
		r.expireReservations()
		resp = r.filterSlots(caps)
	})
	return resp, err
}

// filterSlots must run on the owner goroutine.
func (r *Registry) filterSlots(caps *model.Capabilities) model.AllocationResponse {
	busy := 0
	for _, nodeID := range r.nodeOrder {
		n := r.nodes[nodeID]
		for _, slotID := range n.slotOrder {
			s := n.slots[slotID]
			if !r.matcher.Matches(s.info.Capabilities, caps) {
				continue
			}
			if !s.free() {
				busy++
				continue
			}
			s.reservedAt = r.now()
			r.log.Info("slot allocated",
				zap.String("node", nodeID),
				zap.String("slot", slotID),
				zap.Stringer("requested", caps))
			info := s.info
			info.Capabilities = s.info.Capabilities.Clone()
			return model.AllocationResponse{Status: model.AllocationOK, Slot: &info}
		}
	}

	if busy > 0 {
		return model.AllocationResponse{
			Status:  model.AllocationNoFreeSlot,
			Message: fmt.Sprintf("There are %d matching slots, but they are all busy", busy),
		}
	}
	return model.AllocationResponse{
		Status:  model.AllocationNoMatchingSlot,
		Message: "There are no matching slots found",
	}
}

// expireReservations drops reservations the worker never confirmed. It
// must run on the owner goroutine.
func (r *Registry) expireReservations() {
	if r.opts.ReservationTimeout <= 0 {
		return
	}
	now := r.now()
	for _, nodeID := range r.nodeOrder {
		n := r.nodes[nodeID]
		for _, slotID := range n.slotOrder {
			s := n.slots[slotID]
			if !s.reserved() || now.Sub(s.reservedAt) < r.opts.ReservationTimeout {
				continue
			}
			r.log.Warn("slot reservation expired without confirmation",
				zap.String("node", nodeID),
				zap.String("slot", slotID),
				zap.Duration("age", now.Sub(s.reservedAt)))
			metrics.StaleReservationsTotal.Inc()
			s.reservedAt = time.Time{}
		}
	}
}
