package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"slotgrid/internal/metrics"
	"slotgrid/internal/protocol"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
)

// consumeRegistrations admits one worker per queued node id.
func (b *Broker) consumeRegistrations(ctx context.Context) error {
	err := b.store.Queue(paths.RegistrationQueue).Consume(ctx, func(ctx context.Context, item []byte) {
		var nodeID string
		if err := json.Unmarshal(item, &nodeID); err != nil || nodeID == "" {
			b.log.Warn("dropping malformed registration request", zap.ByteString("item", item))
			metrics.RecordDropped(metrics.DropMalformed)
			return
		}
		if err := b.registry.RegisterNode(ctx, nodeID); err != nil && ctx.Err() == nil {
			b.log.Error("register node", zap.String("node", nodeID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("registration queue: %w", err)
	}
	return nil
}

// consumeAllocations answers allocation requests strictly one at a time.
func (b *Broker) consumeAllocations(ctx context.Context) error {
	err := b.store.Queue(paths.NewSessionQueue).Consume(ctx, func(ctx context.Context, item []byte) {
		var req model.AllocationRequest
		if err := json.Unmarshal(item, &req); err != nil || req.ClientID == "" {
			b.log.Warn("dropping malformed allocation request", zap.ByteString("item", item))
			metrics.RecordDropped(metrics.DropMalformed)
			return
		}
		if req.Capabilities == nil {
			req.Capabilities = &model.Capabilities{}
		}

		resp, err := b.registry.FindFreeMatchingSlot(ctx, req.Capabilities)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Error("allocate slot", zap.String("client", req.ClientID), zap.Error(err))
			}
			return
		}
		metrics.RecordAllocation(string(resp.Status))
		resp.RequestID = req.RequestID

		log := b.log.With(zap.String("client", req.ClientID), zap.String("status", string(resp.Status)))
		if resp.Slot != nil {
			log = log.With(zap.Stringer("slot", resp.Slot))
		}
		log.Info("allocation answered")

		if err := protocol.Reply(ctx, b.store, paths.ClientSlot(req.ClientID), paths.ClientBarrier(req.ClientID), resp); err != nil {
			log.Error("reply to client", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("new session queue: %w", err)
	}
	return nil
}
