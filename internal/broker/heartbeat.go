package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"slotgrid/internal/metrics"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

// Classify maps the age of a node's last heartbeat to its liveness.
func Classify(elapsed, lostTimeout, deadTimeout time.Duration) model.Liveness {
	switch {
	case elapsed > deadTimeout:
		return model.NodeDead
	case elapsed > lostTimeout:
		return model.NodeLost
	default:
		return model.NodeAlive
	}
}

// monitorHeartbeat checks nodeID every half lost timeout until the node is
// dead or ctx is done. A dead node is deregistered once and the monitor
// exits.
func (r *Registry) monitorHeartbeat(ctx context.Context, nodeID string) {
	log := r.log.With(zap.String("node", nodeID))
	ticker := time.NewTicker(r.opts.NodeLostTimeout / 2)
	defer ticker.Stop()

	prev := model.NodeAlive
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		last, err := r.readHeartbeat(ctx, nodeID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("heartbeat check failed", zap.Error(err))
			continue
		}

		liveness := Classify(r.now().Sub(last), r.opts.NodeLostTimeout, r.opts.NodeDeadTimeout)
		if liveness != prev {
			metrics.RecordLivenessTransition(string(liveness))
			switch liveness {
			case model.NodeLost:
				log.Warn("node lost", zap.Time("lastHeartbeat", last))
			case model.NodeAlive:
				log.Info("node alive again")
			}
			prev = liveness
		}
		_ = r.do(ctx, func() { r.setLiveness(nodeID, liveness, last) })

		if liveness == model.NodeDead {
			log.Warn("node dead", zap.Time("lastHeartbeat", last))
			if err := r.DeregisterNode(context.WithoutCancel(ctx), nodeID, ReasonDead); err != nil {
				log.Error("deregister dead node", zap.Error(err))
			}
			return
		}
	}
}

// readHeartbeat returns the node's last heartbeat, seeding the path with
// the current time when the worker has not written one yet.
func (r *Registry) readHeartbeat(ctx context.Context, nodeID string) (time.Time, error) {
	path := paths.NodeHeartbeat(nodeID)
	data, err := r.store.Read(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		now := r.now()
		if err := r.store.Write(ctx, path, []byte(model.FormatHeartbeat(now))); err != nil {
			return time.Time{}, fmt.Errorf("seed heartbeat: %w", err)
		}
		return now, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return model.ParseHeartbeat(data)
}
