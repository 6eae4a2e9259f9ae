package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slotgrid/pkg/capability"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

// Broker is the single coordinator of a grid. It admits workers, watches
// their liveness and hands out slots to clients.
type Broker struct {
	store    store.Store
	hub      model.HubConfig
	registry *Registry
	log      *zap.Logger
}

// New builds a broker. A nil matcher selects capability.DefaultMatcher.
func New(s store.Store, hub model.HubConfig, opts RegistryOptions, m capability.Matcher, log *zap.Logger) *Broker {
	if m == nil {
		m = capability.DefaultMatcher{}
	}
	log = log.Named("broker")
	return &Broker{
		store:    s,
		hub:      hub,
		registry: NewRegistry(s, m, opts, log),
		log:      log,
	}
}

// Registry exposes the node registry for status reporting.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Run publishes the hub configuration and serves registrations and
// allocations until ctx is done or a subsystem fails.
func (b *Broker) Run(ctx context.Context) error {
	if err := store.PutJSON(ctx, b.store, paths.Hub, b.hub); err != nil {
		return fmt.Errorf("publish hub config: %w", err)
	}
	b.log.Info("broker started",
		zap.Duration("heartbeatPeriod", b.hub.HeartbeatInterval()),
		zap.Duration("nodeLostTimeout", b.registry.opts.NodeLostTimeout),
		zap.Duration("nodeDeadTimeout", b.registry.opts.NodeDeadTimeout))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.registry.Run(ctx)
	})
	g.Go(func() error {
		if err := b.registry.Adopt(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		return b.registry.WatchRemovals(ctx)
	})
	g.Go(func() error {
		return b.consumeRegistrations(ctx)
	})
	g.Go(func() error {
		return b.consumeAllocations(ctx)
	})

	err := g.Wait()
	b.log.Info("broker stopped", zap.Error(err))
	return err
}
