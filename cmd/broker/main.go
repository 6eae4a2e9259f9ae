package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slotgrid/internal/broker"
	"slotgrid/internal/config"
	"slotgrid/internal/logging"
	"slotgrid/internal/server"
	"slotgrid/pkg/store"
)

func main() {
	// Flag defaults come from the environment, so the env file goes first.
	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dev bool
	cfg := config.NewBrokerConfig()

	cmd := &cobra.Command{
		Use:          "broker",
		Short:        "Run the slotgrid broker",
		Long:         "Admit worker nodes, watch their heartbeats and allocate slots to clients.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: dev})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cmd.Context(), cfg, log)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&dev, "dev", false, "human readable logs")
	f.StringSliceVar(&cfg.Store.Endpoints, "etcd", cfg.Store.Endpoints, "etcd endpoints")
	f.StringVar(&cfg.Store.Namespace, "namespace", cfg.Store.Namespace, "key prefix of the grid in etcd")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "status and metrics listen address")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.DurationVar(&cfg.HeartbeatPeriod, "heartbeat-period", cfg.HeartbeatPeriod, "heartbeat period announced to workers")
	f.DurationVar(&cfg.NodeLostTimeout, "node-lost-timeout", cfg.NodeLostTimeout, "heartbeat age after which a node is lost")
	f.DurationVar(&cfg.NodeDeadTimeout, "node-dead-timeout", cfg.NodeDeadTimeout, "heartbeat age after which a node is removed")
	f.DurationVar(&cfg.ReservationTimeout, "reservation-timeout", cfg.ReservationTimeout, "how long an allocated slot may stay unconfirmed")
	return cmd
}

func run(ctx context.Context, cfg *config.BrokerConfig, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	etcd, err := store.NewEtcdManager(cfg.Store.Endpoints,
		store.WithNamespace(cfg.Store.Namespace),
		store.WithDialTimeout(cfg.Store.DialTimeout),
		store.WithLostAfter(cfg.Store.LostAfter),
		store.WithLogger(log))
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer etcd.Close()
	log.Info("connected to etcd", zap.Strings("endpoints", cfg.Store.Endpoints), zap.String("namespace", cfg.Store.Namespace))

	b := broker.New(etcd, cfg.HubConfig(), broker.RegistryOptions{
		NodeLostTimeout:    cfg.NodeLostTimeout,
		NodeDeadTimeout:    cfg.NodeDeadTimeout,
		ReservationTimeout: cfg.ReservationTimeout,
	}, nil, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(ctx)
	})
	g.Go(func() error {
		router := server.NewRouter(server.Options{Nodes: b.Registry()}, log.Named("http"))
		return server.Serve(ctx, cfg.ListenAddr, router, log.Named("http"))
	})

	err = g.Wait()
	log.Info("shutting down broker")
	return err
}
