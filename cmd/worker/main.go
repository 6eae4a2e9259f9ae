package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slotgrid/internal/config"
	"slotgrid/internal/logging"
	"slotgrid/internal/server"
	"slotgrid/internal/worker"
	"slotgrid/internal/worker/executor"
	"slotgrid/pkg/store"
)

func main() {
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
	cfg := config.NewNodeConfig()

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run a slotgrid worker node",
		Long:         "Register with the broker and serve browser slots declared in the node config file.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.ProfilesFile == "" {
				return fmt.Errorf("no node config file, set --config or SLOTGRID_NODE_CONFIG")
			}
			profiles, err := config.LoadProfiles(cfg.ProfilesFile)
			if err != nil {
				return err
			}
			cfg.Profiles = profiles
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
	f.StringVarP(&cfg.ProfilesFile, "config", "c", cfg.ProfilesFile, "YAML file declaring the node's slots")
	f.StringSliceVar(&cfg.Store.Endpoints, "etcd", cfg.Store.Endpoints, "etcd endpoints")
	f.StringVar(&cfg.Store.Namespace, "namespace", cfg.Store.Namespace, "key prefix of the grid in etcd")
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "status and metrics listen address")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringSliceVar(&cfg.DriverShim, "driver-shim", cfg.DriverShim, "command run inside session containers for each browser command")
	f.DurationVar(&cfg.ClientInactivityTimeout, "client-inactivity-timeout", cfg.ClientInactivityTimeout, "idle time after which a session is ended")
	f.DurationVar(&cfg.CommandExecutionTimeout, "command-timeout", cfg.CommandExecutionTimeout, "maximum execution time of one command")
	f.DurationVar(&cfg.FreeStateDelay, "free-state-delay", cfg.FreeStateDelay, "delay before a released slot is offered again")
	return cmd
}

func run(ctx context.Context, cfg *config.NodeConfig, log *zap.Logger) error {
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

	docker, err := executor.NewDockerRuntime()
	if err != nil {
		return err
	}
	defer docker.Close()

	newBackend := func(p config.SlotProfile) worker.Backend {
		return executor.NewDockerBackend(docker, p.Image, cfg.DriverShim, log.With(zap.String("profile", p.Name)))
	}
	agent := worker.NewAgent(etcd, cfg.Profiles, newBackend, worker.AgentOptions{
		RegistrationTimeout: cfg.RegistrationTimeout,
		ReregisterInterval:  cfg.ReregisterInterval,
		Slot: worker.SlotOptions{
			InactivityTimeout: cfg.ClientInactivityTimeout,
			ExecutionTimeout:  cfg.CommandExecutionTimeout,
			FreeStateDelay:    cfg.FreeStateDelay,
		},
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(gctx)
	})
	g.Go(func() error {
		router := server.NewRouter(server.Options{Slots: agent}, log.Named("http"))
		return server.Serve(gctx, cfg.ListenAddr, router, log.Named("http"))
	})
	err = g.Wait()

	log.Info("shutting down worker", zap.String("node", agent.ID))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := agent.Shutdown(shutdownCtx); serr != nil {
		log.Warn("unregister failed, broker will drop the node after the dead timeout", zap.Error(serr))
	}
	return err
}
