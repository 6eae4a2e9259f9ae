package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"slotgrid/internal/client"
	"slotgrid/internal/config"
	"slotgrid/internal/logging"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

type cli struct {
	cfg      *config.ClientConfig
	logLevel string
}

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
	c := &cli{cfg: config.NewClientConfig()}

	root := &cobra.Command{
		Use:          "slotgrid-cli",
		Short:        "Talk to a slotgrid grid",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringSliceVar(&c.cfg.Store.Endpoints, "etcd", c.cfg.Store.Endpoints, "etcd endpoints")
	pf.StringVar(&c.cfg.Store.Namespace, "namespace", c.cfg.Store.Namespace, "key prefix of the grid in etcd")
	pf.DurationVar(&c.cfg.AllocationTimeout, "allocation-timeout", c.cfg.AllocationTimeout, "how long to wait for the broker")
	pf.DurationVar(&c.cfg.CommandTimeout, "command-timeout", c.cfg.CommandTimeout, "how long to wait for a command response")
	pf.StringVar(&c.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(c.newSessionCmd(), c.execCmd(), c.quitCmd(), c.nodesCmd())
	return root
}

func (c *cli) newSessionCmd() *cobra.Command {
	var caps map[string]string
	cmd := &cobra.Command{
		Use:     "new-session",
		Short:   "Allocate a slot and start a browser session",
		Example: "  slotgrid-cli new-session --cap browserName=firefox --cap version=115+",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := make(map[string]any, len(caps))
			for k, v := range caps {
				params[k] = v
			}
			return c.withClient(cmd.Context(), func(ctx context.Context, cl *client.Client) error {
				resp, err := cl.Execute(ctx, model.Command{Name: model.CommandNewSession, Parameters: params})
				if err != nil {
					return err
				}
				if !resp.Succeeded() {
					return printResponse(resp)
				}
				slot, _ := cl.Slot()
				return printJSON(map[string]any{
					"sessionId": resp.SessionID,
					"nodeId":    slot.NodeID,
					"slotId":    slot.SlotID,
					"value":     resp.Value,
				})
			})
		},
	}
	cmd.Flags().StringToStringVar(&caps, "cap", nil, "required capability as key=value, repeatable")
	return cmd
}

type target struct {
	node, slot, session string
}

func (t *target) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&t.node, "node", "", "node id returned by new-session")
	f.StringVar(&t.slot, "slot", "", "slot id returned by new-session")
	f.StringVar(&t.session, "session", "", "session id returned by new-session")
	for _, name := range []string{"node", "slot", "session"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (t *target) info() model.SlotInfo {
	return model.SlotInfo{NodeID: t.node, SlotID: t.slot}
}

func (c *cli) execCmd() *cobra.Command {
	var (
		t      target
		params string
	)
	cmd := &cobra.Command{
		Use:     "exec COMMAND",
		Short:   "Send one command to a running session",
		Example: `  slotgrid-cli exec get --node N --slot firefox-1 --session S --params '{"url":"https://example.org"}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p map[string]any
			if params != "" {
				if err := json.Unmarshal([]byte(params), &p); err != nil {
					return fmt.Errorf("--params: %w", err)
				}
			}
			return c.withClient(cmd.Context(), func(ctx context.Context, cl *client.Client) error {
				cl.Attach(t.info(), t.session)
				resp, err := cl.Execute(ctx, model.Command{Name: args[0], Parameters: p})
				if err != nil {
					return err
				}
				return printResponse(resp)
			})
		},
	}
	t.bind(cmd)
	cmd.Flags().StringVar(&params, "params", "", "command parameters as a JSON object")
	return cmd
}

func (c *cli) quitCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "quit",
		Short: "End a running session and release its slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(cmd.Context(), func(ctx context.Context, cl *client.Client) error {
				cl.Attach(t.info(), t.session)
				resp, err := cl.Quit(ctx)
				if err != nil {
					return err
				}
				return printResponse(resp)
			})
		},
	}
	t.bind(cmd)
	return cmd
}

func (c *cli) nodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes and the state of their slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(ctx context.Context, s store.Store, _ *zap.Logger) error {
				return listNodes(ctx, s)
			})
		},
	}
}

func listNodes(ctx context.Context, s store.Store) error {
	nodes, err := s.Children(ctx, paths.Nodes)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tHEARTBEAT\tSLOT\tSTATE\tCAPABILITIES")
	for _, node := range nodes {
		hb := "-"
		if v, err := s.Read(ctx, paths.NodeHeartbeat(node)); err == nil {
			if t, err := model.ParseHeartbeat(v); err == nil {
				hb = t.Format("15:04:05.000")
			}
		}
		slots, err := s.Children(ctx, paths.NodeSlots(node))
		if err != nil {
			return err
		}
		if len(slots) == 0 {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", node, hb)
		}
		for _, slot := range slots {
			state := "-"
			if v, err := s.Read(ctx, paths.SlotState(node, slot)); err == nil {
				state = string(v)
			}
			var caps model.Capabilities
			_ = store.GetJSON(ctx, s, paths.Slot(node, slot), &caps)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", node, hb, slot, state, caps)
		}
	}
	return w.Flush()
}

func (c *cli) withStore(ctx context.Context, fn func(context.Context, store.Store, *zap.Logger) error) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: c.logLevel, Development: true})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	etcd, err := store.NewEtcdManager(c.cfg.Store.Endpoints,
		store.WithNamespace(c.cfg.Store.Namespace),
		store.WithDialTimeout(c.cfg.Store.DialTimeout),
		store.WithLogger(log))
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer etcd.Close()
	return fn(ctx, etcd, log)
}

func (c *cli) withClient(ctx context.Context, fn func(context.Context, *client.Client) error) error {
	return c.withStore(ctx, func(ctx context.Context, s store.Store, log *zap.Logger) error {
		cl := client.New(s, *c.cfg, log)
		defer func() { _ = cl.Close(context.WithoutCancel(ctx)) }()
		return fn(ctx, cl)
	})
}

func printResponse(resp model.Response) error {
	if err := printJSON(resp); err != nil {
		return err
	}
	if !resp.Succeeded() {
		return fmt.Errorf("command failed with status %d", resp.Status)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
