// Package client is the requesting side of the grid. A Client allocates a
// slot from the broker for a newSession command and then routes every
// command of that session straight to the worker slot it holds.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slotgrid/internal/config"
	"slotgrid/internal/protocol"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

var (
	// ErrAllocationTimeout means the broker did not answer in time. The
	// request is not retried.
	ErrAllocationTimeout = fmt.Errorf("client: allocation: %w", protocol.ErrTimeout)
	// ErrCommandTimeout means the slot did not answer in time.
	ErrCommandTimeout = fmt.Errorf("client: command: %w", protocol.ErrTimeout)
	// ErrNoSession is returned for commands sent before a session exists.
	ErrNoSession = errors.New("client: no session")
)

// Client holds at most one slot at a time. Calls are serialized.
type Client struct {
	ID    string
	store store.Store
	cfg   config.ClientConfig
	log   *zap.Logger

	mu      sync.Mutex
	slot    *model.SlotInfo
	session string
}

func New(s store.Store, cfg config.ClientConfig, log *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:    id,
		store: s,
		cfg:   cfg,
		log:   log.Named("client").With(zap.String("client", id)),
	}
}

// Slot returns the slot currently held, if any.
func (c *Client) Slot() (model.SlotInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot == nil {
		return model.SlotInfo{}, false
	}
	return *c.slot, true
}

// Attach adopts a session started by another client process, so that
// commands can be sent to it without allocating again.
func (c *Client) Attach(slot model.SlotInfo, session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot, c.session = &slot, session
}

// SessionID returns the id of the running session, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Allocate asks the broker for a free slot matching caps. NO_MATCHING_SLOT
// and NO_FREE_SLOT are answers, not errors.
func (c *Client) Allocate(ctx context.Context, caps *model.Capabilities) (model.AllocationResponse, error) {
	req := model.AllocationRequest{RequestID: uuid.NewString(), ClientID: c.ID, Capabilities: caps}
	ex := protocol.Exchange{
		Name:        "allocation",
		BarrierPath: paths.ClientBarrier(c.ID),
		ResultPath:  paths.ClientSlot(c.ID),
		Timeout:     c.cfg.AllocationTimeout,
		RequestID:   req.RequestID,
	}
	queue := c.store.Queue(paths.NewSessionQueue)

	resp, err := protocol.Call[model.AllocationRequest, model.AllocationResponse](ctx, c.store, ex, queue.Put, req)
	if errors.Is(err, protocol.ErrTimeout) {
		c.log.Warn("allocation timed out", zap.Duration("timeout", c.cfg.AllocationTimeout))
		return model.AllocationResponse{}, ErrAllocationTimeout
	}
	if err != nil {
		return model.AllocationResponse{}, err
	}
	c.log.Debug("allocation answered", zap.String("status", string(resp.Status)))
	return resp, nil
}

// Execute runs cmd. A newSession first allocates a slot for the
// capabilities in cmd.Parameters; a failed allocation comes back as a
// status 33 response. Other commands go to the held slot, with the current
// session id filled in when cmd has none.
func (c *Client) Execute(ctx context.Context, cmd model.Command) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd.Name == model.CommandNewSession {
		return c.newSession(ctx, cmd)
	}
	if c.slot == nil {
		return model.Response{}, ErrNoSession
	}
	if cmd.SessionID == "" {
		cmd.SessionID = c.session
	}
	resp, err := c.send(ctx, *c.slot, cmd)
	if err != nil {
		return model.Response{}, err
	}
	if cmd.Name == model.CommandQuit && resp.Succeeded() {
		c.slot, c.session = nil, ""
	}
	return resp, nil
}

// Quit ends the running session. It is a no-op without one.
func (c *Client) Quit(ctx context.Context) (model.Response, error) {
	if c.SessionID() == "" {
		return model.Response{Status: model.StatusSuccess}, nil
	}
	return c.Execute(ctx, model.Command{Name: model.CommandQuit})
}

// Close removes the client's paths from the store. It does not quit the
// session; the worker reclaims it after its inactivity timeout.
func (c *Client) Close(ctx context.Context) error {
	if err := c.store.Delete(ctx, paths.Client(c.ID)); err != nil {
		return fmt.Errorf("remove client %s: %w", c.ID, err)
	}
	return nil
}

func (c *Client) newSession(ctx context.Context, cmd model.Command) (model.Response, error) {
	caps := CapabilitiesFromParameters(cmd.Parameters)
	alloc, err := c.Allocate(ctx, caps)
	if err != nil {
		return model.Response{}, err
	}
	if alloc.Status != model.AllocationOK || alloc.Slot == nil {
		c.log.Info("no slot for session", zap.String("status", string(alloc.Status)), zap.Stringer("capabilities", caps))
		return model.ErrorResponse(model.StatusSessionNotCreated, "", alloc.Message), nil
	}

	slot := *alloc.Slot
	resp, err := c.send(ctx, slot, cmd)
	if err != nil {
		return model.Response{}, err
	}
	if !resp.Succeeded() {
		return resp, nil
	}
	c.slot, c.session = &slot, resp.SessionID
	c.log.Info("session started",
		zap.String("session", resp.SessionID),
		zap.String("node", slot.NodeID),
		zap.String("slot", slot.SlotID))
	return resp, nil
}

// send delivers cmd to slot under a fresh request id, so that a late
// response to an earlier command is never taken for this one.
func (c *Client) send(ctx context.Context, slot model.SlotInfo, cmd model.Command) (model.Response, error) {
	cmd.RequestID = uuid.NewString()
	ex := protocol.Exchange{
		Name:        "command",
		BarrierPath: paths.SlotBarrier(slot.NodeID, slot.SlotID),
		ResultPath:  paths.SlotResponse(slot.NodeID, slot.SlotID),
		Timeout:     c.cfg.CommandTimeout,
		RequestID:   cmd.RequestID,
	}
	write := func(ctx context.Context, payload []byte) error {
		return c.store.Write(ctx, paths.SlotCommand(slot.NodeID, slot.SlotID), payload)
	}

	start := time.Now()
	resp, err := protocol.Call[model.Command, model.Response](ctx, c.store, ex, write, cmd)
	if errors.Is(err, protocol.ErrTimeout) {
		c.log.Warn("command timed out", zap.Stringer("command", cmd), zap.Duration("timeout", c.cfg.CommandTimeout))
		return model.Response{}, ErrCommandTimeout
	}
	if err != nil {
		return model.Response{}, err
	}
	c.log.Debug("command answered", zap.Stringer("command", cmd), zap.Int("status", resp.Status), zap.Duration("took", time.Since(start)))
	return resp, nil
}

// CapabilitiesFromParameters reads desired capabilities from a newSession
// command: the "desiredCapabilities" object when present, the parameters
// themselves otherwise.
func CapabilitiesFromParameters(params map[string]any) *model.Capabilities {
	src := params
	if nested, ok := params["desiredCapabilities"].(map[string]any); ok {
		src = nested
	}
	caps := &model.Capabilities{}
	if raw, err := json.Marshal(src); err == nil {
		_ = json.Unmarshal(raw, caps)
	}
	return caps
}
