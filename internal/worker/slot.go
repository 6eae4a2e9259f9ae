package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"slotgrid/internal/metrics"
	"slotgrid/internal/protocol"
	"slotgrid/pkg/model"
	"slotgrid/pkg/paths"
	"slotgrid/pkg/store"
)

var tracer = otel.Tracer("slotgrid/worker")

type SlotOptions struct {
	InactivityTimeout time.Duration
	ExecutionTimeout  time.Duration
	// FreeStateDelay postpones publishing "free" after a session ends.
	// Zero publishes immediately.
	FreeStateDelay time.Duration
}

type jobKind int

const (
	jobCommand jobKind = iota
	jobInactivity
	jobPublishFree
	jobDestroy
)

type job struct {
	kind jobKind
	cmd  model.Command
	gen  uint64
}

// task is a cancellable deferred job. Cancelling bumps gen so a timer that
// already fired is recognised as stale when its job is dequeued.
type task struct {
	timer *time.Timer
	gen   uint64
}

// SlotView is a point-in-time copy of a slot for status reporting.
type SlotView struct {
	SlotID       string              `json:"slotId"`
	Capabilities *model.Capabilities `json:"capabilities"`
	State        model.SlotState     `json:"state"`
	SessionID    string              `json:"sessionId,omitempty"`
}

// Slot executes commands for one browser instance. All session state is
// owned by the executor goroutine; the command watcher, timers and
// DestroySession only enqueue jobs. executing is set by the watcher when it
// accepts a client command and cleared by the executor once that command
// has been handled.
type Slot struct {
	nodeID  string
	id      string
	caps    *model.Capabilities
	backend Backend
	store   store.Store
	opts    SlotOptions
	log     *zap.Logger

	jobs      chan job
	done      chan struct{}
	executing atomic.Bool

	cancelMu   sync.Mutex
	cancelExec context.CancelFunc

	viewMu sync.Mutex
	view   SlotView

	// owned by the executor
	session    string
	inactivity task
	publish    task
}

func NewSlot(s store.Store, nodeID, slotID string, caps *model.Capabilities, backend Backend, opts SlotOptions, log *zap.Logger) *Slot {
	return &Slot{
		nodeID:  nodeID,
		id:      slotID,
		caps:    caps,
		backend: backend,
		store:   s,
		opts:    opts,
		log:     log.Named("slot").With(zap.String("slot", slotID)),
		jobs:    make(chan job, 16),
		done:    make(chan struct{}),
		view:    SlotView{SlotID: slotID, Capabilities: caps, State: model.SlotFree},
	}
}

func (s *Slot) ID() string { return s.id }

// Info is the handle clients receive for this slot.
func (s *Slot) Info() model.SlotInfo {
	return model.SlotInfo{NodeID: s.nodeID, SlotID: s.id, Capabilities: s.caps.Clone()}
}

func (s *Slot) View() SlotView {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	v := s.view
	v.Capabilities = s.caps.Clone()
	return v
}

// Announce publishes the slot's capabilities and current state. An already
// announced slot is left untouched.
func (s *Slot) Announce(ctx context.Context) error {
	path := paths.Slot(s.nodeID, s.id)
	exists, err := s.store.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("announce slot %s: %w", s.id, err)
	}
	if exists {
		return nil
	}
	if err := s.store.Write(ctx, paths.SlotState(s.nodeID, s.id), []byte(s.View().State)); err != nil {
		return fmt.Errorf("announce slot %s: %w", s.id, err)
	}
	if err := store.PutJSON(ctx, s.store, path, s.caps); err != nil {
		return fmt.Errorf("announce slot %s: %w", s.id, err)
	}
	s.log.Info("slot announced", zap.Stringer("capabilities", s.caps))
	return nil
}

// Start subscribes to the slot's command path and launches the executor.
// Commands written after Start returns are seen. Done is closed once both
// have stopped, which happens when ctx is done.
func (s *Slot) Start(ctx context.Context) error {
	events, err := s.store.WatchValue(ctx, paths.SlotCommand(s.nodeID, s.id))
	if err != nil {
		return fmt.Errorf("watch commands of %s: %w", s.id, err)
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.watchCommands(ctx, events)
	}()
	go func() {
		defer wg.Done()
		s.run(ctx)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return nil
}

func (s *Slot) Done() <-chan struct{} { return s.done }

// DestroySession aborts any in-flight command through its timeout path and
// ends the bound session, if any.
func (s *Slot) DestroySession() {
	s.cancelMu.Lock()
	if s.cancelExec != nil {
		s.cancelExec()
	}
	s.cancelMu.Unlock()
	s.enqueue(job{kind: jobDestroy})
}

func (s *Slot) enqueue(j job) {
	select {
	case s.jobs <- j:
	case <-s.done:
	}
}

func (s *Slot) watchCommands(ctx context.Context, events <-chan store.Event) {
	first := true
	for ev := range events {
		// The first event is whatever the path held before we subscribed.
		if first {
			first = false
			continue
		}
		if ev.Type == store.EventRemoved {
			continue
		}
		var cmd model.Command
		if err := json.Unmarshal(ev.Value, &cmd); err != nil {
			s.log.Warn("ignoring unreadable command", zap.Error(err))
			metrics.RecordDropped(metrics.DropMalformed)
			continue
		}
		// At most one client command is accepted until the executor is
		// done with it.
		if !s.executing.CompareAndSwap(false, true) {
			s.log.Warn("command ignored, slot is executing", zap.Stringer("command", cmd))
			metrics.RecordDropped(metrics.DropBusy)
			continue
		}
		select {
		case s.jobs <- job{kind: jobCommand, cmd: cmd}:
		case <-ctx.Done():
		}
	}
}

func (s *Slot) run(ctx context.Context) {
	defer func() {
		s.cancelTask(&s.inactivity)
		s.cancelTask(&s.publish)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			switch j.kind {
			case jobCommand:
				resp, answered := s.handle(ctx, j.cmd)
				// Cleared before replying: the caller may send its next
				// command as soon as it sees the response.
				s.executing.Store(false)
				if answered {
					s.respond(ctx, j.cmd, resp)
				}
			case jobInactivity:
				if j.gen != s.inactivity.gen || s.session == "" {
					continue
				}
				s.log.Warn("client inactive, ending session",
					zap.String("session", s.session),
					zap.Duration("timeout", s.opts.InactivityTimeout))
				metrics.RecordReclaimed(metrics.ReclaimInactivity)
				s.handle(ctx, model.Command{Name: model.CommandQuit, SessionID: s.session})
			case jobPublishFree:
				if j.gen == s.publish.gen {
					s.publishState(ctx, model.SlotFree)
				}
			case jobDestroy:
				if s.session == "" {
					continue
				}
				s.log.Warn("destroying session", zap.String("session", s.session))
				metrics.RecordReclaimed(metrics.ReclaimDisconnected)
				s.handle(ctx, model.Command{Name: model.CommandQuit, SessionID: s.session})
			}
		}
	}
}

// handle runs one command through the slot state machine. It returns the
// response and false when the command is dropped without one.
func (s *Slot) handle(ctx context.Context, cmd model.Command) (model.Response, bool) {
	log := s.log.With(zap.Stringer("command", cmd))

	if s.session != "" {
		if cmd.SessionID != s.session {
			log.Warn("dropping command for another session", zap.String("boundSession", s.session))
			metrics.RecordDropped(metrics.DropSessionMismatch)
			return model.Response{}, false
		}
	} else if cmd.Name != model.CommandNewSession {
		if cmd.Name == model.CommandQuit {
			log.Info("quit on a slot without session")
			return model.Response{Status: model.StatusSuccess, SessionID: cmd.SessionID}, true
		}
		log.Warn("dropping command, slot has no session")
		metrics.RecordDropped(metrics.DropNoSession)
		return model.Response{}, false
	}

	s.cancelTask(&s.inactivity)
	s.cancelTask(&s.publish)
	s.publishState(ctx, model.SlotBusy)

	start := time.Now()
	resp := s.execute(ctx, cmd)
	metrics.RecordCommand(commandKind(cmd.Name), resp.Succeeded(), time.Since(start))

	switch cmd.Name {
	case model.CommandNewSession:
		if resp.Succeeded() && resp.SessionID == "" {
			resp = model.ErrorResponse(model.StatusSessionNotCreated, "", "backend returned no session id")
		}
		if resp.Succeeded() {
			s.bind(resp.SessionID)
			log.Info("session started", zap.String("session", resp.SessionID))
		} else {
			log.Warn("session not created", zap.Int("status", resp.Status))
			s.release(ctx)
		}
	case model.CommandQuit:
		log.Info("session ended")
		s.bind("")
		s.release(ctx)
	}

	if s.session != "" {
		s.schedule(&s.inactivity, s.opts.InactivityTimeout, jobInactivity)
	}
	return resp, true
}

// execute calls the backend under the execution timeout. A command that
// does not finish in time gets a synthesized timeout response.
func (s *Slot) execute(ctx context.Context, cmd model.Command) model.Response {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ExecutionTimeout)
	defer cancel()
	s.cancelMu.Lock()
	s.cancelExec = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		s.cancelExec = nil
		s.cancelMu.Unlock()
	}()

	ctx, span := tracer.Start(ctx, "slot.execute", trace.WithAttributes(
		attribute.String("slot", s.id),
		attribute.String("command", cmd.Name),
	))
	defer span.End()

	result := make(chan model.Response, 1)
	go func() {
		result <- s.backend.Execute(ctx, cmd)
	}()

	select {
	case resp := <-result:
		return resp
	case <-ctx.Done():
		reason := "command execution timed out"
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "command execution aborted"
		}
		s.log.Warn(reason, zap.Stringer("command", cmd), zap.Duration("timeout", s.opts.ExecutionTimeout))
		return model.ErrorResponse(model.StatusTimeout, cmd.SessionID, reason)
	}
}

func (s *Slot) bind(session string) {
	s.session = session
	s.viewMu.Lock()
	s.view.SessionID = session
	s.viewMu.Unlock()
}

// release publishes "free", after FreeStateDelay if one is configured.
func (s *Slot) release(ctx context.Context) {
	if s.opts.FreeStateDelay <= 0 {
		s.publishState(ctx, model.SlotFree)
		return
	}
	s.schedule(&s.publish, s.opts.FreeStateDelay, jobPublishFree)
}

func (s *Slot) publishState(ctx context.Context, state model.SlotState) {
	if err := s.store.Write(ctx, paths.SlotState(s.nodeID, s.id), []byte(state)); err != nil {
		if ctx.Err() == nil {
			s.log.Error("publish slot state", zap.String("state", string(state)), zap.Error(err))
		}
		return
	}
	s.viewMu.Lock()
	s.view.State = state
	s.viewMu.Unlock()
}

// respond answers cmd. The response echoes the command's request id.
func (s *Slot) respond(ctx context.Context, cmd model.Command, resp model.Response) {
	resp.RequestID = cmd.RequestID
	err := protocol.Reply(ctx, s.store, paths.SlotResponse(s.nodeID, s.id), paths.SlotBarrier(s.nodeID, s.id), resp)
	if err != nil && ctx.Err() == nil {
		s.log.Error("write response", zap.Error(err))
	}
}

func (s *Slot) schedule(t *task, d time.Duration, kind jobKind) {
	s.cancelTask(t)
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		s.enqueue(job{kind: kind, gen: gen})
	})
}

func (s *Slot) cancelTask(t *task) {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func commandKind(name string) string {
	switch name {
	case model.CommandNewSession, model.CommandQuit:
		return name
	}
	return "other"
}
