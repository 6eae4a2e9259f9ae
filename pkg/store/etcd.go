package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"

	"slotgrid/pkg/paths"
)

// DefaultNamespace prefixes every key the grid writes, so one etcd cluster
// can host several grids.
const DefaultNamespace = "/slotgrid"

type etcdOptions struct {
	namespace   string
	dialTimeout time.Duration
	lostAfter   time.Duration
	logger      *zap.Logger
}

// EtcdOption customizes NewEtcdManager.
type EtcdOption func(*etcdOptions)

func WithNamespace(ns string) EtcdOption {
	return func(o *etcdOptions) { o.namespace = ns }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// WithLostAfter sets how long the connection may stay down before a
// suspension is escalated to StateLost.
func WithLostAfter(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.lostAfter = d }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

// EtcdManager implements Store on top of an etcd v3 cluster.
type EtcdManager struct {
	client    *clientv3.Client
	kv        clientv3.KV
	watcher   clientv3.Watcher
	log       *zap.Logger
	lostAfter time.Duration
}

// NewEtcdManager connects to the cluster at endpoints.
func NewEtcdManager(endpoints []string, opts ...EtcdOption) (*EtcdManager, error) {
	o := etcdOptions{
		namespace:   DefaultNamespace,
		dialTimeout: 5 * time.Second,
		lostAfter:   15 * time.Second,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}

	ns := strings.TrimSuffix(o.namespace, "/")
	return &EtcdManager{
		client:    cli,
		kv:        namespace.NewKV(cli.KV, ns),
		watcher:   namespace.NewWatcher(cli.Watcher, ns),
		log:       o.logger.Named("store"),
		lostAfter: o.lostAfter,
	}, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Key/value
// ---------------------------------------------------------

func (e *EtcdManager) Create(ctx context.Context, path string) error {
	_, err := e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, "")).
		Commit()
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}

func (e *EtcdManager) Delete(ctx context.Context, path string) error {
	_, err := e.kv.Txn(ctx).
		Then(
			clientv3.OpDelete(path),
			clientv3.OpDelete(dirPrefix(path), clientv3.WithPrefix()),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (e *EtcdManager) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := e.kv.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", path, err)
	}
	if resp.Count > 0 {
		return true, nil
	}
	resp, err = e.kv.Get(ctx, dirPrefix(path), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", path, err)
	}
	return resp.Count > 0, nil
}

func (e *EtcdManager) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.kv.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *EtcdManager) Write(ctx context.Context, path string, data []byte) error {
	if _, err := e.kv.Put(ctx, path, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (e *EtcdManager) Children(ctx context.Context, path string) ([]string, error) {
	prefix := dirPrefix(path)
	resp, err := e.kv.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", path, err)
	}
	seen := make(map[string]struct{})
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		name, _, _ := strings.Cut(rest, "/")
		if name != "" {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ---------------------------------------------------------
// Watches
// ---------------------------------------------------------

// WatchChildren converts the etcd watch on path's subtree into a stream of
// direct child events.
func (e *EtcdManager) WatchChildren(ctx context.Context, path string) (<-chan Event, error) {
	prefix := dirPrefix(path)
	resp, err := e.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("watch children %s: %w", path, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for _, kv := range resp.Kvs {
			key := string(kv.Key)
			if _, ok := paths.ChildOf(path, key); !ok {
				continue
			}
			if !send(ctx, out, Event{Type: EventAdded, Path: key, Value: kv.Value}) {
				return
			}
		}
		e.pump(ctx, out, prefix, resp.Header.Revision, func(key string) bool {
			_, ok := paths.ChildOf(path, key)
			return ok
		}, clientv3.WithPrefix())
	}()
	return out, nil
}

func (e *EtcdManager) WatchValue(ctx context.Context, path string) (<-chan Event, error) {
	resp, err := e.kv.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	initial := Event{Type: EventRemoved, Path: path}
	if len(resp.Kvs) > 0 {
		initial = Event{Type: EventAdded, Path: path, Value: resp.Kvs[0].Value}
	}

	out := make(chan Event, 4)
	go func() {
		defer close(out)
		if !send(ctx, out, initial) {
			return
		}
		e.pump(ctx, out, path, resp.Header.Revision, func(key string) bool {
			return key == path
		})
	}()
	return out, nil
}

// pump forwards etcd events after rev until ctx is done or the watch fails.
func (e *EtcdManager) pump(ctx context.Context, out chan<- Event, key string, rev int64, keep func(string) bool, opts ...clientv3.OpOption) {
	opts = append(opts, clientv3.WithRev(rev+1))
	for wr := range e.watcher.Watch(ctx, key, opts...) {
		if err := wr.Err(); err != nil {
			if ctx.Err() == nil {
				e.log.Error("watch failed", zap.String("key", key), zap.Error(err))
			}
			return
		}
		for _, ev := range wr.Events {
			k := string(ev.Kv.Key)
			if !keep(k) {
				continue
			}
			if !send(ctx, out, toEvent(ev)) {
				return
			}
		}
	}
}

func toEvent(ev *clientv3.Event) Event {
	switch {
	case ev.Type == clientv3.EventTypeDelete:
		return Event{Type: EventRemoved, Path: string(ev.Kv.Key)}
	case ev.IsCreate():
		return Event{Type: EventAdded, Path: string(ev.Kv.Key), Value: ev.Kv.Value}
	default:
		return Event{Type: EventUpdated, Path: string(ev.Kv.Key), Value: ev.Kv.Value}
	}
}

func send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---------------------------------------------------------
// Recipes
// ---------------------------------------------------------

func (e *EtcdManager) Barrier(path string) Barrier {
	return newKeyBarrier(e, path)
}

func (e *EtcdManager) Queue(path string) Queue {
	return &etcdQueue{e: e, dir: dirPrefix(path)}
}

// etcdQueue keeps one key per item under dir, named by enqueue time.
// Consumers take the oldest key by create revision and claim it with a
// compare-and-delete.
type etcdQueue struct {
	e   *EtcdManager
	dir string
}

func (q *etcdQueue) Put(ctx context.Context, item []byte) error {
	for {
		key := fmt.Sprintf("%s%020d", q.dir, time.Now().UnixNano())
		resp, err := q.e.kv.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(item))).
			Commit()
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", q.dir, err)
		}
		if resp.Succeeded {
			return nil
		}
	}
}

func (q *etcdQueue) Consume(ctx context.Context, handler func(context.Context, []byte)) error {
	for {
		item, ok, err := q.take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ok {
			handler(ctx, item)
		}
	}
}

// take claims the head item. ok is false when another consumer won the
// race or the queue was empty and a new item has since arrived.
func (q *etcdQueue) take(ctx context.Context) (item []byte, ok bool, err error) {
	resp, err := q.e.kv.Get(ctx, q.dir, clientv3.WithFirstCreate()...)
	if err != nil {
		return nil, false, fmt.Errorf("read queue %s: %w", q.dir, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, q.waitForItem(ctx, resp.Header.Revision)
	}

	head := resp.Kvs[0]
	del, err := q.e.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(string(head.Key)), "=", head.ModRevision)).
		Then(clientv3.OpDelete(string(head.Key))).
		Commit()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", head.Key, err)
	}
	if !del.Succeeded {
		return nil, false, nil
	}
	return head.Value, true, nil
}

func (q *etcdQueue) waitForItem(ctx context.Context, rev int64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for wr := range q.e.watcher.Watch(wctx, q.dir, clientv3.WithPrefix(), clientv3.WithRev(rev+1)) {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("watch queue %s: %w", q.dir, err)
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypePut {
				return nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("queue watch closed")
}

// ---------------------------------------------------------
// Connection state
// ---------------------------------------------------------

// ConnectionEvents follows the gRPC connection underneath the client.
func (e *EtcdManager) ConnectionEvents(ctx context.Context) <-chan ConnState {
	out := make(chan ConnState, 4)
	go e.monitorConnection(ctx, out)
	return out
}

func (e *EtcdManager) monitorConnection(ctx context.Context, out chan<- ConnState) {
	defer close(out)
	conn := e.client.ActiveConnection()
	tracker := &connTracker{lostAfter: e.lostAfter}

	state := conn.GetState()
	for {
		for _, s := range tracker.observe(state, time.Now()) {
			e.log.Info("store connection state changed", zap.Stringer("state", s))
			if !send(ctx, out, s) {
				return
			}
		}

		wctx, cancel := ctx, context.CancelFunc(func() {})
		if d, pending := tracker.untilLost(time.Now()); pending {
			wctx, cancel = context.WithTimeout(ctx, d)
		}
		changed := conn.WaitForStateChange(wctx, state)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if !changed {
			if tracker.expire(time.Now()) {
				e.log.Warn("store connection lost", zap.Duration("after", e.lostAfter))
				if !send(ctx, out, StateLost) {
					return
				}
			}
			continue
		}
		state = conn.GetState()
	}
}

// connTracker turns raw gRPC connectivity states into ConnState
// transitions.
type connTracker struct {
	lostAfter time.Duration

	everReady bool
	down      bool
	downSince time.Time
	lost      bool
}

func (t *connTracker) observe(s connectivity.State, now time.Time) []ConnState {
	switch s {
	case connectivity.Ready:
		if !t.everReady {
			t.everReady = true
			return []ConnState{StateConnected}
		}
		if t.down {
			t.down, t.lost = false, false
			return []ConnState{StateReconnected}
		}
	case connectivity.Connecting, connectivity.TransientFailure:
		if t.everReady && !t.down {
			t.down, t.downSince = true, now
			return []ConnState{StateSuspended}
		}
	case connectivity.Shutdown:
		if !t.lost {
			t.lost = true
			if !t.down {
				t.down, t.downSince = true, now
				return []ConnState{StateSuspended, StateLost}
			}
			return []ConnState{StateLost}
		}
	}
	return nil
}

func (t *connTracker) untilLost(now time.Time) (time.Duration, bool) {
	if !t.down || t.lost {
		return 0, false
	}
	d := t.lostAfter - now.Sub(t.downSince)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (t *connTracker) expire(now time.Time) bool {
	if !t.down || t.lost || now.Sub(t.downSince) < t.lostAfter {
		return false
	}
	t.lost = true
	return true
}

func dirPrefix(path string) string {
	return strings.TrimSuffix(path, "/") + "/"
}
