package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store with the semantics of EtcdManager.
// Tests drive connection transitions through SetConnectionState.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	subs   map[*subscription]struct{}
	conns  map[*feed[ConnState]]struct{}
	queues map[string]*memQueue
	state  ConnState
}

type subscription struct {
	match func(path string) bool
	feed  *feed[Event]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		subs:   make(map[*subscription]struct{}),
		conns:  make(map[*feed[ConnState]]struct{}),
		queues: make(map[string]*memQueue),
		state:  StateConnected,
	}
}

func (m *MemoryStore) Create(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[path]; ok {
		return nil
	}
	m.data[path] = nil
	m.notify(Event{Type: EventAdded, Path: path})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dirPrefix(path)
	var removed []string
	for key := range m.data {
		if key == path || strings.HasPrefix(key, prefix) {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		delete(m.data, key)
		m.notify(Event{Type: EventRemoved, Path: key})
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[path]; ok {
		return true, nil
	}
	prefix := dirPrefix(path)
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *MemoryStore) Write(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ := EventUpdated
	if _, ok := m.data[path]; !ok {
		typ = EventAdded
	}
	m.data[path] = clone(data)
	m.notify(Event{Type: typ, Path: path, Value: clone(data)})
	return nil
}

func (m *MemoryStore) Children(_ context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dirPrefix(path)
	seen := make(map[string]struct{})
	for key := range m.data {
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			name, _, _ := strings.Cut(rest, "/")
			if name != "" {
				seen[name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) WatchChildren(ctx context.Context, path string) (<-chan Event, error) {
	isChild := func(key string) bool {
		rest, ok := strings.CutPrefix(key, dirPrefix(path))
		return ok && rest != "" && !strings.Contains(rest, "/")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.data {
		if isChild(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	sub := m.subscribe(ctx, isChild)
	for _, key := range keys {
		sub.feed.push(Event{Type: EventAdded, Path: key, Value: clone(m.data[key])})
	}
	return sub.feed.out, nil
}

func (m *MemoryStore) WatchValue(ctx context.Context, path string) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subscribe(ctx, func(key string) bool { return key == path })
	if v, ok := m.data[path]; ok {
		sub.feed.push(Event{Type: EventAdded, Path: path, Value: clone(v)})
	} else {
		sub.feed.push(Event{Type: EventRemoved, Path: path})
	}
	return sub.feed.out, nil
}

// subscribe must be called with m.mu held.
func (m *MemoryStore) subscribe(ctx context.Context, match func(string) bool) *subscription {
	sub := &subscription{match: match}
	sub.feed = newFeed[Event](ctx, func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	})
	m.subs[sub] = struct{}{}
	return sub
}

// notify must be called with m.mu held.
func (m *MemoryStore) notify(ev Event) {
	for sub := range m.subs {
		if sub.match(ev.Path) {
			sub.feed.push(ev)
		}
	}
}

func (m *MemoryStore) Barrier(path string) Barrier {
	return newKeyBarrier(m, path)
}

func (m *MemoryStore) Queue(path string) Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[path]
	if !ok {
		q = &memQueue{wake: make(chan struct{}, 1)}
		m.queues[path] = q
	}
	return q
}

func (m *MemoryStore) ConnectionEvents(ctx context.Context) <-chan ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var f *feed[ConnState]
	f = newFeed[ConnState](ctx, func() {
		m.mu.Lock()
		delete(m.conns, f)
		m.mu.Unlock()
	})
	m.conns[f] = struct{}{}
	f.push(m.state)
	return f.out
}

// SetConnectionState simulates a connection transition, notifying every
// ConnectionEvents subscriber.
func (m *MemoryStore) SetConnectionState(s ConnState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	for f := range m.conns {
		f.push(s)
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	items [][]byte
	wake  chan struct{}
}

func (q *memQueue) Put(_ context.Context, item []byte) error {
	q.mu.Lock()
	q.items = append(q.items, clone(item))
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *memQueue) Consume(ctx context.Context, handler func(context.Context, []byte)) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		// Hand the wakeup on in case another consumer is parked.
		select {
		case q.wake <- struct{}{}:
		default:
		}
		handler(ctx, item)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// feed is an unbounded, ordered channel: push never blocks and items are
// delivered on out until ctx is done.
type feed[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
	out   chan T
}

func newFeed[T any](ctx context.Context, onDone func()) *feed[T] {
	f := &feed[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go f.run(ctx, onDone)
	return f
}

func (f *feed[T]) push(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *feed[T]) run(ctx context.Context, onDone func()) {
	defer close(f.out)
	defer onDone()
	for {
		f.mu.Lock()
		if len(f.items) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := f.items[0]
		f.items = f.items[1:]
		f.mu.Unlock()
		if !send(ctx, f.out, v) {
			return
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
