// Package storetest checks that a store.Store implementation behaves the
// way the grid relies on. Every implementation runs the same cases.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotgrid/pkg/store"
)

// Opener returns an empty store for one test. It registers its own
// cleanup.
type Opener func(t *testing.T) store.Store

// Run runs every case against stores returned by open.
func Run(t *testing.T, open Opener) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"ReadWriteDelete", testReadWriteDelete},
		{"CreateKeepsValue", testCreateKeepsValue},
		{"DeleteIsRecursive", testDeleteIsRecursive},
		{"Children", testChildren},
		{"WatchChildren", testWatchChildren},
		{"WatchValue", testWatchValue},
		{"WatchValueContinuesAfterSnapshot", testWatchValueContinuesAfterSnapshot},
		{"Barrier", testBarrier},
		{"QueueOrder", testQueueOrder},
		{"QueueExactlyOnce", testQueueExactlyOnce},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.fn(t, open(t))
		})
	}
}

// Next returns the next event of ch, failing the test after two seconds.
func Next(t *testing.T, ch <-chan store.Event) store.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return store.Event{}
}

func testReadWriteDelete(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Read(ctx, "/a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Write(ctx, "/a/b/c", []byte("v")))
	got, err := s.Read(ctx, "/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	ok, err := s.Exists(ctx, "/a/b")
	require.NoError(t, err)
	assert.True(t, ok, "a path with descendants exists")

	_, err = s.Read(ctx, "/a/b")
	assert.ErrorIs(t, err, store.ErrNotFound, "implicit parents have no value")

	require.NoError(t, s.Write(ctx, "/a/b/c", []byte("w")))
	got, err = s.Read(ctx, "/a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "w", string(got), "last writer wins")

	require.NoError(t, s.Delete(ctx, "/a"))
	ok, err = s.Exists(ctx, "/a/b/c")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, "/missing"))
}

func testCreateKeepsValue(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "/k", []byte("keep")))
	require.NoError(t, s.Create(ctx, "/k"))
	got, err := s.Read(ctx, "/k")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))

	require.NoError(t, s.Create(ctx, "/fresh"))
	ok, err := s.Exists(ctx, "/fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = s.Read(ctx, "/fresh")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDeleteIsRecursive(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "/nodes/n1"))
	require.NoError(t, s.Write(ctx, "/nodes/n1/heartbeat", []byte("1")))
	require.NoError(t, s.Write(ctx, "/nodes/n1/slots/firefox-1/state", []byte("free")))
	require.NoError(t, s.Write(ctx, "/nodes/n10/heartbeat", []byte("2")))

	require.NoError(t, s.Delete(ctx, "/nodes/n1"))

	for _, p := range []string{"/nodes/n1", "/nodes/n1/heartbeat", "/nodes/n1/slots/firefox-1/state"} {
		ok, err := s.Exists(ctx, p)
		require.NoError(t, err)
		assert.False(t, ok, "%s survived", p)
	}
	got, err := s.Read(ctx, "/nodes/n10/heartbeat")
	require.NoError(t, err, "a sibling sharing the name prefix is kept")
	assert.Equal(t, "2", string(got))
}

func testChildren(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "/nodes/b/heartbeat", nil))
	require.NoError(t, s.Create(ctx, "/nodes/a"))
	require.NoError(t, s.Write(ctx, "/nodesx", nil))

	names, err := s.Children(ctx, "/nodes")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	names, err = s.Children(ctx, "/empty")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func testWatchChildren(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Create(ctx, "/nodes/existing"))

	events, err := s.WatchChildren(ctx, "/nodes")
	require.NoError(t, err)

	ev := Next(t, events)
	assert.Equal(t, store.EventAdded, ev.Type)
	assert.Equal(t, "existing", ev.Name())

	require.NoError(t, s.Write(ctx, "/nodes/existing/heartbeat", []byte("1")))
	require.NoError(t, s.Create(ctx, "/nodes/fresh"))
	ev = Next(t, events)
	assert.Equal(t, store.EventAdded, ev.Type, "grandchildren are not reported")
	assert.Equal(t, "fresh", ev.Name())

	require.NoError(t, s.Delete(ctx, "/nodes/existing"))
	ev = Next(t, events)
	assert.Equal(t, store.EventRemoved, ev.Type)
	assert.Equal(t, "/nodes/existing", ev.Path)

	cancel()
	for range events {
	}
}

func testWatchValue(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.WatchValue(ctx, "/slot/state")
	require.NoError(t, err)
	assert.Equal(t, store.EventRemoved, Next(t, events).Type, "absent path is reported first")

	require.NoError(t, s.Write(ctx, "/slot/state", []byte("free")))
	ev := Next(t, events)
	assert.Equal(t, store.EventAdded, ev.Type)
	assert.Equal(t, "free", string(ev.Value))

	require.NoError(t, s.Write(ctx, "/slot/state", []byte("busy")))
	ev = Next(t, events)
	assert.Equal(t, store.EventUpdated, ev.Type)
	assert.Equal(t, "busy", string(ev.Value))

	require.NoError(t, s.Delete(ctx, "/slot"))
	assert.Equal(t, store.EventRemoved, Next(t, events).Type)

	cancel()
	for range events {
	}
}

// The snapshot is followed by changes made after it, never by a replay of
// the value it already reported.
func testWatchValueContinuesAfterSnapshot(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Write(ctx, "/slot/command", fmt.Appendf(nil, "v%d", i)))
	}
	events, err := s.WatchValue(ctx, "/slot/command")
	require.NoError(t, err)

	ev := Next(t, events)
	assert.Equal(t, store.EventAdded, ev.Type)
	assert.Equal(t, "v3", string(ev.Value))

	require.NoError(t, s.Write(ctx, "/slot/command", []byte("v4")))
	ev = Next(t, events)
	assert.Equal(t, store.EventUpdated, ev.Type)
	assert.Equal(t, "v4", string(ev.Value))

	cancel()
	for range events {
	}
}

func testBarrier(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := s.Barrier("/client/c1/barrier")

	require.NoError(t, b.Raise(ctx))
	ok, err := b.Wait(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "raised barrier times out")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Barrier("/client/c1/barrier").Lower(ctx)
	}()
	ok, err = b.Wait(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lowered barrier passes immediately")

	cctx, cancel := context.WithCancel(ctx)
	require.NoError(t, b.Raise(ctx))
	cancel()
	_, err = b.Wait(cctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func testQueueOrder(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	q := s.Queue("/q")

	items := []string{"first", "second", "third"}
	for _, item := range items {
		require.NoError(t, q.Put(ctx, []byte(item)))
	}

	done := make(chan []string, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var got []string
		_ = q.Consume(ctx, func(_ context.Context, item []byte) {
			got = append(got, string(item))
			if len(got) == len(items) {
				done <- got
			}
		})
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	select {
	case got := <-done:
		assert.Equal(t, items, got)
	case <-time.After(5 * time.Second):
		t.Fatal("queue stalled")
	}
}

func testQueueExactlyOnce(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	const n = 50

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	wg.Add(n)
	handler := func(_ context.Context, item []byte) {
		mu.Lock()
		got = append(got, string(item))
		mu.Unlock()
		wg.Done()
	}

	var consumers sync.WaitGroup
	for range 3 {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			assert.NoError(t, s.Queue("/registrationRequests").Consume(ctx, handler))
		}()
	}
	// Items put while consumers are parked wake them up.
	q := s.Queue("/registrationRequests")
	for i := range n {
		require.NoError(t, q.Put(ctx, fmt.Appendf(nil, "item-%02d", i)))
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("not every item was consumed")
	}
	cancel()
	consumers.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, n)
	seen := make(map[string]bool)
	for _, item := range got {
		assert.False(t, seen[item], "item %s delivered twice", item)
		seen[item] = true
	}
}
