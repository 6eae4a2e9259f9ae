package store

import (
	"context"
	"errors"
	"time"

	"slotgrid/pkg/paths"
)

// ErrNotFound is returned by Read for a path without a value.
var ErrNotFound = errors.New("store: path not found")

// EventType tells what happened to a watched path.
type EventType int

const (
	EventAdded EventType = iota
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is one change observed by a watch.
type Event struct {
	Type  EventType
	Path  string
	Value []byte
}

// Name is the last path element, i.e. the child name for children watches.
func (e Event) Name() string {
	return paths.Base(e.Path)
}

// ConnState is the client's view of its link to the store.
type ConnState int

const (
	StateConnected ConnState = iota
	StateSuspended
	StateReconnected
	StateLost
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateReconnected:
		return "reconnected"
	case StateLost:
		return "lost"
	}
	return "unknown"
}

// Barrier is a binary rendezvous flag. Raised means waiters block.
type Barrier interface {
	Raise(ctx context.Context) error
	Lower(ctx context.Context) error
	// Wait blocks until the barrier is lowered. It returns false, nil when
	// timeout elapses first.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// Queue is a FIFO work queue. Each item reaches exactly one consumer.
type Queue interface {
	Put(ctx context.Context, item []byte) error
	// Consume hands items to handler one at a time, in order, until ctx is
	// done. It returns nil on cancellation.
	Consume(ctx context.Context, handler func(ctx context.Context, item []byte)) error
}

// Store is everything the grid needs from the coordination service.
//
// Paths are slash-separated. A path has a value only if it was written or
// created explicitly; it "exists" if it has a value or anything below it.
type Store interface {
	// Create makes sure path has a value, leaving an existing one untouched.
	Create(ctx context.Context, path string) error
	// Delete removes path and everything below it. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path, creating it if needed. Last writer wins.
	Write(ctx context.Context, path string, data []byte) error
	// Children lists the names directly below path, sorted.
	Children(ctx context.Context, path string) ([]string, error)

	// WatchChildren first reports every existing direct child of path as
	// EventAdded, then streams changes of direct children until ctx is done.
	WatchChildren(ctx context.Context, path string) (<-chan Event, error)
	// WatchValue first reports the current state of path (EventAdded with its
	// value, or EventRemoved when absent), then streams its changes.
	WatchValue(ctx context.Context, path string) (<-chan Event, error)

	Barrier(path string) Barrier
	Queue(path string) Queue

	// ConnectionEvents streams connection state transitions until ctx is done.
	ConnectionEvents(ctx context.Context) <-chan ConnState

	Close() error
}
