package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// keyBarrier is a barrier expressed with plain store operations: raised
// while a value exists at path.
type keyBarrier struct {
	s    Store
	path string
}

func newKeyBarrier(s Store, path string) *keyBarrier {
	return &keyBarrier{s: s, path: path}
}

func (b *keyBarrier) Raise(ctx context.Context) error {
	return b.s.Write(ctx, b.path, nil)
}

func (b *keyBarrier) Lower(ctx context.Context) error {
	return b.s.Delete(ctx, b.path)
}

func (b *keyBarrier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := b.s.WatchValue(wctx, b.path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, fmt.Errorf("watch barrier %s: %w", b.path, err)
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				if wctx.Err() != nil {
					return false, nil
				}
				return false, fmt.Errorf("watch barrier %s: stream closed", b.path)
			}
			if ev.Type == EventRemoved {
				return true, nil
			}
		case <-wctx.Done():
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
	}
}
