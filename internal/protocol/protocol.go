// Package protocol implements the synchronous request/response exchange the
// grid builds on top of the store: the caller raises a barrier, sends its
// request, and waits; the responder writes the result and then lowers the
// barrier. Because the result is written before the signal, a caller that
// passes the barrier finds a result in place. Requests and replies that
// carry a request id let the caller tell its own result from a late reply
// to an earlier request.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"slotgrid/internal/metrics"
	"slotgrid/pkg/store"
)

// ErrTimeout means the responder did not signal within the exchange timeout.
var ErrTimeout = errors.New("protocol: timed out waiting for reply")

var tracer = otel.Tracer("slotgrid/protocol")

// Exchange describes one barrier round trip.
type Exchange struct {
	// Name labels metrics and spans, e.g. "allocation".
	Name        string
	BarrierPath string
	ResultPath  string
	Timeout     time.Duration
	// RequestID, when set, is the id the reply must echo. Other replies
	// are discarded and the caller keeps waiting.
	RequestID string
}

// Correlated is implemented by replies that echo the id of their request.
type Correlated interface {
	ReplyTo() string
}

// SendFunc delivers the encoded request, typically a queue Put or a Write
// to a command path.
type SendFunc func(ctx context.Context, payload []byte) error

// Call raises the exchange barrier, sends req, waits for the responder and
// decodes the result. It returns ErrTimeout when the barrier stays raised
// for longer than ex.Timeout.
func Call[Req, Resp any](ctx context.Context, s store.Store, ex Exchange, send SendFunc, req Req) (Resp, error) {
	var zero Resp

	ctx, span := tracer.Start(ctx, "protocol.Call", trace.WithAttributes(
		attribute.String("exchange", ex.Name),
		attribute.String("barrier", ex.BarrierPath),
	))
	defer span.End()

	fail := func(err error) (Resp, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fail(fmt.Errorf("encode %s request: %w", ex.Name, err))
	}

	barrier := s.Barrier(ex.BarrierPath)
	if err := barrier.Raise(ctx); err != nil {
		return fail(fmt.Errorf("raise %s barrier: %w", ex.Name, err))
	}
	if err := send(ctx, payload); err != nil {
		return fail(fmt.Errorf("send %s request: %w", ex.Name, err))
	}

	deadline := time.Now().Add(ex.Timeout)
	for {
		remaining := time.Until(deadline)
		ok := false
		if remaining > 0 {
			ok, err = barrier.Wait(ctx, remaining)
			if err != nil {
				return fail(fmt.Errorf("wait %s reply: %w", ex.Name, err))
			}
		}
		if !ok {
			metrics.RecordProtocolTimeout(ex.Name)
			return fail(ErrTimeout)
		}

		resp, mine, err := readReply[Resp](ctx, s, ex)
		if err != nil {
			return fail(err)
		}
		if mine {
			return resp, nil
		}

		// A late reply to an earlier request lowered the barrier. Raise it
		// again, then look once more: our own reply may have been written
		// before the raise.
		metrics.RecordStaleReply(ex.Name)
		span.AddEvent("stale reply discarded")
		if err := barrier.Raise(ctx); err != nil {
			return fail(fmt.Errorf("raise %s barrier: %w", ex.Name, err))
		}
		resp, mine, err = readReply[Resp](ctx, s, ex)
		if err != nil {
			return fail(err)
		}
		if mine {
			return resp, nil
		}
	}
}

// readReply decodes the result at ex.ResultPath and reports whether it
// answers ex.RequestID. Replies that are not Correlated always match.
func readReply[Resp any](ctx context.Context, s store.Store, ex Exchange) (Resp, bool, error) {
	var resp Resp
	if err := store.GetJSON(ctx, s, ex.ResultPath, &resp); err != nil {
		if ex.RequestID != "" && errors.Is(err, store.ErrNotFound) {
			return resp, false, nil
		}
		return resp, false, fmt.Errorf("read %s reply: %w", ex.Name, err)
	}
	if ex.RequestID == "" {
		return resp, true, nil
	}
	c, ok := any(resp).(Correlated)
	return resp, !ok || c.ReplyTo() == ex.RequestID, nil
}

// Reply writes v to resultPath and then lowers the barrier.
func Reply(ctx context.Context, s store.Store, resultPath, barrierPath string, v any) error {
	if err := store.PutJSON(ctx, s, resultPath, v); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return Signal(ctx, s, barrierPath)
}

// Signal lowers the barrier without writing a result, for exchanges whose
// result is already in place.
func Signal(ctx context.Context, s store.Store, barrierPath string) error {
	if err := s.Barrier(barrierPath).Lower(ctx); err != nil {
		return fmt.Errorf("lower barrier %s: %w", barrierPath, err)
	}
	return nil
}
