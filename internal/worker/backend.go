package worker

import (
	"context"

	"slotgrid/internal/config"
	"slotgrid/pkg/model"
)

// Backend drives the browser behind one slot. Execute must honour ctx: the
// slot cancels it on execution timeout and when sessions are destroyed.
type Backend interface {
	Execute(ctx context.Context, cmd model.Command) model.Response
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, cmd model.Command) model.Response

func (f BackendFunc) Execute(ctx context.Context, cmd model.Command) model.Response {
	return f(ctx, cmd)
}

// BackendFactory builds the backend of one slot from its profile.
type BackendFactory func(profile config.SlotProfile) Backend
