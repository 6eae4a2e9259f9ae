// Package executor runs slot commands against browser containers. A
// newSession starts a container from the slot profile's image, quit removes
// it, and every other command is handed to a driver shim inside the
// container as "<shim...> <command name> <parameters JSON>". The shim prints
// the command's JSON value on stdout; a non-zero exit code is a failure
// whose stderr becomes the error message.
package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slotgrid/pkg/model"
)

// Exit codes of the driver shim with a dedicated response status.
const (
	ExitNoSuchSession = 6
	ExitTimeout       = 21
)

// DockerBackend serves one slot. It implements worker.Backend.
type DockerBackend struct {
	runtime Runtime
	image   string
	shim    []string
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]string // session id -> container id
}

func NewDockerBackend(rt Runtime, image string, shim []string, log *zap.Logger) *DockerBackend {
	return &DockerBackend{
		runtime:  rt,
		image:    image,
		shim:     shim,
		log:      log.Named("docker"),
		sessions: make(map[string]string),
	}
}

func (b *DockerBackend) Execute(ctx context.Context, cmd model.Command) model.Response {
	switch cmd.Name {
	case model.CommandNewSession:
		return b.newSession(ctx)
	case model.CommandQuit:
		return b.quit(ctx, cmd.SessionID)
	default:
		return b.exec(ctx, cmd)
	}
}

func (b *DockerBackend) newSession(ctx context.Context) model.Response {
	if b.image == "" {
		return model.ErrorResponse(model.StatusSessionNotCreated, "", "slot profile has no image")
	}
	session := uuid.NewString()
	containerID, err := b.runtime.Start(ctx, "slotgrid-"+session, b.image, map[string]string{SessionLabel: session})
	if err != nil {
		b.log.Error("session container failed", zap.String("image", b.image), zap.Error(err))
		return model.ErrorResponse(model.StatusSessionNotCreated, "", err.Error())
	}
	// The slot has already answered with a timeout and will never bind
	// this session, so the container would be orphaned.
	if err := ctx.Err(); err != nil {
		b.log.Warn("session start abandoned, removing container",
			zap.String("session", session), zap.String("container", shortID(containerID)), zap.Error(err))
		if rerr := b.runtime.Remove(context.WithoutCancel(ctx), containerID); rerr != nil {
			b.log.Error("remove abandoned container", zap.String("container", shortID(containerID)), zap.Error(rerr))
		}
		return model.ErrorResponse(model.StatusSessionNotCreated, "", "session start abandoned: "+err.Error())
	}

	b.mu.Lock()
	b.sessions[session] = containerID
	b.mu.Unlock()

	b.log.Info("session container started", zap.String("session", session), zap.String("container", shortID(containerID)))
	value, _ := json.Marshal(map[string]string{"containerId": shortID(containerID)})
	return model.Response{Status: model.StatusSuccess, SessionID: session, Value: value}
}

func (b *DockerBackend) quit(ctx context.Context, session string) model.Response {
	b.mu.Lock()
	containerID, ok := b.sessions[session]
	delete(b.sessions, session)
	b.mu.Unlock()
	if !ok {
		return model.Response{Status: model.StatusSuccess, SessionID: session}
	}

	// Removal must finish even when the command was aborted.
	if err := b.runtime.Remove(context.WithoutCancel(ctx), containerID); err != nil {
		b.log.Error("remove session container", zap.String("session", session), zap.Error(err))
		return model.ErrorResponse(model.StatusUnknownError, session, err.Error())
	}
	b.log.Info("session container removed", zap.String("session", session))
	return model.Response{Status: model.StatusSuccess, SessionID: session}
}

func (b *DockerBackend) exec(ctx context.Context, cmd model.Command) model.Response {
	b.mu.Lock()
	containerID, ok := b.sessions[cmd.SessionID]
	b.mu.Unlock()
	if !ok {
		return model.ErrorResponse(model.StatusNoSuchSession, cmd.SessionID, "no container for session")
	}

	params, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return model.ErrorResponse(model.StatusUnknownError, cmd.SessionID, err.Error())
	}
	argv := append(append([]string{}, b.shim...), cmd.Name, string(params))

	res, err := b.runtime.Exec(ctx, containerID, argv)
	if err != nil {
		return model.ErrorResponse(model.StatusUnknownError, cmd.SessionID, err.Error())
	}
	if res.ExitCode != 0 {
		return model.ErrorResponse(exitStatus(res.ExitCode), cmd.SessionID, strings.TrimSpace(string(res.Stderr)))
	}
	return model.Response{Status: model.StatusSuccess, SessionID: cmd.SessionID, Value: jsonValue(res.Stdout)}
}

func exitStatus(code int) int {
	switch code {
	case ExitNoSuchSession:
		return model.StatusNoSuchSession
	case ExitTimeout:
		return model.StatusTimeout
	}
	return model.StatusUnknownError
}

// jsonValue keeps valid JSON output as is and quotes anything else.
func jsonValue(out []byte) json.RawMessage {
	out = []byte(strings.TrimSpace(string(out)))
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return out
	}
	quoted, _ := json.Marshal(string(out))
	return quoted
}
