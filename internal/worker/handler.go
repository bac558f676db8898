package worker

import (
	"context"
	"log/slog"

	pkgerrors "github.com/pkg/errors"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// HandlerFunc computes the result of one task.
type HandlerFunc func(ctx context.Context, msg protocol.Message) (any, error)

// NewMessageHandler wraps cb so that its outcome is posted as exactly one
// WorkerSuccessResponse or WorkerErrorResponse. Directives are ignored; they
// belong to the iteration bridge and the scope itself.
func NewMessageHandler(post PostFunc, cb HandlerFunc) Listener {
	return func(ctx context.Context, msg protocol.Message) {
		if msg.IsDirective() {
			return
		}

		result, err := invoke(ctx, cb, msg)

		reply := protocol.Success(result)
		if err != nil {
			reply = protocol.Failure(err)
		}
		if perr := post(reply); perr != nil {
			slog.Warn("worker: post response", "message", msg.Name, "error", perr)
		}
	}
}

func invoke(ctx context.Context, cb HandlerFunc, msg protocol.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("handler panic: %v", r)
		}
	}()
	return cb(ctx, msg)
}
