package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dohr-michael/paperpool/internal/framing"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// WorkerDataEnv carries the JSON-encoded initialization payload to child
// process contexts.
const WorkerDataEnv = "PAPERPOOL_WORKER_DATA"

// ServeStream runs a scope over framed envelopes: it reads from r until the
// stream ends and posts replies to w. Messages are dispatched one at a time.
// setup registers the context's handlers before the first read.
func ServeStream(ctx context.Context, r io.Reader, w io.Writer, setup func(*Scope) error) error {
	var wmu sync.Mutex
	scope := NewScope(func(msg protocol.Message) error {
		wmu.Lock()
		defer wmu.Unlock()
		return framing.WriteMessage(w, msg)
	})

	if err := setup(scope); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var msg protocol.Message
		if err := framing.ReadMessage(r, &msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		scope.Dispatch(ctx, msg)
	}
}
