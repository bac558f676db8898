package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnNotImplemented is returned when the pool has no spawner.
	ErrSpawnNotImplemented = errors.New("pool: spawn not implemented")
	ErrPoolClosed          = errors.New("pool: closed")
	ErrContextDied         = errors.New("pool: execution context died")
)

// ContextDeathError fails the task held by a context that terminated.
type ContextDeathError struct {
	ContextID string
	TaskID    string
	Cause     error
}

func (e *ContextDeathError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("execution context %s died", e.ContextID)
	}
	return fmt.Sprintf("execution context %s died: %v", e.ContextID, e.Cause)
}

func (e *ContextDeathError) Unwrap() error { return e.Cause }

func (e *ContextDeathError) Is(target error) bool { return target == ErrContextDied }

// ProtocolError reports a response the pool cannot route.
type ProtocolError struct {
	ContextID string
	Name      string
	Reason    string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol: %s from context %s: %s", e.Name, e.ContextID, e.Reason)
	}
	return fmt.Sprintf("protocol: unrecognized WorkerResponse type %q from context %s", e.Name, e.ContextID)
}
