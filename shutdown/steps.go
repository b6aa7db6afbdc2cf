package shutdown

import (
	"context"
	"errors"
	"syscall"
)

// Step priorities. The control surface goes first so no new work arrives,
// the logger goes last so every other step can still log.
const (
	PriorityWebUI       = 10
	PrioritySession     = 20
	PriorityBackend     = 30
	PriorityPreferences = 40
	PriorityHistory     = 45
	PriorityDatabase    = 50
	PriorityLogger      = 90
)

// Closer adapts a plain Close method.
func Closer(fn func() error) Func {
	return func(context.Context) error { return fn() }
}

// Action adapts a function that cannot fail.
func Action(fn func()) Func {
	return func(context.Context) error {
		fn()
		return nil
	}
}

// Bounded runs fn but stops waiting for it when ctx is done.
func Bounded(fn func() error) Func {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SyncLogger flushes a zap logger. Syncing a terminal returns EINVAL or
// ENOTTY on some platforms; those are ignored.
func SyncLogger(sync func() error) Func {
	return func(context.Context) error {
		err := sync()
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
			return nil
		}
		return err
	}
}
