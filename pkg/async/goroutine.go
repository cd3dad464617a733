package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/dormgate/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery, error logging and,
// when timeout is positive, a deadline. A zero timeout bounds the task by
// parentCtx alone.
//
// Use this instead of bare `go func()` for background work such as sign-in
// redirects and profile refreshes.
//
//	async.SafeGo(ctx, logger, 0, "sign-in redirect", func(ctx context.Context) error {
//	    return coordinator.HandleSignedIn(ctx, event)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := contextFor(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).
					WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

func contextFor(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}
