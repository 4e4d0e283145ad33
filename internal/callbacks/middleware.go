package callbacks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// WithTimeout bounds a callback's run time. The callback's context is
// cancelled at the deadline; a callback that ignores it keeps running in the
// background but no longer holds up dispatch.
func WithTimeout(timeout time.Duration, next Func) Func {
	return func(ctx context.Context, task *types.Task, wf *types.Workflow) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					done <- fmt.Errorf("callback panic: %v", recovered)
				}
			}()
			done <- next(ctx, task, wf)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("callback timed out after %v", timeout)
			}
			return ctx.Err()
		}
	}
}
