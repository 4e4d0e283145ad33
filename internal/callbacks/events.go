// Package callbacks provides named lifecycle hooks for tasks.
// Tasks reference callbacks by name per event (on_start, on_success,
// on_failure, on_completion); the registry resolves and invokes them without
// letting their failures affect the task or workflow.
package callbacks

import (
	"context"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Func is a lifecycle callback. It receives snapshots of the task and its
// workflow; mutating them has no effect on the run.
type Func func(ctx context.Context, task *types.Task, wf *types.Workflow) error
