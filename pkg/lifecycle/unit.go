package lifecycle

import "context"

// TaskFunc is a long-lived background operation. It must return once ctx
// is cancelled.
type TaskFunc func(ctx context.Context) error

// Tasks is handed to a unit during Start to register background work. The
// runner owns every task registered through it.
type Tasks interface {
	Go(name string, fn TaskFunc)
}

// Unit is a node of the service tree.
//
// Start is called at most once per runner, after every dependency has
// started. The ctx passed to Start is only valid for the duration of the
// call; long-lived work belongs in a task. Stop must be idempotent and safe
// to call when Start never ran or failed half way.
type Unit interface {
	Name() string
	Dependencies() []Unit
	Start(ctx context.Context, tasks Tasks) error
	Stop(ctx context.Context) error
}

// Runnable is implemented by a root unit that has its own main loop. The
// runner stops the tree once Run returns.
type Runnable interface {
	Run(ctx context.Context) error
}
