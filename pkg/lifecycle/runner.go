package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultStopTimeout = 30 * time.Second
)

type RunnerOptions struct {
	// GracePeriod bounds how long a unit's tasks may take to observe
	// cancellation before they are abandoned.
	GracePeriod time.Duration
	// StopTimeout bounds each unit's Stop call.
	StopTimeout time.Duration
	// StartConcurrency limits how many siblings start at once, 0 means
	// unlimited and 1 means sequential in declared order.
	StartConcurrency int
	// Signals trigger graceful shutdown. Nil disables signal handling.
	Signals []os.Signal
}

// DefaultSignals returns the shutdown signals for the current platform.
func DefaultSignals() []os.Signal {
	if runtime.GOOS == "windows" {
		return []os.Signal{os.Interrupt} // Unix signals not implemented on Windows
	}
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// RunError is returned by Run when a fatal error occurred. Cause is the
// first startup or run failure; Shutdown holds what went wrong while
// tearing down afterwards.
type RunError struct {
	Cause    error
	Shutdown []error
}

func (e *RunError) Error() string {
	if len(e.Shutdown) == 0 {
		return e.Cause.Error()
	}
	msgs := make([]string, len(e.Shutdown))
	for i, err := range e.Shutdown {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%v (shutdown errors: %s)", e.Cause, strings.Join(msgs, "; "))
}

func (e *RunError) Unwrap() []error {
	return append([]error{e.Cause}, e.Shutdown...)
}

type startedUnit struct {
	unit  Unit
	tasks *taskGroup
}

// Runner drives one start/run/stop cycle of a unit tree. It is not
// reusable.
type Runner struct {
	id       string
	root     Unit
	rootNode *node
	options  RunnerOptions
	logger   logging.Logger
	state    *RunnerStateMachine

	mutex          sync.Mutex
	started        []startedUnit
	stopped        []string
	groups         []*taskGroup
	fatal          error
	signalled      bool
	stopping       bool
	shutdownErrors *errors.ErrorCollection
	startFailure   error
	cancelStart    context.CancelFunc
	cancelLife     context.CancelFunc
	taskBase       context.Context
}

func NewRunner(root Unit, options RunnerOptions, logger logging.Logger) (*Runner, error) {
	if err := ValidateRunnerOptions(options); err != nil {
		return nil, err
	}

	rootNode, err := buildGraph(root)
	if err != nil {
		return nil, err
	}

	if options.GracePeriod == 0 {
		options.GracePeriod = DefaultGracePeriod
	}
	if options.StopTimeout == 0 {
		options.StopTimeout = DefaultStopTimeout
	}

	id := uuid.NewString()

	return &Runner{
		id:             id,
		root:           root,
		rootNode:       rootNode,
		options:        options,
		logger:         logger,
		state:          NewRunnerStateMachine(id, logger),
		shutdownErrors: errors.NewErrorCollection(),
	}, nil
}

func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) Options() RunnerOptions {
	return r.options
}

func (r *Runner) State() RunnerState {
	return r.state.GetCurrentState()
}

func (r *Runner) StateInfo() StateInfo {
	return r.state.GetStateInfo()
}

func (r *Runner) StateHistory() []StateTransition {
	return r.state.GetTransitionHistory()
}

// StartOrder returns unit names in the order their Start succeeded.
func (r *Runner) StartOrder() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	names := make([]string, len(r.started))
	for i, s := range r.started {
		names[i] = s.unit.Name()
	}
	return names
}

// StopOrder returns unit names in the order Stop was called.
func (r *Runner) StopOrder() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	names := make([]string, len(r.stopped))
	copy(names, r.stopped)
	return names
}

// ShutdownErrors returns the secondary errors of the last cycle. They are
// reported here even when Run succeeded.
func (r *Runner) ShutdownErrors() []error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	errs := make([]error, len(r.shutdownErrors.Errors))
	copy(errs, r.shutdownErrors.Errors)
	return errs
}

// Run starts the tree, waits for the root to finish, a task to fail or ctx
// to be cancelled, then stops every started unit in reverse order. It
// returns nil on success and after external cancellation, otherwise a
// *RunError.
func (r *Runner) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	if err := r.state.Transition(RunnerStateStarting, "run", nil); err != nil {
		return errors.NewValidationError("runner cannot be reused", err).WithContext("runner_id", r.id)
	}

	lifeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Cancelled by the first failing Start so no other branch starts more units.
	startCtx, cancelStart := context.WithCancel(lifeCtx)
	defer cancelStart()

	r.mutex.Lock()
	r.cancelLife = cancel
	r.cancelStart = cancelStart
	r.taskBase = context.WithoutCancel(ctx)
	r.mutex.Unlock()

	stopSignals := r.watchSignals()
	defer stopSignals()

	r.logger.Infof("Runner starting, id: %s, root: %s", r.id, r.root.Name())

	startErr := r.startNode(startCtx, r.rootNode)
	if failure := r.firstStartFailure(); failure != nil {
		startErr = failure
	}
	if startErr != nil {
		if isCancellation(startErr) && lifeCtx.Err() != nil {
			r.logger.Infof("Startup interrupted by cancellation: %v", startErr)
		} else {
			r.logger.Errorf("Startup failed: %v", startErr)
			r.fail(startErr)
		}
		cancel()
		r.beginStopping("startup")
	} else {
		r.transition(RunnerStateRunning, "startup", nil)
		r.logger.Infof("All units started, runner is fully operational, order: %v", r.StartOrder())
		r.await(lifeCtx)
		cancel()
		r.beginStopping("run")
	}

	r.shutdown()
	r.transition(RunnerStateStopped, "shutdown", nil)

	return r.result()
}

func (r *Runner) startNode(ctx context.Context, n *node) error {
	n.once.Do(func() {
		n.err = r.startUnit(ctx, n)
	})
	return n.err
}

func (r *Runner) startUnit(ctx context.Context, n *node) error {
	name := n.unit.Name()

	if len(n.deps) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		if r.options.StartConcurrency > 0 {
			g.SetLimit(r.options.StartConcurrency)
		}
		for _, dep := range n.deps {
			g.Go(func() error {
				return r.startNode(gctx, dep)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		r.logger.Debugf("Unit not started, startup cancelled, name: %s", name)
		return errors.NewCancelledError("startup cancelled before unit "+name, err).WithContext("unit", name)
	}

	r.mutex.Lock()
	tasks := newTaskGroup(r, name, r.taskBase)
	r.groups = append(r.groups, tasks)
	r.mutex.Unlock()

	r.logger.Infof("Starting unit, name: %s", name)
	startedAt := time.Now()

	if err := invokeStart(ctx, n.unit, tasks); err != nil {
		r.logger.Errorf("Failed to start unit, name: %s, error: %v", name, err)
		startErr := errors.NewStartupError(fmt.Sprintf("unit %s failed to start", name), err).WithContext("unit", name)
		r.recordStartFailure(ctx, startErr)
		return startErr
	}

	r.mutex.Lock()
	r.started = append(r.started, startedUnit{unit: n.unit, tasks: tasks})
	r.mutex.Unlock()

	r.logger.Infof("Unit started, name: %s, took: %v", name, time.Since(startedAt))
	return nil
}

// recordStartFailure keeps the first failing Start as the startup cause and
// cancels startup in every branch. Start errors caused by that cancellation
// are not recorded.
func (r *Runner) recordStartFailure(ctx context.Context, err error) {
	r.mutex.Lock()
	cancel := r.cancelStart
	if r.startFailure == nil && !(isCancellation(err) && ctx.Err() != nil) {
		r.startFailure = err
	}
	r.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (r *Runner) firstStartFailure() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.startFailure
}

func invokeStart(ctx context.Context, u Unit, tasks Tasks) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("start panicked: %v", p)
		}
	}()
	return u.Start(ctx, tasks)
}

func invokeStop(ctx context.Context, u Unit) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stop panicked: %v", p)
		}
	}()
	return u.Stop(ctx)
}

func (r *Runner) await(lifeCtx context.Context) {
	runnable, ok := r.root.(Runnable)
	if !ok {
		<-lifeCtx.Done()
		r.logger.Infof("Runner context done, stopping")
		return
	}

	runDone := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				runDone <- fmt.Errorf("run panicked: %v", p)
			}
		}()
		runDone <- runnable.Run(lifeCtx)
	}()

	select {
	case err := <-runDone:
		r.handleRunResult(lifeCtx, err)
	case <-lifeCtx.Done():
		r.logger.Infof("Runner context done, waiting for root run to return")
		timer := time.NewTimer(r.options.GracePeriod)
		defer timer.Stop()
		select {
		case err := <-runDone:
			r.handleRunResult(lifeCtx, err)
		case <-timer.C:
			r.logger.Warnf("Root run did not return within %v, abandoned", r.options.GracePeriod)
		}
	}
}

func (r *Runner) handleRunResult(lifeCtx context.Context, err error) {
	name := r.root.Name()
	if err == nil {
		r.logger.Infof("Root run completed, unit: %s", name)
		return
	}
	if isCancellation(err) && lifeCtx.Err() != nil {
		r.logger.Infof("Root run returned after cancellation, unit: %s", name)
		return
	}
	r.logger.Errorf("Root run failed, unit: %s, error: %v", name, err)
	r.fail(errors.NewRunError(fmt.Sprintf("unit %s run failed", name), err).WithContext("unit", name))
}

func (r *Runner) taskDone(g *taskGroup, name string, err error) {
	if g.isAbandoned() {
		return
	}
	if err == nil {
		r.logger.Debugf("Task finished, unit: %s, task: %s", g.unit, name)
		return
	}
	if g.ctx.Err() != nil {
		if isCancellation(err) {
			r.logger.Debugf("Task cancelled, unit: %s, task: %s", g.unit, name)
			return
		}
		r.logger.Warnf("Task failed during shutdown, unit: %s, task: %s, error: %v", g.unit, name, err)
		r.addShutdownError(errors.NewShutdownError(
			fmt.Sprintf("task %s of unit %s failed during shutdown", name, g.unit), err,
		).WithContext("unit", g.unit).WithContext("task", name))
		return
	}

	r.logger.Errorf("Task failed, unit: %s, task: %s, error: %v", g.unit, name, err)
	r.fail(errors.NewRunError(fmt.Sprintf("task %s of unit %s failed", name, g.unit), err).
		WithContext("unit", g.unit).WithContext("task", name))
}

// fail records err as the primary cause unless one exists already, and
// cancels the running phase. Once stopping began errors are secondary.
func (r *Runner) fail(err error) {
	r.mutex.Lock()
	if r.stopping {
		r.shutdownErrors.Add(err)
		r.mutex.Unlock()
		return
	}
	if r.fatal == nil {
		r.fatal = err
	}
	cancel := r.cancelLife
	r.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (r *Runner) addShutdownError(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.shutdownErrors.Add(err)
}

func (r *Runner) primary() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.fatal
}

func (r *Runner) beginStopping(operation string) {
	r.mutex.Lock()
	r.stopping = true
	r.mutex.Unlock()
	r.transition(RunnerStateStopping, operation, r.primary())
}

func (r *Runner) transition(to RunnerState, operation string, err error) {
	if transitionErr := r.state.Transition(to, operation, err); transitionErr != nil {
		r.logger.Errorf("Runner state transition failed: %v", transitionErr)
	}
}

func (r *Runner) shutdown() {
	r.mutex.Lock()
	started := make([]startedUnit, len(r.started))
	copy(started, r.started)
	groups := make([]*taskGroup, len(r.groups))
	copy(groups, r.groups)
	r.mutex.Unlock()

	r.logger.Infof("Stopping %d units", len(started))

	owned := make(map[*taskGroup]bool, len(started))
	for _, s := range started {
		owned[s.tasks] = true
	}
	// Tasks registered by units whose Start failed.
	for _, g := range groups {
		if !owned[g] {
			r.drainTasks(g)
		}
	}

	for i := len(started) - 1; i >= 0; i-- {
		r.drainTasks(started[i].tasks)
		r.stopUnit(started[i].unit)
	}

	if errs := r.ShutdownErrors(); len(errs) > 0 {
		r.logger.Warnf("Shutdown finished with %d error(s)", len(errs))
	} else {
		r.logger.Infof("Shutdown finished")
	}
}

func (r *Runner) drainTasks(g *taskGroup) {
	if !g.drain(r.options.GracePeriod) {
		r.logger.Warnf("Tasks of unit %s did not finish within %v, abandoned", g.unit, r.options.GracePeriod)
	}
}

func (r *Runner) stopUnit(u Unit) {
	name := u.Name()
	r.logger.Infof("Stopping unit, name: %s", name)

	ctx, cancel := context.WithTimeout(r.taskBase, r.options.StopTimeout)
	defer cancel()

	err := invokeStop(ctx, u)

	r.mutex.Lock()
	r.stopped = append(r.stopped, name)
	r.mutex.Unlock()

	if err != nil {
		r.logger.Errorf("Failed to stop unit, name: %s, error: %v", name, err)
		r.addShutdownError(errors.NewShutdownError(fmt.Sprintf("unit %s failed to stop", name), err).WithContext("unit", name))
		return
	}
	r.logger.Infof("Unit stopped, name: %s", name)
}

func (r *Runner) result() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.fatal == nil {
		return nil
	}

	shutdown := make([]error, len(r.shutdownErrors.Errors))
	copy(shutdown, r.shutdownErrors.Errors)
	return &RunError{Cause: r.fatal, Shutdown: shutdown}
}

func (r *Runner) watchSignals() func() {
	if len(r.options.Signals) == 0 {
		return func() {}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, r.options.Signals...)
	done := make(chan struct{})

	go func() {
		received := false
		for {
			select {
			case s := <-sig:
				if received {
					r.logger.Warnf("Ignoring repeated signal %v, shutdown already in progress", s)
					continue
				}
				received = true
				r.logger.Infof("Runner received signal: %v", s)

				r.mutex.Lock()
				r.signalled = true
				cancel := r.cancelLife
				r.mutex.Unlock()

				if cancel != nil {
					cancel()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sig)
		close(done)
	}
}

// Signalled reports whether an OS signal triggered the shutdown.
func (r *Runner) Signalled() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.signalled
}

func isCancellation(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
