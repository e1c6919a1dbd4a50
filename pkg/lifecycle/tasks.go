package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// taskGroup holds the tasks one unit registered during Start. They share a
// context that is cancelled right before the unit is stopped.
type taskGroup struct {
	runner *Runner
	unit   string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex     sync.Mutex
	closed    bool
	abandoned bool
	count     int
}

func newTaskGroup(runner *Runner, unit string, parent context.Context) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{
		runner: runner,
		unit:   unit,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go starts fn in its own goroutine. Registrations after the group was
// closed are dropped.
func (g *taskGroup) Go(name string, fn TaskFunc) {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		g.runner.logger.Warnf("Task registered after stop began, ignored, unit: %s, task: %s", g.unit, name)
		return
	}
	g.count++
	g.wg.Add(1)
	g.mutex.Unlock()

	g.runner.logger.Debugf("Task started, unit: %s, task: %s", g.unit, name)

	go func() {
		defer g.wg.Done()
		err := g.invoke(fn)
		g.runner.taskDone(g, name, err)
	}()
}

func (g *taskGroup) invoke(fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(g.ctx)
}

// drain cancels the group and waits at most grace for its tasks. It
// reports false when tasks were abandoned.
func (g *taskGroup) drain(grace time.Duration) bool {
	g.mutex.Lock()
	g.closed = true
	count := g.count
	g.mutex.Unlock()

	g.cancel()
	if count == 0 {
		return true
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		g.mutex.Lock()
		g.abandoned = true
		g.mutex.Unlock()
		return false
	}
}

func (g *taskGroup) isAbandoned() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.abandoned
}
