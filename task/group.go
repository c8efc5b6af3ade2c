// Package task runs groups of related goroutines which share a lifetime.
package task

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which should each be executed concurrently,
// and which should be collectively blocked on until all are complete.
// Tasks should be preemptable, and the first task to return a non-nil
// error cancels the entire Group.
//
// Tasks are either queued before the Group starts (Queue), or started
// directly once it's running (Go). A broker, for example, queues its
// listeners and session up-front, and then starts a follower fetcher
// each time it becomes a follower of a partition.
type Group struct {
	// Context of the Group, which is cancelled by:
	//  * Any function of the Group returning non-nil error, or
	//  * An explicit call to Cancel, or
	//  * A cancellation of the parent Context of the Group.
	ctx      context.Context
	cancelFn context.CancelFunc

	mu      sync.Mutex
	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group with the given Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a function for execution with the Group.
// Cannot be called after GoRun is invoked or Queue panics.
func (g *Group) Queue(desc string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// GoRun all queued functions. GoRun may be called only once:
// the second invocation will panic.
func (g *Group) GoRun() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		g.spawn(g.tasks[i])
	}
	g.tasks = nil
}

// Go starts a function immediately within a running Group.
// GoRun must have been called or Go panics.
func (g *Group) Go(desc string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		panic("Go called before GoRun")
	}
	g.spawn(task{desc: desc, fn: fn})
}

func (g *Group) spawn(t task) {
	g.eg.Go(func() error {
		var err = t.fn()
		if err != nil && g.ctx.Err() == nil {
			log.WithFields(log.Fields{"task": t.desc, "err": err}).Debug("task failed")
		}
		return errors.WithMessage(err, t.desc)
	})
}

// Wait for started functions, returning only after all complete.
// The first encountered non-nil error is returned.
// GoRun must have been called or Wait panics.
func (g *Group) Wait() error {
	g.mu.Lock()
	var started = g.started
	g.mu.Unlock()

	if !started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}
