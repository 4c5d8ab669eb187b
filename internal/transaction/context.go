// Package transaction holds the unit of work a received message is handled in.
//
// Receive attaches what must happen to the delivery when the unit of work
// commits, rolls back or ends. Whoever owns the unit of work calls Complete or
// Abort once, then Dispose; every registered action runs at most once.
package transaction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrFinished is returned when the unit of work was already completed or aborted
var ErrFinished = errors.New("transaction already finished")

// Action is a deferred step run on commit or rollback
type Action func(ctx context.Context) error

type state int

const (
	open state = iota
	completed
	aborted
)

// Context is a unit of work with pending commit, rollback and dispose actions
type Context struct {
	mu         sync.Mutex
	state      state
	disposed   bool
	onCommit   []Action
	onRollback []Action
	onDispose  []func()
}

func New() *Context {
	return &Context{}
}

// OnCommit queues a to run when the unit of work completes
func (c *Context) OnCommit(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != open || c.disposed {
		return ErrFinished
	}
	c.onCommit = append(c.onCommit, a)
	return nil
}

// OnRollback queues a to run when the unit of work is aborted or disposed unfinished
func (c *Context) OnRollback(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != open || c.disposed {
		return ErrFinished
	}
	c.onRollback = append(c.onRollback, a)
	return nil
}

// OnDispose queues f to run from Dispose regardless of outcome
func (c *Context) OnDispose(f func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrFinished
	}
	c.onDispose = append(c.onDispose, f)
	return nil
}

// Complete runs the commit actions in registration order.
// All actions run; their errors are joined.
func (c *Context) Complete(ctx context.Context) error {
	actions, err := c.finish(completed)
	if err != nil {
		return err
	}
	return run(ctx, actions)
}

// Abort runs the rollback actions in registration order
func (c *Context) Abort(ctx context.Context) error {
	actions, err := c.finish(aborted)
	if err != nil {
		return err
	}
	return run(ctx, actions)
}

func (c *Context) finish(to state) ([]Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != open || c.disposed {
		return nil, ErrFinished
	}
	c.state = to

	var actions []Action
	if to == completed {
		actions = c.onCommit
	} else {
		actions = c.onRollback
	}
	c.onCommit, c.onRollback = nil, nil
	return actions, nil
}

// Dispose ends the unit of work. An unfinished one is aborted first.
// Dispose actions run once, in reverse registration order.
func (c *Context) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == open
	c.mu.Unlock()

	if wasOpen {
		if err := c.Abort(ctx); err != nil && !errors.Is(err, ErrFinished) {
			slog.Warn("Rollback during dispose failed", "error", err)
		}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	disposers := c.onDispose
	c.onDispose = nil
	c.mu.Unlock()

	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}

// Completed reports whether Complete has been called
func (c *Context) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == completed
}

func run(ctx context.Context, actions []Action) error {
	var errs []error
	for _, a := range actions {
		if err := a(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
