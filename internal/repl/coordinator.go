package repl

import (
	"context"
	"sync"
)

type result struct {
	value string
	reply *Reply
	err   error
}

// Operation is a single-use completion handle. The first Resolve or Reject
// wins; later calls are ignored.
type Operation struct {
	done chan result
	once sync.Once
}

func newOperation() *Operation {
	return &Operation{done: make(chan result, 1)}
}

func (o *Operation) complete(r result) bool {
	won := false
	o.once.Do(func() {
		o.done <- r
		won = true
	})
	return won
}

// Wait blocks until the operation completes or ctx is done.
func (o *Operation) Wait(ctx context.Context) (string, error) {
	r, err := o.wait(ctx)
	return r.value, err
}

func (o *Operation) wait(ctx context.Context) (result, error) {
	select {
	case r := <-o.done:
		return r, r.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// Coordinator holds at most one outstanding Operation. Inbound data handlers
// complete it through Resolve/Reject without knowing who is waiting.
type Coordinator struct {
	mu      sync.Mutex
	pending *Operation
}

// Begin registers a fresh operation, or fails with ErrBusy if one is
// already outstanding.
func (c *Coordinator) Begin() (*Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return nil, ErrBusy
	}
	c.pending = newOperation()
	return c.pending, nil
}

// Pending reports whether an operation is outstanding.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Resolve completes the outstanding operation. It reports false when there
// was none.
func (c *Coordinator) Resolve(value string) bool {
	return c.finish(result{value: value})
}

// Reject fails the outstanding operation. It reports false when there was none.
func (c *Coordinator) Reject(err error) bool {
	return c.finish(result{err: err})
}

func (c *Coordinator) resolveReply(value string, reply *Reply) bool {
	return c.finish(result{value: value, reply: reply})
}

func (c *Coordinator) finish(r result) bool {
	c.mu.Lock()
	op := c.pending
	c.pending = nil
	c.mu.Unlock()
	if op == nil {
		return false
	}
	return op.complete(r)
}

// Abandon drops op if it is still the outstanding operation, used when the
// waiter gives up (context cancelled) or no reply will ever come.
func (c *Coordinator) Abandon(op *Operation) {
	c.mu.Lock()
	if c.pending == op {
		c.pending = nil
	}
	c.mu.Unlock()
}
