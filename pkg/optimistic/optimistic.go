// Package optimistic applies a mutation to local state before the backing
// store confirms it, and restores the prior state if the store rejects it.
//
// Calls for the same key are queued: a call takes its snapshot only after the
// previous call for that key has committed or rolled back, so a rollback
// never overwrites the outcome of another call.
package optimistic

import (
	"context"
	"fmt"
	"sync"
)

// State is the local value a Coordinator mutates, addressed by key.
type State[T any] interface {
	Get(key string) T
	Set(key string, v T)
}

// Reconcile adjusts the local value once the store has accepted a mutation,
// for example replacing a temporary id with the stored one.
type Reconcile[T any] func(T) T

// Mutation is one optimistic change.
type Mutation[T any] struct {
	Key    string
	Apply  func(T) T
	Commit func(ctx context.Context) (Reconcile[T], error)
}

// Phase is the outcome reported to a View.
type Phase int

const (
	Pending Phase = iota
	Committed
	RolledBack
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Event describes a state change of one key.
type Event[T any] struct {
	Key   string
	Phase Phase
	Value T
	Err   error
}

// View observes every local state change.
type View[T any] func(Event[T])

// RollbackError reports a mutation the store rejected. The local state for
// Key was restored to its value before the mutation.
type RollbackError struct {
	Key string
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("optimistic update of %s rolled back: %v", e.Key, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Option configures a Coordinator.
type Option[T any] func(*Coordinator[T])

// WithView registers an observer.
func WithView[T any](v View[T]) Option[T] {
	return func(c *Coordinator[T]) { c.view = v }
}

// WithClone sets how snapshots are copied. Values holding slices or maps
// need a deep copy so Apply cannot alter the snapshot.
func WithClone[T any](clone func(T) T) Option[T] {
	return func(c *Coordinator[T]) { c.clone = clone }
}

type lane struct {
	sem  chan struct{}
	refs int
}

// Coordinator runs optimistic mutations against a State.
type Coordinator[T any] struct {
	state State[T]
	clone func(T) T
	view  View[T]

	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates a Coordinator over state.
func New[T any](state State[T], opts ...Option[T]) *Coordinator[T] {
	c := &Coordinator[T]{
		state: state,
		clone: func(v T) T { return v },
		lanes: map[string]*lane{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator[T]) acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	l, ok := c.lanes[key]
	if !ok {
		l = &lane{sem: make(chan struct{}, 1)}
		c.lanes[key] = l
	}
	l.refs++
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.lanes, key)
		}
		c.mu.Unlock()
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (c *Coordinator[T]) notify(key string, phase Phase, err error) {
	if c.view == nil {
		return
	}
	c.view(Event[T]{Key: key, Phase: phase, Value: c.clone(c.state.Get(key)), Err: err})
}

// Do applies m locally, commits it and reconciles or rolls back. It returns
// a *RollbackError when the commit fails, or ctx's error when the call was
// cancelled while waiting for an earlier call on the same key; in that case
// nothing was applied.
func (c *Coordinator[T]) Do(ctx context.Context, m Mutation[T]) error {
	release, err := c.acquire(ctx, m.Key)
	if err != nil {
		return err
	}
	defer release()

	snapshot := c.clone(c.state.Get(m.Key))
	if m.Apply != nil {
		c.state.Set(m.Key, m.Apply(c.clone(snapshot)))
	}
	c.notify(m.Key, Pending, nil)

	reconcile, err := m.Commit(ctx)
	if err != nil {
		c.state.Set(m.Key, snapshot)
		c.notify(m.Key, RolledBack, err)
		return &RollbackError{Key: m.Key, Err: err}
	}
	if reconcile != nil {
		c.state.Set(m.Key, reconcile(c.clone(c.state.Get(m.Key))))
	}
	c.notify(m.Key, Committed, nil)
	return nil
}

// Hold waits for the mutation in flight on key, if any, and keeps later
// mutations on key queued until release is called. Use it to replace the
// state of key wholesale without racing a commit.
func (c *Coordinator[T]) Hold(ctx context.Context, key string) (release func(), err error) {
	return c.acquire(ctx, key)
}

// CloneSlice returns a shallow copy of s, preserving nil.
func CloneSlice[E any](s []E) []E {
	if s == nil {
		return nil
	}
	return append(make([]E, 0, len(s)), s...)
}
