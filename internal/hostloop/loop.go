// Package hostloop models the host's single cooperative update thread.
//
// All host-side logic runs inside Tick. Two kinds of work are registered on
// the loop:
//   - updaters run on every Tick and on every Yield (pumping the connection
//     channel, for example)
//   - deferred callbacks run exactly once, at the start of the next Tick
//
// Yield runs updaters only. A caller that yields from inside a deferred
// callback can therefore never re-enter another deferred callback.
package hostloop

import (
	"context"
	"sync"
	"time"
)

// Yielder is implemented by anything that can hand control back to the host
// for one cooperative step.
type Yielder interface {
	Yield(ctx context.Context) error
}

type updater struct {
	name string
	fn   func()
}

// Loop is a cooperative scheduler driven by Tick
type Loop struct {
	mu       sync.Mutex
	updaters []updater
	pending  []func()
	interval time.Duration
	ticks    uint64
}

// New creates a loop whose Run and Yield wait interval between steps
func New(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Loop{interval: interval}
}

// AddUpdater registers fn to run on every tick and yield. Registering the
// same name again replaces the previous updater.
func (l *Loop) AddUpdater(name string, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, u := range l.updaters {
		if u.name == name {
			l.updaters[i].fn = fn
			return
		}
	}
	l.updaters = append(l.updaters, updater{name: name, fn: fn})
}

// RemoveUpdater unregisters the named updater
func (l *Loop) RemoveUpdater(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, u := range l.updaters {
		if u.name == name {
			l.updaters = append(l.updaters[:i], l.updaters[i+1:]...)
			return
		}
	}
}

// Defer schedules fn for the next Tick. Never runs fn synchronously.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
}

// Pending reports how many deferred callbacks wait for the next tick
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Ticks returns the number of completed ticks
func (l *Loop) Ticks() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}

// Tick runs the deferred callbacks queued before this tick, then the
// updaters. Callbacks deferred while ticking run on the following tick.
func (l *Loop) Tick() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}

	l.runUpdaters()

	l.mu.Lock()
	l.ticks++
	l.mu.Unlock()
}

// Yield runs the updaters once and then waits one interval, returning early
// with ctx's error if it is cancelled.
func (l *Loop) Yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.runUpdaters()

	timer := time.NewTimer(l.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run ticks every interval until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.Tick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Loop) runUpdaters() {
	l.mu.Lock()
	updaters := make([]updater, len(l.updaters))
	copy(updaters, l.updaters)
	l.mu.Unlock()

	for _, u := range updaters {
		u.fn()
	}
}
