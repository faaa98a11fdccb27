// Package schedule drives fixed-interval background work.
package schedule

import (
	"context"
	"sync"
	"time"
)

// State of a Repeating timer. Exited is terminal.
type State int32

const (
	Idle State = iota
	Armed
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// TickFunc runs once per interval. Returning false exits the timer.
type TickFunc func(ctx context.Context) bool

// Repeating calls a TickFunc every interval until it returns false, Stop is
// called or the start context ends. Ticks never overlap; the next interval
// starts after the previous tick returns.
type Repeating struct {
	interval time.Duration
	tick     TickFunc

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRepeating(interval time.Duration, tick TickFunc) *Repeating {
	if interval <= 0 {
		interval = time.Second
	}
	return &Repeating{
		interval: interval,
		tick:     tick,
		done:     make(chan struct{}),
	}
}

// Start arms the timer. It reports false if the timer was already started.
func (r *Repeating) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Idle {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = Armed
	go r.run(ctx)
	return true
}

// Stop exits the timer. An in-flight tick finishes first; Stop does not wait.
func (r *Repeating) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Idle:
		r.state = Exited
		close(r.done)
	case Armed:
		r.cancel()
	}
}

func (r *Repeating) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the timer has exited.
func (r *Repeating) Done() <-chan struct{} { return r.done }

func (r *Repeating) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.state = Exited
		r.cancel()
		r.mu.Unlock()
		close(r.done)
	}()
	for {
		if err := Sleep(ctx, r.interval); err != nil {
			return
		}
		if !r.tick(ctx) {
			return
		}
	}
}

// Sleep waits for d or until ctx ends, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
