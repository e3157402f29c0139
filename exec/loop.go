// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "context"

// A loop is the cooperative event loop that drives one manager. All
// state of the manager, its I/O base, and its runner is confined to the
// loop's goroutine. Other goroutines (device workers, transport
// pollers) communicate with the loop only through send and through the
// completion channel.
//
// Each tick of the loop runs one unit of work: an event sent from
// another goroutine, a device worker completion, or a deferred step.
// The context is checked between ticks, so a canceled run stops
// without preempting work already dispatched.
type loop struct {
	steps  []func() error
	events chan func() error

	// completions carries the ids of device workers that completed a
	// block; complete handles them on the loop.
	completions chan int
	complete    func(id int) error

	stopped bool
	exited  chan struct{}
}

func newLoop() *loop {
	return &loop{
		events: make(chan func() error),
		exited: make(chan struct{}),
	}
}

// Post defers fn to a later tick. Post must only be called from the
// loop's goroutine (or before the loop runs).
func (l *loop) Post(fn func() error) {
	l.steps = append(l.steps, fn)
}

// Send runs fn on the loop. It may be called from any goroutine. Send
// returns false if the loop has exited, in which case fn is not run.
func (l *loop) Send(fn func() error) bool {
	select {
	case l.events <- fn:
		return true
	case <-l.exited:
		return false
	}
}

// Exited returns a channel that is closed when the loop exits.
func (l *loop) Exited() <-chan struct{} { return l.exited }

// Stop stops the loop after the current tick.
func (l *loop) Stop() {
	l.stopped = true
}

// Run runs the loop until it is stopped, a tick returns an error, or
// the context is done.
func (l *loop) Run(ctx context.Context) error {
	defer close(l.exited)
	for !l.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Events from other goroutines are serviced ahead of deferred
		// steps so that a busy runner cannot starve them.
		select {
		case fn := <-l.events:
			if err := fn(); err != nil {
				return err
			}
			continue
		case id := <-l.completions:
			if err := l.complete(id); err != nil {
				return err
			}
			continue
		default:
		}
		if len(l.steps) > 0 {
			fn := l.steps[0]
			l.steps[0] = nil
			l.steps = l.steps[1:]
			if err := fn(); err != nil {
				return err
			}
			continue
		}
		select {
		case fn := <-l.events:
			if err := fn(); err != nil {
				return err
			}
		case id := <-l.completions:
			if err := l.complete(id); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
