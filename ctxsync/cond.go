// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides synchronization primitives whose waits can
// be interrupted by a context.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable with a context-aware Wait. Mailboxes
// and drains in the engine use it to block on state changes made by
// other goroutines without leaking past cancellation.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all waiters. Broadcast must only be called while the
// cond's lock is held.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or when the context
// is done, in which case the context's error is returned. The cond's
// lock must be held when calling Wait; it is held again when Wait
// returns.
func (c *Cond) Wait(ctx context.Context) error {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	waitc := c.waitc
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}

// WaitFor waits until ready returns true. Ready is evaluated with the
// cond's lock held, which must be held when calling WaitFor.
func (c *Cond) WaitFor(ctx context.Context, ready func() bool) error {
	for !ready() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
