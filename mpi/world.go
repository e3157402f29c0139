// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpi

import (
	"context"
	"sync"

	"github.com/aceproject/ace"
)

// NewWorld returns the communicators of a world of the provided size
// whose ranks all live in this process. Worlds are used to run a
// master and its slaves as goroutines, and in tests.
func NewWorld(size int) []Comm {
	w := &world{comms: make([]*localComm, size)}
	comms := make([]Comm, size)
	for i := range w.comms {
		box := newMailbox()
		w.comms[i] = &localComm{
			world:  w,
			rank:   i,
			box:    box,
			poller: startPoller(box),
		}
		comms[i] = w.comms[i]
	}
	return comms
}

type world struct {
	comms []*localComm
}

type localComm struct {
	world  *world
	rank   int
	box    *mailbox
	poller *poller

	closeOnce sync.Once
}

func (c *localComm) Rank() int { return c.rank }

func (c *localComm) Size() int { return len(c.world.comms) }

func (c *localComm) Send(ctx context.Context, to int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return ace.TransportError("send to rank %d: %v", to, err)
	}
	if to < 0 || to >= len(c.world.comms) {
		return ace.TransportError("send to rank %d: invalid rank (size %d)", to, len(c.world.comms))
	}
	msg := Message{From: c.rank, Data: append([]byte(nil), data...)}
	if !c.world.comms[to].box.Put(msg) {
		return ace.TransportError("send to rank %d: communicator closed", to)
	}
	return nil
}

func (c *localComm) Messages() <-chan Message { return c.poller.c }

func (c *localComm) Close() error {
	c.closeOnce.Do(c.poller.Stop)
	return nil
}
