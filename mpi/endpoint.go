// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpi

import (
	"context"
	"sync"

	"github.com/aceproject/ace"
	"github.com/grailbio/base/errors"
)

// A SendFunc transmits a message to the provided rank.
type SendFunc func(ctx context.Context, to int, data []byte) error

// An Endpoint is a Comm for transports that are not stream based, such
// as RPC systems. Outgoing messages are handed to a SendFunc; incoming
// messages are given to the endpoint by its owner through Deliver.
type Endpoint struct {
	rank, size int
	send       SendFunc
	box        *mailbox
	poller     *poller

	closeOnce sync.Once
}

// NewEndpoint returns the endpoint of the provided rank in a world of
// the provided size.
func NewEndpoint(rank, size int, send SendFunc) *Endpoint {
	box := newMailbox()
	return &Endpoint{
		rank:   rank,
		size:   size,
		send:   send,
		box:    box,
		poller: startPoller(box),
	}
}

// Deliver queues a message received from the provided rank. Deliver
// returns false if the endpoint is closed.
func (e *Endpoint) Deliver(from int, data []byte) bool {
	return e.box.Put(Message{From: from, Data: data})
}

// Rank implements Comm.
func (e *Endpoint) Rank() int { return e.rank }

// Size implements Comm.
func (e *Endpoint) Size() int { return e.size }

// Send implements Comm.
func (e *Endpoint) Send(ctx context.Context, to int, data []byte) error {
	if to < 0 || to >= e.size {
		return ace.TransportError("send to rank %d: invalid rank (size %d)", to, e.size)
	}
	if to == e.rank {
		if !e.Deliver(e.rank, append([]byte(nil), data...)) {
			return ace.TransportError("send to rank %d: communicator closed", to)
		}
		return nil
	}
	if err := e.send(ctx, to, data); err != nil {
		if e, ok := err.(*errors.Error); ok {
			if _, ok := e.Err.(*ace.Exception); ok {
				return err
			}
		}
		return ace.TransportError("send to rank %d: %v", to, err)
	}
	return nil
}

// Messages implements Comm.
func (e *Endpoint) Messages() <-chan Message { return e.poller.c }

// Close implements Comm.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(e.poller.Stop)
	return nil
}
