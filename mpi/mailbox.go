// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpi

import (
	"context"
	"sync"

	"github.com/aceproject/ace/ctxsync"
)

// A mailbox is an unbounded queue of received messages. Senders never
// block on a mailbox, so two ranks sending to each other cannot
// deadlock.
type mailbox struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	queue  []Message
	closed bool
}

func newMailbox() *mailbox {
	m := new(mailbox)
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put enqueues a message. It returns false if the mailbox is closed.
func (m *mailbox) Put(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, msg)
	m.cond.Broadcast()
	return true
}

// Get dequeues the next message, waiting for one to arrive. Get
// returns false once the mailbox is closed and drained.
func (m *mailbox) Get(ctx context.Context) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.cond.WaitFor(ctx, func() bool { return len(m.queue) > 0 || m.closed })
	if err != nil {
		return Message{}, false, err
	}
	if len(m.queue) == 0 {
		return Message{}, false, nil
	}
	msg := m.queue[0]
	m.queue[0] = Message{}
	m.queue = m.queue[1:]
	return msg, true, nil
}

// Close closes the mailbox. Messages already queued are still
// delivered.
func (m *mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// A poller surfaces the messages of a mailbox on a channel.
type poller struct {
	box    *mailbox
	c      chan Message
	cancel func()
	done   chan struct{}
}

func startPoller(box *mailbox) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		box:    box,
		c:      make(chan Message),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.c)
	for {
		msg, ok, err := p.box.Get(ctx)
		if err != nil || !ok {
			return
		}
		select {
		case p.c <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the mailbox and stops the poller. Messages that were
// queued but not yet consumed are dropped.
func (p *poller) Stop() {
	p.box.Close()
	p.cancel()
	<-p.done
}
