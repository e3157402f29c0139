// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package device

import (
	"fmt"
	"sync"
)

// A Buffer is a region of device memory.
type Buffer struct {
	context *Context
	mem     []byte
}

// Size returns the size of the buffer in bytes.
func (b *Buffer) Size() int { return len(b.mem) }

// Bytes returns the buffer's device memory. It may only be accessed by
// kernels, or by the host after the stream that last wrote it has
// finished.
func (b *Buffer) Bytes() []byte { return b.mem }

// An Event reports the completion of a command enqueued on a stream.
type Event struct {
	done chan struct{}
	err  error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Wait blocks until the command completes and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Done returns a channel that is closed when the command completes.
func (e *Event) Done() <-chan struct{} { return e.done }

type command struct {
	call string
	run  func() error
	ev   *Event
}

// A Stream is an ordered asynchronous command queue. Commands enqueued
// on a stream execute one at a time in submission order; commands on
// different streams run in parallel. A stream fails on its first
// error: the failing command and every subsequent command report it.
type Stream struct {
	context *Context

	// submitMu serializes submission and guards cmds, last, and closed.
	submitMu sync.Mutex
	cmds     chan command
	last     *Event
	closed   bool

	mu      sync.Mutex
	err     error
	stopped chan struct{}
}

func newStream(c *Context) *Stream {
	s := &Stream{
		context: c,
		cmds:    make(chan command, 16),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.stopped)
	for cmd := range s.cmds {
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = run(cmd)
			if err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
		}
		cmd.ev.err = err
		close(cmd.ev.done)
	}
}

func run(cmd command) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = &Error{Code: OutOfResources, Call: cmd.call, Err: fmt.Errorf("panic: %v", e)}
		}
	}()
	return cmd.run()
}

func (s *Stream) enqueue(call string, fn func() error) *Event {
	ev := newEvent()
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if s.closed {
		ev.err = &Error{Code: InvalidQueue, Call: call}
		close(ev.done)
		return ev
	}
	s.last = ev
	s.cmds <- command{call, fn, ev}
	return ev
}

// Write enqueues a copy of p into buf, starting at the beginning of the
// buffer. The caller must not modify p until the returned event
// completes.
func (s *Stream) Write(buf *Buffer, p []byte) *Event {
	return s.enqueue("EnqueueWriteBuffer", func() error {
		if buf == nil || len(p) > len(buf.mem) {
			return &Error{Code: InvalidValue, Call: "EnqueueWriteBuffer"}
		}
		copy(buf.mem, p)
		return nil
	})
}

// Launch enqueues an execution of kernel k with its currently bound
// arguments.
func (s *Stream) Launch(k *Kernel) *Event {
	args := append([]*Buffer(nil), k.args...)
	return s.enqueue("EnqueueKernel", func() error {
		for _, arg := range args {
			if arg == nil {
				return &Error{Code: InvalidKernelArgs, Call: "EnqueueKernel"}
			}
		}
		if err := k.fn(args); err != nil {
			if _, ok := err.(*Error); ok {
				return err
			}
			return &Error{Code: InvalidOperation, Call: "EnqueueKernel", Err: err}
		}
		return nil
	})
}

// Read enqueues a copy of buf into p. The contents of p are defined
// only after the returned event completes.
func (s *Stream) Read(buf *Buffer, p []byte) *Event {
	return s.enqueue("EnqueueReadBuffer", func() error {
		if buf == nil || len(p) > len(buf.mem) {
			return &Error{Code: InvalidValue, Call: "EnqueueReadBuffer"}
		}
		copy(p, buf.mem)
		return nil
	})
}

// Finish blocks until every command enqueued so far has completed and
// returns the stream's error, if any.
func (s *Stream) Finish() error {
	s.submitMu.Lock()
	last := s.last
	s.submitMu.Unlock()
	if last == nil {
		return nil
	}
	<-last.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close waits for outstanding commands and releases the stream.
func (s *Stream) Close() error {
	s.submitMu.Lock()
	if s.closed {
		s.submitMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.cmds)
	s.submitMu.Unlock()
	<-s.stopped
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
