// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mpi implements the transport between the ranks of a
// distributed run. Rank 0 is the master; every other rank is a slave.
//
// Every message is a byte buffer whose first four bytes are a signed
// little-endian block index. Non-negative indices identify work blocks
// (master to slave) and result blocks (slave to master); negative
// indices are control codes. Messages are tagged with their sender's
// rank on receipt, so no correlation table is needed.
//
// Received messages are surfaced on a channel by a dedicated poller
// goroutine per communicator, decoupling network waits from the
// cooperative loop that consumes them.
package mpi

import (
	"context"

	"github.com/aceproject/ace"
)

// Control codes.
const (
	// Terminate tells a slave that it will receive no more work.
	Terminate = -1
	// ReadyAsSerial is sent by a slave that will execute on the host.
	ReadyAsSerial = -2
	// ReadyAsOpenCL is sent by a slave that will execute on an OpenCL
	// device.
	ReadyAsOpenCL = -3
	// ReadyAsCUDA is sent by a slave that will execute on a CUDA device.
	ReadyAsCUDA = -4
	// Abort carries a serialized exception. A slave sends it to the
	// master when it fails; the master broadcasts it to all slaves when
	// the run fails.
	Abort = -5
)

// CodeName returns a name for the provided control code.
func CodeName(code int) string {
	switch code {
	case Terminate:
		return "terminate"
	case ReadyAsSerial:
		return "ready-as-serial"
	case ReadyAsOpenCL:
		return "ready-as-opencl"
	case ReadyAsCUDA:
		return "ready-as-cuda"
	case Abort:
		return "abort"
	}
	if code >= 0 {
		return "block"
	}
	return "unknown"
}

// A Message is a buffer received from another rank.
type Message struct {
	// From is the rank of the sender.
	From int
	// Data is the message buffer, beginning with its index.
	Data []byte
}

// Index returns the block index or control code that heads the
// message.
func (m Message) Index() (int, error) {
	return ace.ExtractIndex(m.Data)
}

// A Comm is a communicator: the endpoint of one rank in a world of
// Size ranks.
type Comm interface {
	// Rank returns this process's rank.
	Rank() int
	// Size returns the number of ranks in the world.
	Size() int
	// Send sends data to the provided rank. Send does not retain data
	// after it returns. Failures are reported as transport errors.
	Send(ctx context.Context, to int, data []byte) error
	// Messages returns the channel on which received messages are
	// delivered. The channel is closed when the communicator is closed.
	Messages() <-chan Message
	// Close releases the communicator.
	Close() error
}

// IsMaster tells whether c is the master's communicator.
func IsMaster(c Comm) bool { return c.Rank() == 0 }

// SendBlock serializes b and sends it to the provided rank.
func SendBlock(ctx context.Context, c Comm, to int, b ace.Block) error {
	p, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	return c.Send(ctx, to, p)
}

// SendControl sends a payload-less control code to the provided rank.
func SendControl(ctx context.Context, c Comm, to int, code int) error {
	return SendBlock(ctx, c, to, ace.Control(code))
}

// EncodeAbort returns an Abort message carrying the exception of err.
func EncodeAbort(err error) []byte {
	// Exception marshaling does not fail.
	p, _ := ace.ExceptionOf(err).MarshalBinary()
	b := make([]byte, ace.IndexSize+len(p))
	ace.PutIndex(b, Abort)
	copy(b[ace.IndexSize:], p)
	return b
}

// DecodeAbort returns the exception carried by an Abort message.
func DecodeAbort(data []byte) (*ace.Exception, error) {
	index, err := ace.ExtractIndex(data)
	if err != nil {
		return nil, err
	}
	if index != Abort {
		return nil, ace.LogicError("message with index %d is not an abort", index)
	}
	e := new(ace.Exception)
	if err := e.UnmarshalBinary(data[ace.IndexSize:]); err != nil {
		return nil, err
	}
	return e, nil
}
