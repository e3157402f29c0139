// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
)

// Slave is the manager of a slave rank of a distributed run. It
// executes the work blocks sent by the master on its local runner and
// returns each result to the master. Its device is chosen by treating
// rank-1 as an ordinal into the configured devices; ranks beyond the
// devices run serially. A slave does not open the analytic's outputs.
//
// The slave finishes once it has received Terminate and every block it
// received has been returned. If the slave fails, it sends an Abort to
// the master. If it receives an Abort, it stops without draining.
type Slave struct {
	*manager
	comm mpi.Comm

	ctx        context.Context
	loop       *loop
	runner     runner
	queue      []ace.Block
	inflight   int
	terminated bool
	aborted    bool
}

// NewSlave returns the manager of the slave rank of comm.
func NewSlave(a ace.Analytic, args Args, cfg *Config, comm mpi.Comm) *Slave {
	return &Slave{
		manager: newManager("slave", a, args, cfg, false),
		comm:    comm,
	}
}

// Run implements Manager.
func (s *Slave) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil && !s.aborted {
			s.abort(err)
		}
		s.close(err)
	}()
	if mpi.IsMaster(s.comm) {
		return ace.LogicError("slave run on rank 0")
	}
	if err = s.initialize(ctx); err != nil {
		return err
	}
	s.ctx = ctx
	b, err := resolveBackend(s.analytic, s.cfg.ordinal(s.comm.Rank()-1))
	if err != nil {
		return err
	}
	s.loop = newLoop()
	if s.runner, err = newRunner(s.loop, s, b, s.cfg, s.done); err != nil {
		return err
	}
	code := s.runner.ReadyCode()
	if err = mpi.SendControl(ctx, s.comm, 0, code); err != nil {
		s.runner.Close()
		return err
	}
	log.Printf("slave %d: %s", s.comm.Rank(), mpi.CodeName(code))
	forward(s.loop, s.comm, s.receive)
	return drive(ctx, s.loop, s.runner)
}

func (s *Slave) receive(msg mpi.Message) error {
	index, err := msg.Index()
	if err != nil {
		return ace.TransportError("malformed message from rank %d: %v", msg.From, err)
	}
	if msg.From != 0 {
		return ace.LogicError("slave %d: message from rank %d", s.comm.Rank(), msg.From)
	}
	switch {
	case index >= 0:
		if s.terminated {
			return ace.LogicError("slave %d: work block %d after terminate", s.comm.Rank(), index)
		}
		work := s.analytic.NewWork()
		if work == nil {
			return ace.LogicError("Analytic returned null work block pointer.")
		}
		if err := work.UnmarshalBinary(msg.Data); err != nil {
			return err
		}
		s.queue = append(s.queue, work)
		s.inflight++
	case index == mpi.Terminate:
		s.terminated = true
	case index == mpi.Abort:
		s.aborted = true
		e, err := mpi.DecodeAbort(msg.Data)
		if err != nil {
			return ace.TransportError("malformed abort from master: %v", err)
		}
		return ace.RemoteError(0, e)
	default:
		return ace.LogicError("slave %d: unexpected %s control code %d", s.comm.Rank(), mpi.CodeName(index), index)
	}
	return s.runner.Wake()
}

func (s *Slave) done() error {
	s.loop.Stop()
	return s.finish()
}

// abort reports err to the master.
func (s *Slave) abort(err error) {
	ctx, cancel := context.WithTimeout(backgroundcontext.Get(), abortTimeout)
	defer cancel()
	if serr := s.comm.Send(ctx, 0, mpi.EncodeAbort(err)); serr != nil {
		log.Error.Printf("slave %d: abort: %v", s.comm.Rank(), serr)
	}
}

// HasWork implements IOBase.
func (s *Slave) HasWork() bool { return len(s.queue) > 0 }

// MakeWork implements IOBase.
func (s *Slave) MakeWork() (ace.Block, error) {
	if len(s.queue) == 0 {
		return nil, ace.LogicError("slave %d: no work", s.comm.Rank())
	}
	work := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return work, nil
}

// SaveResult implements IOBase: the result is returned to the master.
func (s *Slave) SaveResult(result ace.Block) error {
	if err := mpi.SendBlock(s.ctx, s.comm, 0, result); err != nil {
		return err
	}
	s.inflight--
	return nil
}

// IsFinished implements IOBase.
func (s *Slave) IsFinished() bool { return s.terminated && s.inflight == 0 }
