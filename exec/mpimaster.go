// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/log"
)

type masterState int

const (
	masterAwaitingReady masterState = iota
	masterDispatching
	masterDraining
	masterDone
)

var masterStateNames = [...]string{
	masterAwaitingReady: "awaiting-ready",
	masterDispatching:   "dispatching",
	masterDraining:      "draining",
	masterDone:          "done",
}

func (s masterState) String() string { return masterStateNames[s] }

// slaveState is the master's view of one slave.
type slaveState struct {
	ready       bool
	code        int
	outstanding int
	terminated  bool
}

// Master is the manager of rank 0 of a distributed run. It owns the
// run's work cursor: it sends work blocks to slaves as they become
// ready and as they return results, and processes results in index
// order regardless of the order in which they arrive.
//
// Each slave is kept a quota of blocks ahead: BufferSize blocks for
// serial slaves, and BufferSize+ThreadSize+1 for device slaves, so
// that a remote device pool does not starve while results are in
// transit. Once no work remains, a slave is sent Terminate as soon as
// it has no outstanding blocks.
//
// Any failure, local or reported by a slave through an Abort message,
// ends the run: the master broadcasts Abort to every slave.
type Master struct {
	*manager
	comm mpi.Comm

	ctx      context.Context
	loop     *loop
	hopper   *hopper
	stats    runStats
	state    masterState
	slaves   []slaveState
	nextWork int
}

// NewMaster returns the manager of rank 0 of the world of comm.
func NewMaster(a ace.Analytic, args Args, cfg *Config, comm mpi.Comm) *Master {
	return &Master{
		manager: newManager("master", a, args, cfg, true),
		comm:    comm,
	}
}

// Run implements Manager.
func (m *Master) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			m.abort(err)
		}
		m.close(err)
	}()
	if !mpi.IsMaster(m.comm) {
		return ace.LogicError("master run on rank %d", m.comm.Rank())
	}
	if m.comm.Size() < 2 {
		return ace.ConfigurationError("distributed run needs at least one slave, world size is %d", m.comm.Size())
	}
	if err = m.initialize(ctx); err != nil {
		return err
	}
	m.ctx = ctx
	m.slaves = make([]slaveState, m.comm.Size())
	m.stats = newRunStats(m.cfg.Stats)
	m.hopper = newHopper(0, sorting, m.process)
	m.loop = newLoop()
	m.loop.Post(func() error {
		if m.IsFinished() {
			return m.complete()
		}
		return nil
	})
	forward(m.loop, m.comm, m.receive)
	log.Printf("master: distributing %d blocks over %d slaves", m.size, m.comm.Size()-1)
	return m.loop.Run(ctx)
}

// State returns the master's current state.
func (m *Master) State() string { return m.state.String() }

func (m *Master) receive(msg mpi.Message) error {
	index, err := msg.Index()
	if err != nil {
		return ace.TransportError("malformed message from rank %d: %v", msg.From, err)
	}
	if msg.From <= 0 || msg.From >= len(m.slaves) {
		return ace.LogicError("message from invalid rank %d", msg.From)
	}
	if index >= 0 {
		return m.result(msg.From, msg.Data)
	}
	switch index {
	case mpi.ReadyAsSerial, mpi.ReadyAsOpenCL, mpi.ReadyAsCUDA:
		return m.ready(msg.From, index)
	case mpi.Abort:
		e, err := mpi.DecodeAbort(msg.Data)
		if err != nil {
			return ace.TransportError("malformed abort from rank %d: %v", msg.From, err)
		}
		m.slaves[msg.From].terminated = true
		return ace.RemoteError(msg.From, e)
	default:
		return ace.LogicError("unexpected %s control code %d from rank %d", mpi.CodeName(index), index, msg.From)
	}
}

// ready handles the ready code of a slave by sending it its quota of
// work, or Terminate if no work remains.
func (m *Master) ready(rank, code int) error {
	s := &m.slaves[rank]
	if s.ready {
		return ace.LogicError("rank %d reported ready twice", rank)
	}
	s.ready, s.code = true, code
	if s.terminated {
		return nil
	}
	if m.state == masterAwaitingReady {
		m.state = masterDispatching
	}
	quota := m.cfg.BufferSize
	if code != mpi.ReadyAsSerial {
		quota += m.cfg.ThreadSize + 1
	}
	log.Debug.Printf("master: rank %d is %s, quota %d", rank, mpi.CodeName(code), quota)
	for i := 0; i < quota && m.nextWork < m.size; i++ {
		if err := m.sendWork(rank); err != nil {
			return err
		}
	}
	return m.maybeTerminate(rank)
}

func (m *Master) result(rank int, p []byte) error {
	s := &m.slaves[rank]
	if s.outstanding == 0 {
		return ace.LogicError("unexpected result from rank %d with no outstanding work", rank)
	}
	s.outstanding--
	m.stats.complete()
	result := m.analytic.NewResult()
	if result == nil {
		return ace.LogicError("Analytic returned null result block pointer.")
	}
	if err := result.UnmarshalBinary(p); err != nil {
		return err
	}
	if index := result.Index(); index >= m.nextWork {
		return ace.LogicError("Given result block with index %d that was never dispatched.", index)
	}
	if err := m.SaveResult(result); err != nil {
		return err
	}
	if m.IsFinished() {
		return m.complete()
	}
	if m.nextWork < m.size {
		return m.sendWork(rank)
	}
	return m.maybeTerminate(rank)
}

func (m *Master) sendWork(rank int) error {
	work, err := m.MakeWork()
	if err != nil {
		return err
	}
	if err := mpi.SendBlock(m.ctx, m.comm, rank, work); err != nil {
		return err
	}
	m.slaves[rank].outstanding++
	m.stats.dispatch()
	if m.nextWork == m.size {
		m.state = masterDraining
	}
	return nil
}

// maybeTerminate terminates a slave once no work remains and the slave
// has no outstanding blocks.
func (m *Master) maybeTerminate(rank int) error {
	s := &m.slaves[rank]
	if s.terminated || s.outstanding > 0 || m.nextWork < m.size {
		return nil
	}
	s.terminated = true
	log.Debug.Printf("master: terminating rank %d", rank)
	return mpi.SendControl(m.ctx, m.comm, rank, mpi.Terminate)
}

// complete terminates every remaining slave and finishes the run.
func (m *Master) complete() error {
	m.state = masterDone
	m.loop.Stop()
	for rank := 1; rank < len(m.slaves); rank++ {
		if err := m.maybeTerminate(rank); err != nil {
			return err
		}
	}
	return m.finish()
}

// abortTimeout bounds the time spent notifying slaves of a failed run.
const abortTimeout = 10 * time.Second

// abort broadcasts an Abort carrying err to every slave that may still
// be running. Send failures are logged: the run has already failed.
// The run's context may be canceled, so the broadcast uses its own.
func (m *Master) abort(err error) {
	ctx, cancel := context.WithTimeout(backgroundcontext.Get(), abortTimeout)
	defer cancel()
	p := mpi.EncodeAbort(err)
	for rank := 1; rank < m.comm.Size(); rank++ {
		if m.slaves != nil && m.slaves[rank].terminated {
			continue
		}
		if serr := m.comm.Send(ctx, rank, p); serr != nil {
			log.Error.Printf("master: abort rank %d: %v", rank, serr)
		}
	}
}

// HasWork implements IOBase.
func (m *Master) HasWork() bool { return m.nextWork < m.size }

// MakeWork implements IOBase.
func (m *Master) MakeWork() (ace.Block, error) {
	work, err := m.makeWork(m.nextWork)
	if err != nil {
		return nil, err
	}
	m.nextWork++
	return work, nil
}

// SaveResult implements IOBase.
func (m *Master) SaveResult(result ace.Block) error { return m.hopper.Put(result) }

// IsFinished implements IOBase.
func (m *Master) IsFinished() bool { return m.hopper.Next() >= m.size }

// forward delivers each message received by comm to handle, on loop
// l, until the loop exits. A closed communicator fails the loop.
func forward(l *loop, comm mpi.Comm, handle func(mpi.Message) error) {
	go func() {
		for {
			select {
			case msg, ok := <-comm.Messages():
				if !ok {
					l.Send(func() error {
						return ace.TransportError("rank %d: communicator closed", comm.Rank())
					})
					return
				}
				if !l.Send(func() error { return handle(msg) }) {
					return
				}
			case <-l.Exited():
				return
			}
		}
	}()
}
