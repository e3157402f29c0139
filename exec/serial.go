// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/aceproject/ace"
	"github.com/aceproject/ace/mpi"
	"github.com/aceproject/ace/stats"
)

type serialState int

const (
	serialIdle serialState = iota
	serialRunning
	// Draining: the base has no work now but is not finished.
	serialDraining
	serialFinished
)

// A serialRun executes one block at a time on the loop's goroutine.
// Each block is a separate, deferred step of the loop.
type serialRun struct {
	loop   *loop
	base   IOBase
	serial ace.Serial
	stats  runStats
	finish func() error

	state     serialState
	scheduled bool
}

func newSerialRun(l *loop, base IOBase, serial ace.Serial, m *stats.Map, finish func() error) *serialRun {
	return &serialRun{
		loop:   l,
		base:   base,
		serial: serial,
		stats:  newRunStats(m),
		finish: finish,
	}
}

func (r *serialRun) Start() error {
	if r.state != serialIdle {
		return ace.LogicError("serial runner started twice")
	}
	r.state = serialRunning
	r.schedule()
	return nil
}

func (r *serialRun) Wake() error {
	if r.state == serialDraining {
		r.state = serialRunning
		r.schedule()
	}
	return nil
}

func (r *serialRun) Close() error { return nil }

func (r *serialRun) ReadyCode() int { return mpi.ReadyAsSerial }

func (r *serialRun) schedule() {
	if r.scheduled {
		return
	}
	r.scheduled = true
	r.loop.Post(r.step)
}

func (r *serialRun) step() error {
	r.scheduled = false
	if r.state != serialRunning {
		return nil
	}
	switch {
	case r.base.HasWork():
		work, err := r.base.MakeWork()
		if err != nil {
			return err
		}
		r.stats.dispatch()
		result, err := r.execute(work)
		if err != nil {
			return err
		}
		r.stats.complete()
		if err := r.base.SaveResult(result); err != nil {
			return err
		}
		r.schedule()
	case r.base.IsFinished():
		r.state = serialFinished
		return r.finish()
	default:
		r.state = serialDraining
	}
	return nil
}

func (r *serialRun) execute(work ace.Block) (result ace.Block, err error) {
	defer recoverBlock(work.Index(), &err)
	result, err = r.serial.Execute(work)
	if err != nil {
		return nil, err
	}
	return result, checkResult(work.Index(), result)
}
