// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"runtime/debug"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/mpi"
	"github.com/aceproject/ace/stats"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A runner executes the work blocks of an I/O base on one backend. A
// runner calls its finish func once, after the base reports that it is
// finished and no blocks remain in flight.
type runner interface {
	// Start primes the runner with the work available from its base.
	Start() error
	// Wake tells the runner that its base may have new work, or may
	// have become finished.
	Wake() error
	// Close waits for all in-flight work to complete and releases the
	// runner's resources.
	Close() error
	// ReadyCode returns the control code a slave sends to announce
	// this runner.
	ReadyCode() int
}

// Stat names.
const (
	statDispatched = "dispatched"
	statCompleted  = "completed"
	statInflight   = "inflight"
	statInflightHW = "inflight-max"
)

type runStats struct {
	dispatched, completed, inflight, inflightMax *stats.Int
}

func newRunStats(m *stats.Map) runStats {
	if m == nil {
		return runStats{}
	}
	return runStats{
		dispatched:  m.Int(statDispatched),
		completed:   m.Int(statCompleted),
		inflight:    m.Int(statInflight),
		inflightMax: m.Int(statInflightHW),
	}
}

func (s runStats) dispatch() {
	s.dispatched.Add(1)
	s.inflight.Add(1)
	s.inflightMax.SetMax(s.inflight.Get())
}

func (s runStats) complete() {
	s.completed.Add(1)
	s.inflight.Add(-1)
}

// Backend kinds, resolved once per manager from the analytic's
// capabilities and the configured device.
type backendKind int

const (
	backendNone backendKind = iota
	backendSerial
	backendDevice
)

// A backend is the resolved execution capability of an analytic.
type backend struct {
	kind    backendKind
	serial  ace.Serial
	program ace.DeviceProgram
	device  *device.Device
}

// resolveBackend resolves the backend of analytic a. A device backend
// is preferred when dev is non-nil and the analytic offers a program for
// the device's kind. The serial executor, if the analytic offers one, is
// retained as a fallback.
func resolveBackend(a ace.Analytic, dev *device.Device) (backend, error) {
	var b backend
	if dev != nil {
		program, err := ace.MakeDeviceProgram(a, dev.Kind)
		if err != nil {
			return b, err
		}
		if program != nil {
			b.kind, b.program, b.device = backendDevice, program, dev
		}
	}
	serial, err := ace.MakeSerial(a)
	if err != nil {
		return b, err
	}
	b.serial = serial
	if b.kind == backendNone && serial != nil {
		b.kind = backendSerial
	}
	return b, nil
}

// newRunner constructs the runner for backend b. Failure to set up a
// device falls back to serial execution, if the analytic supports it.
func newRunner(l *loop, base IOBase, b backend, cfg *Config, finish func() error) (runner, error) {
	switch b.kind {
	case backendDevice:
		r, err := newDeviceRun(l, base, b.program, b.device, cfg.ThreadSize, cfg.Stats, finish)
		if err == nil {
			return r, nil
		}
		if b.serial == nil {
			return nil, err
		}
		log.Error.Printf("device %s: %v; falling back to serial execution", b.device, err)
		fallthrough
	case backendSerial:
		return newSerialRun(l, base, b.serial, cfg.Stats, finish), nil
	default:
		return nil, ace.LogicError("Analytic offers no serial or device executor for this run.")
	}
}

// readyCode returns the ready code for a device of the provided kind.
func readyCode(kind device.Kind) int {
	switch kind {
	case device.OpenCL:
		return mpi.ReadyAsOpenCL
	case device.CUDA:
		return mpi.ReadyAsCUDA
	}
	return mpi.ReadyAsSerial
}

// recoverBlock converts a panic during block execution into a logic
// error carrying the panic's stack.
func recoverBlock(index int, err *error) {
	if e := recover(); e != nil {
		stack := debug.Stack()
		*err = errors.E(errors.Fatal, &ace.Exception{
			Title:   "Logic Error",
			Details: fmt.Sprintf("panic while executing block %d: %v\n%s", index, e, stack),
		})
	}
}

// checkResult checks that a backend produced a result for the work
// block with the provided index.
func checkResult(index int, result ace.Block) error {
	if result == nil {
		return ace.LogicError("Backend returned null result block for index %d.", index)
	}
	if result.Index() != index {
		return ace.LogicError("Backend returned result block with index %d for work block %d.", result.Index(), index)
	}
	return nil
}
