// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ace

import (
	"strings"

	"github.com/aceproject/ace/device"
)

// An Analytic is a pluggable computation driven by the engine. The
// engine binds the analytic's arguments, calls Initialize, queries Size
// once, and then repeatedly requests work blocks, executes them on a
// backend, and hands results back to Process in strictly increasing
// index order. Finish is called once after the last result.
//
// An analytic is never called concurrently by the engine, with the
// exception of the Serial and DeviceWorker values it produces, which
// are confined to their own goroutines.
type Analytic interface {
	// Arguments returns the analytic's argument schema.
	Arguments() []Argument
	// Set binds the named argument. The value's type depends on the
	// argument's type; see ArgType.
	Set(name string, value interface{}) error

	// Initialize validates the bound arguments and prepares the
	// analytic. It returns a ConfigurationError if a required input is
	// unset.
	Initialize() error
	// Size returns the total number of blocks. It is queried once,
	// after Initialize.
	Size() int

	// MakeWork returns the work block with the provided index.
	MakeWork(index int) (Block, error)
	// NewWork returns an empty work block used as a deserialization
	// target.
	NewWork() Block
	// NewResult returns an empty result block used as a deserialization
	// target.
	NewResult() Block

	// Process consumes the result block. It is called exactly once for
	// each index in 0..Size()-1, in order.
	Process(result Block) error
	// Finish is called once after the last result has been processed.
	Finish() error
}

// An OutputInitializer is an analytic that validates its outputs
// separately from its inputs. Managers that open outputs call
// InitializeOutputs after Initialize; managers that do not (chunk and
// slave processes) skip it.
type OutputInitializer interface {
	InitializeOutputs() error
}

// A Serial executes work blocks one at a time on the host.
type Serial interface {
	Execute(work Block) (Block, error)
}

// A SerialAnalytic is an analytic that can run on the host. MakeSerial
// may return a nil Serial to indicate that the capability is
// unsupported.
type SerialAnalytic interface {
	Analytic
	MakeSerial() (Serial, error)
}

// A DeviceProgram is the device side of an analytic. Initialize is
// called once per device, at manager start, and is where the program's
// kernels are compiled. MakeWorker is then called once for each worker
// in the device pool.
type DeviceProgram interface {
	Initialize(ctx *device.Context) error
	MakeWorker() (DeviceWorker, error)
}

// A DeviceWorker drives the kernels of one pool worker. Execute writes
// the work block's payload to device memory, enqueues the kernel, and
// reads the result back, all on the provided stream. The stream is
// owned by the worker; Execute must return only after the result is
// available on the host.
type DeviceWorker interface {
	Execute(stream *device.Stream, work Block) (Block, error)
}

// An OpenCLAnalytic is an analytic that can run on OpenCL devices.
type OpenCLAnalytic interface {
	Analytic
	MakeOpenCL() (DeviceProgram, error)
}

// A CUDAAnalytic is an analytic that can run on CUDA devices.
type CUDAAnalytic interface {
	Analytic
	MakeCUDA() (DeviceProgram, error)
}

// Capability is a bitmask of the backends an analytic supports.
type Capability int

const (
	// CapSerial indicates host execution.
	CapSerial Capability = 1 << iota
	// CapOpenCL indicates OpenCL device execution.
	CapOpenCL
	// CapCUDA indicates CUDA device execution.
	CapCUDA
	// CapMPI indicates that the analytic may be distributed over
	// multiple processes. It is implied by any of the above.
	CapMPI
)

// Has tells whether c includes every capability in d.
func (c Capability) Has(d Capability) bool {
	return c&d == d
}

// String returns a "|"-separated list of the capabilities in c.
func (c Capability) String() string {
	var names []string
	for _, x := range []struct {
		c    Capability
		name string
	}{{CapSerial, "serial"}, {CapOpenCL, "opencl"}, {CapCUDA, "cuda"}, {CapMPI, "mpi"}} {
		if c.Has(x.c) {
			names = append(names, x.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Capabilities returns the capabilities offered by the analytic's
// type. It does not invoke the analytic's factory methods, so an
// analytic whose MakeSerial returns nil still reports CapSerial.
func Capabilities(a Analytic) Capability {
	var c Capability
	if _, ok := a.(SerialAnalytic); ok {
		c |= CapSerial
	}
	if _, ok := a.(OpenCLAnalytic); ok {
		c |= CapOpenCL
	}
	if _, ok := a.(CUDAAnalytic); ok {
		c |= CapCUDA
	}
	if c != 0 {
		c |= CapMPI
	}
	return c
}

// MakeDeviceProgram returns the analytic's program for the provided
// device kind, or nil if the analytic does not support it.
func MakeDeviceProgram(a Analytic, kind device.Kind) (DeviceProgram, error) {
	switch kind {
	case device.OpenCL:
		if x, ok := a.(OpenCLAnalytic); ok {
			return x.MakeOpenCL()
		}
	case device.CUDA:
		if x, ok := a.(CUDAAnalytic); ok {
			return x.MakeCUDA()
		}
	}
	return nil, nil
}

// MakeSerial returns the analytic's serial executor, or nil if the
// analytic does not support serial execution.
func MakeSerial(a Analytic) (Serial, error) {
	if x, ok := a.(SerialAnalytic); ok {
		return x.MakeSerial()
	}
	return nil, nil
}
