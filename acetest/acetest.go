// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package acetest provides analytics for testing the execution engine
// and code built on it. The analytics here are strictly intended for
// unit testing: they record every call made to them so that tests can
// assert on the order in which the engine drives them.
package acetest

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/device"
)

// Squares is an analytic that squares the integers 0..N-1. Work block
// i carries the value i; its result carries i*i. Squares itself offers
// no backend; Serial and Device wrap it with the capabilities under
// test.
type Squares struct {
	// N is the number of blocks. It may also be set by the "n"
	// argument.
	N int
	// Delay, if non-nil, returns the simulated execution time of
	// block i.
	Delay func(i int) time.Duration
	// Fail, if non-nil, returns the error of executing block i.
	Fail func(i int) error
	// RequireOut makes Initialize fail with a configuration error
	// unless the "out" argument is bound.
	RequireOut bool

	mu        sync.Mutex
	out       io.Writer
	made      []int
	executed  []int
	processed []int
	values    []int64
	finished  int
}

// Arguments implements ace.Analytic.
func (s *Squares) Arguments() []ace.Argument {
	return []ace.Argument{
		{Name: "n", Type: ace.Integer, Title: "Blocks", Help: "number of integers to square"},
		{Name: "out", Type: ace.FileOut, Title: "Output", Help: "file to which squares are written"},
	}
}

// Set implements ace.Analytic.
func (s *Squares) Set(name string, value interface{}) error {
	switch name {
	case "n":
		n, ok := value.(int)
		if !ok {
			return ace.TypeError(name, value)
		}
		s.N = n
	case "out":
		w, ok := value.(io.Writer)
		if !ok {
			return ace.TypeError(name, value)
		}
		s.out = w
	default:
		return ace.ConfigurationError("unknown argument %s", name)
	}
	return nil
}

// Initialize implements ace.Analytic.
func (s *Squares) Initialize() error {
	if s.N < 0 {
		return ace.ConfigurationError("n must be non-negative, got %d", s.N)
	}
	if s.RequireOut && s.out == nil {
		return ace.ConfigurationError("output file is required")
	}
	return nil
}

// Size implements ace.Analytic.
func (s *Squares) Size() int { return s.N }

// MakeWork implements ace.Analytic.
func (s *Squares) MakeWork(index int) (ace.Block, error) {
	s.mu.Lock()
	s.made = append(s.made, index)
	s.mu.Unlock()
	return ace.NewRawBlock(index, encode(int64(index))), nil
}

// NewWork implements ace.Analytic.
func (s *Squares) NewWork() ace.Block { return new(ace.RawBlock) }

// NewResult implements ace.Analytic.
func (s *Squares) NewResult() ace.Block { return new(ace.RawBlock) }

// Process implements ace.Analytic.
func (s *Squares) Process(result ace.Block) error {
	raw, ok := result.(*ace.RawBlock)
	if !ok {
		return ace.LogicError("unexpected result block %T", result)
	}
	v, err := decode(raw.Payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.processed = append(s.processed, raw.Index())
	s.values = append(s.values, v)
	s.mu.Unlock()
	if s.out != nil {
		if _, err := fmt.Fprintf(s.out, "%d %d\n", raw.Index(), v); err != nil {
			return ace.IOError("Write Error", "%v", err)
		}
	}
	return nil
}

// Finish implements ace.Analytic.
func (s *Squares) Finish() error {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
	return nil
}

// Made returns the indices passed to MakeWork, in call order.
func (s *Squares) Made() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.made...)
}

// Executed returns the indices of executed blocks, in completion
// order.
func (s *Squares) Executed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.executed...)
}

// Processed returns the indices passed to Process, in call order.
func (s *Squares) Processed() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.processed...)
}

// Values returns the values of the processed results, in call order.
func (s *Squares) Values() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.values...)
}

// Finished returns the number of times Finish was called.
func (s *Squares) Finished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// square computes block i's result value, applying the configured
// delay and failure.
func (s *Squares) square(i int64) (int64, error) {
	if s.Delay != nil {
		time.Sleep(s.Delay(int(i)))
	}
	if s.Fail != nil {
		if err := s.Fail(int(i)); err != nil {
			return 0, err
		}
	}
	return i * i, nil
}

func (s *Squares) executedBlock(index int) {
	s.mu.Lock()
	s.executed = append(s.executed, index)
	s.mu.Unlock()
}

// Want returns the values produced by a complete run of n blocks.
func Want(n int) []int64 {
	want := make([]int64, n)
	for i := range want {
		want[i] = int64(i) * int64(i)
	}
	return want
}

// Indices returns the indices [start, end).
func Indices(start, end int) []int {
	var indices []int
	for i := start; i < end; i++ {
		indices = append(indices, i)
	}
	return indices
}

func encode(v int64) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, uint64(v))
	return p
}

func decode(p []byte) (int64, error) {
	if len(p) < 8 {
		return 0, ace.IOError("Read Error", "short block payload of %d bytes", len(p))
	}
	return int64(binary.LittleEndian.Uint64(p)), nil
}

// Serial is a Squares that executes on the host.
type Serial struct{ *Squares }

// MakeSerial implements ace.SerialAnalytic.
func (s Serial) MakeSerial() (ace.Serial, error) { return serial{s.Squares}, nil }

type serial struct{ s *Squares }

func (x serial) Execute(work ace.Block) (ace.Block, error) {
	raw, ok := work.(*ace.RawBlock)
	if !ok {
		return nil, ace.LogicError("unexpected work block %T", work)
	}
	v, err := decode(raw.Payload)
	if err != nil {
		return nil, err
	}
	if v, err = x.s.square(v); err != nil {
		return nil, err
	}
	x.s.executedBlock(raw.Index())
	return ace.NewRawBlock(raw.Index(), encode(v)), nil
}

// Device is a Squares that executes on OpenCL and CUDA devices, and
// on the host when no device is available.
type Device struct{ Serial }

// MakeOpenCL implements ace.OpenCLAnalytic.
func (d Device) MakeOpenCL() (ace.DeviceProgram, error) { return &program{s: d.Squares}, nil }

// MakeCUDA implements ace.CUDAAnalytic.
func (d Device) MakeCUDA() (ace.DeviceProgram, error) { return &program{s: d.Squares}, nil }

type program struct {
	s       *Squares
	context *device.Context
	program *device.Program
}

func (p *program) Initialize(ctx *device.Context) error {
	prog, err := ctx.Compile(device.Source{"square": p.kernel})
	if err != nil {
		return err
	}
	p.context, p.program = ctx, prog
	return nil
}

func (p *program) kernel(args []*device.Buffer) error {
	mem := args[0].Bytes()
	v, err := decode(mem)
	if err != nil {
		return err
	}
	if v, err = p.s.square(v); err != nil {
		return err
	}
	copy(mem, encode(v))
	return nil
}

func (p *program) MakeWorker() (ace.DeviceWorker, error) {
	k, err := p.program.Kernel("square")
	if err != nil {
		return nil, err
	}
	buf, err := p.context.Alloc(8)
	if err != nil {
		return nil, err
	}
	k.SetArgs(buf)
	return &worker{s: p.s, kernel: k, buf: buf}, nil
}

type worker struct {
	s      *Squares
	kernel *device.Kernel
	buf    *device.Buffer
}

func (w *worker) Execute(stream *device.Stream, work ace.Block) (ace.Block, error) {
	raw, ok := work.(*ace.RawBlock)
	if !ok {
		return nil, ace.LogicError("unexpected work block %T", work)
	}
	stream.Write(w.buf, raw.Payload)
	stream.Launch(w.kernel)
	out := make([]byte, 8)
	if err := stream.Read(w.buf, out).Wait(); err != nil {
		return nil, err
	}
	w.s.executedBlock(raw.Index())
	return ace.NewRawBlock(raw.Index(), out), nil
}

// Analytic types made by Factory.
const (
	TypeSerial = iota
	TypeDevice
	TypeNone
)

// Factory makes Squares analytics: "squares" runs on the host,
// "squares-device" on devices, and "squares-none" offers no backend.
type Factory struct {
	configure func(s *Squares)

	mu   sync.Mutex
	made []*Squares
}

// NewFactory returns a factory that applies configure, if non-nil, to
// each Squares it makes.
func NewFactory(configure func(s *Squares)) *Factory {
	return &Factory{configure: configure}
}

// Size implements ace.Factory.
func (f *Factory) Size() int { return 3 }

// Name implements ace.Factory.
func (f *Factory) Name(typ int) string {
	switch typ {
	case TypeSerial:
		return "squares"
	case TypeDevice:
		return "squares-device"
	case TypeNone:
		return "squares-none"
	}
	return ""
}

// Make implements ace.Factory.
func (f *Factory) Make(typ int) (ace.Analytic, error) {
	s := new(Squares)
	if f.configure != nil {
		f.configure(s)
	}
	f.mu.Lock()
	f.made = append(f.made, s)
	f.mu.Unlock()
	switch typ {
	case TypeSerial:
		return Serial{s}, nil
	case TypeDevice:
		return Device{Serial{s}}, nil
	case TypeNone:
		return s, nil
	}
	return nil, ace.ConfigurationError("invalid analytic type %d", typ)
}

// Made returns the analytics made by the factory, in order.
func (f *Factory) Made() []*Squares {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Squares(nil), f.made...)
}
