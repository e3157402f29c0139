// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mathtransform

import (
	"encoding/binary"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/device"
	"github.com/grailbio/base/log"
)

// Operation is an arithmetic operation applied by MathTransform.
type Operation int32

const (
	Addition Operation = iota
	Subtraction
	Multiplication
	Division
)

var operationNames = []string{"addition", "subtraction", "multiplication", "division"}

func (op Operation) String() string {
	if op >= 0 && int(op) < len(operationNames) {
		return operationNames[op]
	}
	return "invalid"
}

// Apply applies the operation with the provided amount to v.
func (op Operation) Apply(v, amount int32) (int32, error) {
	switch op {
	case Addition:
		return v + amount, nil
	case Subtraction:
		return v - amount, nil
	case Multiplication:
		return v * amount, nil
	case Division:
		if amount == 0 {
			return 0, ace.ConfigurationError("division by zero")
		}
		return v / amount, nil
	}
	return 0, ace.LogicError("invalid operation %d", op)
}

// block is both the work and the result block of MathTransform: a
// single integer.
type block struct {
	ace.Header
	Value int32
}

func (b *block) MarshalBinary() ([]byte, error) {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(b.Value))
	return b.MarshalPayload(p[:]), nil
}

func (b *block) UnmarshalBinary(data []byte) error {
	p, err := b.UnmarshalPayload(data)
	if err != nil {
		return err
	}
	if len(p) != 4 {
		return ace.LogicError("integer block %d has a %d-byte payload", b.Index(), len(p))
	}
	b.Value = int32(binary.LittleEndian.Uint32(p))
	return nil
}

func asBlock(b ace.Block) (*block, error) {
	x, ok := b.(*block)
	if !ok {
		return nil, ace.LogicError("unexpected block type %T", b)
	}
	return x, nil
}

// MathTransform applies an arithmetic operation with a constant amount
// to every integer of its input array, writing the results to its
// output array. Each integer is one block of work.
type MathTransform struct {
	in, out *IntegerArray
	op      Operation
	amount  int32
}

// Arguments implements ace.Analytic.
func (t *MathTransform) Arguments() []ace.Argument {
	return []ace.Argument{
		{
			Name:     "in",
			Type:     ace.DataIn,
			Title:    "Input",
			Help:     "Input data object of type Integer Array.",
			DataType: IntegerArrayType,
			Required: true,
		},
		{
			Name:     "out",
			Type:     ace.DataOut,
			Title:    "Output",
			Help:     "Output data object of type Integer Array.",
			DataType: IntegerArrayType,
			Required: true,
		},
		{
			Name:    "type",
			Type:    ace.Selection,
			Title:   "Operation Type",
			Help:    "The type of operation to be done to output values.",
			Default: operationNames[0],
			Values:  operationNames,
		},
		{
			Name:    "amount",
			Type:    ace.Integer,
			Title:   "Amount",
			Help:    "The number used for the given type of operation.",
			Default: 0,
		},
	}
}

// Set implements ace.Analytic.
func (t *MathTransform) Set(name string, value interface{}) (err error) {
	switch name {
	case "in":
		t.in, err = integerArray(name, value)
	case "out":
		t.out, err = integerArray(name, value)
	case "type":
		s, ok := value.(string)
		if !ok {
			return ace.TypeError(name, value)
		}
		for i, opname := range operationNames {
			if opname == s {
				t.op = Operation(i)
				return nil
			}
		}
		return ace.ConfigurationError("argument %s: unknown operation %q", name, s)
	case "amount":
		n, ok := value.(int)
		if !ok {
			return ace.TypeError(name, value)
		}
		t.amount = int32(n)
	default:
		return ace.ConfigurationError("unknown argument %s", name)
	}
	return
}

// Initialize implements ace.Analytic.
func (t *MathTransform) Initialize() error {
	if t.in == nil {
		return ace.ConfigurationError("The required input data object was not set.")
	}
	if t.op == Division && t.amount == 0 {
		return ace.ConfigurationError("argument amount: division by zero")
	}
	return nil
}

// InitializeOutputs implements ace.OutputInitializer.
func (t *MathTransform) InitializeOutputs() error {
	if t.out == nil {
		return ace.ConfigurationError("The required output data object was not set.")
	}
	t.out.Numbers = make([]int32, 0, len(t.in.Numbers))
	return nil
}

// Size implements ace.Analytic.
func (t *MathTransform) Size() int { return len(t.in.Numbers) }

// MakeWork implements ace.Analytic.
func (t *MathTransform) MakeWork(index int) (ace.Block, error) {
	log.Debug.Printf("making work index %d of %d", index, t.Size())
	return &block{Header: ace.NewHeader(index), Value: t.in.Numbers[index]}, nil
}

// NewWork implements ace.Analytic.
func (t *MathTransform) NewWork() ace.Block { return new(block) }

// NewResult implements ace.Analytic.
func (t *MathTransform) NewResult() ace.Block { return new(block) }

// Process implements ace.Analytic.
func (t *MathTransform) Process(result ace.Block) error {
	b, err := asBlock(result)
	if err != nil {
		return err
	}
	log.Debug.Printf("processing result %d of %d", b.Index(), t.Size())
	t.out.Numbers = append(t.out.Numbers, b.Value)
	return nil
}

// Finish implements ace.Analytic.
func (t *MathTransform) Finish() error { return nil }

// MakeSerial implements ace.SerialAnalytic.
func (t *MathTransform) MakeSerial() (ace.Serial, error) {
	return serial{t}, nil
}

type serial struct{ *MathTransform }

func (s serial) Execute(work ace.Block) (ace.Block, error) {
	b, err := asBlock(work)
	if err != nil {
		return nil, err
	}
	v, err := s.op.Apply(b.Value, s.amount)
	if err != nil {
		return nil, err
	}
	return &block{Header: ace.NewHeader(b.Index()), Value: v}, nil
}

// MakeOpenCL implements ace.OpenCLAnalytic.
func (t *MathTransform) MakeOpenCL() (ace.DeviceProgram, error) {
	return &program{t: t, kind: device.OpenCL}, nil
}

// MakeCUDA implements ace.CUDAAnalytic.
func (t *MathTransform) MakeCUDA() (ace.DeviceProgram, error) {
	return &program{t: t, kind: device.CUDA}, nil
}

const kernelName = "mathTransform"

// transformKernel transforms the integers of its first argument in
// place. Its second argument holds the operation and the amount.
func transformKernel(args []*device.Buffer) error {
	if len(args) != 2 || args[1].Size() < 8 {
		return &device.Error{Code: device.InvalidKernelArgs, Call: kernelName}
	}
	mem, params := args[0].Bytes(), args[1].Bytes()
	op := Operation(int32(binary.LittleEndian.Uint32(params)))
	amount := int32(binary.LittleEndian.Uint32(params[4:]))
	for i := 0; i+4 <= len(mem); i += 4 {
		v, err := op.Apply(int32(binary.LittleEndian.Uint32(mem[i:])), amount)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(mem[i:], uint32(v))
	}
	return nil
}

// program is the device side of MathTransform, for either kind of
// device.
type program struct {
	t       *MathTransform
	kind    device.Kind
	context *device.Context
	prog    *device.Program
	params  [8]byte
}

func (p *program) Initialize(ctx *device.Context) error {
	prog, err := ctx.Compile(device.Source{kernelName: transformKernel})
	if err != nil {
		return err
	}
	p.context, p.prog = ctx, prog
	binary.LittleEndian.PutUint32(p.params[:], uint32(p.t.op))
	binary.LittleEndian.PutUint32(p.params[4:], uint32(p.t.amount))
	log.Debug.Printf("%s: compiled %s on %s", p.kind, kernelName, ctx.Device())
	return nil
}

func (p *program) MakeWorker() (ace.DeviceWorker, error) {
	k, err := p.prog.Kernel(kernelName)
	if err != nil {
		return nil, err
	}
	values, err := p.context.Alloc(4)
	if err != nil {
		return nil, err
	}
	params, err := p.context.Alloc(len(p.params))
	if err != nil {
		return nil, err
	}
	k.SetArgs(values, params)
	return &worker{p: p, kernel: k, values: values, params: params}, nil
}

type worker struct {
	p              *program
	kernel         *device.Kernel
	values, params *device.Buffer
}

func (w *worker) Execute(stream *device.Stream, work ace.Block) (ace.Block, error) {
	b, err := asBlock(work)
	if err != nil {
		return nil, err
	}
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(b.Value))
	stream.Write(w.params, w.p.params[:])
	stream.Write(w.values, p[:])
	stream.Launch(w.kernel)
	if err := stream.Read(w.values, p[:]).Wait(); err != nil {
		return nil, err
	}
	return &block{Header: ace.NewHeader(b.Index()), Value: int32(binary.LittleEndian.Uint32(p[:]))}, nil
}
