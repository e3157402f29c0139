// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mathtransform

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/aceproject/ace"
)

// passthrough executes the blocks of analytics whose work is done
// entirely by Process.
type passthrough struct{}

func (passthrough) Execute(work ace.Block) (ace.Block, error) {
	return ace.NewRawBlock(work.Index(), nil), nil
}

// ImportIntegerArray reads whitespace separated integers from a text
// file into a new integer array.
type ImportIntegerArray struct {
	in      io.Reader
	out     *IntegerArray
	numbers []int32
}

// Arguments implements ace.Analytic.
func (a *ImportIntegerArray) Arguments() []ace.Argument {
	return []ace.Argument{
		{Name: "in", Type: ace.FileIn, Title: "Input", Help: "Input text file of integers.", Required: true},
		{Name: "out", Type: ace.DataOut, Title: "Output", Help: "Output data object of type Integer Array.", DataType: IntegerArrayType, Required: true},
	}
}

// Set implements ace.Analytic.
func (a *ImportIntegerArray) Set(name string, value interface{}) (err error) {
	switch name {
	case "in":
		r, ok := value.(io.Reader)
		if !ok {
			return ace.TypeError(name, value)
		}
		a.in = r
	case "out":
		a.out, err = integerArray(name, value)
	default:
		return ace.ConfigurationError("unknown argument %s", name)
	}
	return
}

// Initialize implements ace.Analytic. The whole input is read here,
// since the number of integers determines the analytic's size.
func (a *ImportIntegerArray) Initialize() error {
	if a.in == nil {
		return ace.ConfigurationError("Did not get valid input and/or output arguments.")
	}
	scan := bufio.NewScanner(a.in)
	scan.Split(bufio.ScanWords)
	for scan.Scan() {
		v, err := strconv.ParseInt(scan.Text(), 10, 32)
		if err != nil {
			return ace.IOError("Read Error", "integer %d: %v", len(a.numbers), err)
		}
		a.numbers = append(a.numbers, int32(v))
	}
	if err := scan.Err(); err != nil {
		return ace.IOError("Read Error", "%v", err)
	}
	return nil
}

// InitializeOutputs implements ace.OutputInitializer.
func (a *ImportIntegerArray) InitializeOutputs() error {
	if a.out == nil {
		return ace.ConfigurationError("Did not get valid input and/or output arguments.")
	}
	a.out.Numbers = make([]int32, 0, len(a.numbers))
	return nil
}

// Size implements ace.Analytic.
func (a *ImportIntegerArray) Size() int { return len(a.numbers) }

// MakeWork implements ace.Analytic.
func (a *ImportIntegerArray) MakeWork(index int) (ace.Block, error) {
	return ace.NewRawBlock(index, nil), nil
}

// NewWork implements ace.Analytic.
func (a *ImportIntegerArray) NewWork() ace.Block { return new(ace.RawBlock) }

// NewResult implements ace.Analytic.
func (a *ImportIntegerArray) NewResult() ace.Block { return new(ace.RawBlock) }

// Process implements ace.Analytic.
func (a *ImportIntegerArray) Process(result ace.Block) error {
	a.out.Numbers = append(a.out.Numbers, a.numbers[result.Index()])
	return nil
}

// Finish implements ace.Analytic.
func (a *ImportIntegerArray) Finish() error { return nil }

// MakeSerial implements ace.SerialAnalytic.
func (a *ImportIntegerArray) MakeSerial() (ace.Serial, error) { return passthrough{}, nil }

// ExportIntegerArray writes the integers of an integer array to a text
// file, separated by spaces.
type ExportIntegerArray struct {
	in  *IntegerArray
	out *bufio.Writer
}

// Arguments implements ace.Analytic.
func (a *ExportIntegerArray) Arguments() []ace.Argument {
	return []ace.Argument{
		{Name: "in", Type: ace.DataIn, Title: "Input", Help: "Input data object of type Integer Array.", DataType: IntegerArrayType, Required: true},
		{Name: "out", Type: ace.FileOut, Title: "Output", Help: "Output text file of integers.", Required: true},
	}
}

// Set implements ace.Analytic.
func (a *ExportIntegerArray) Set(name string, value interface{}) (err error) {
	switch name {
	case "in":
		a.in, err = integerArray(name, value)
	case "out":
		w, ok := value.(io.Writer)
		if !ok {
			return ace.TypeError(name, value)
		}
		a.out = bufio.NewWriter(w)
	default:
		return ace.ConfigurationError("unknown argument %s", name)
	}
	return
}

// Initialize implements ace.Analytic.
func (a *ExportIntegerArray) Initialize() error {
	if a.in == nil {
		return ace.ConfigurationError("Did not get valid input and/or output arguments.")
	}
	return nil
}

// InitializeOutputs implements ace.OutputInitializer.
func (a *ExportIntegerArray) InitializeOutputs() error {
	if a.out == nil {
		return ace.ConfigurationError("Did not get valid input and/or output arguments.")
	}
	return nil
}

// Size implements ace.Analytic.
func (a *ExportIntegerArray) Size() int { return len(a.in.Numbers) }

// MakeWork implements ace.Analytic.
func (a *ExportIntegerArray) MakeWork(index int) (ace.Block, error) {
	return ace.NewRawBlock(index, nil), nil
}

// NewWork implements ace.Analytic.
func (a *ExportIntegerArray) NewWork() ace.Block { return new(ace.RawBlock) }

// NewResult implements ace.Analytic.
func (a *ExportIntegerArray) NewResult() ace.Block { return new(ace.RawBlock) }

// Process implements ace.Analytic.
func (a *ExportIntegerArray) Process(result ace.Block) error {
	i := result.Index()
	sep := " "
	if i == len(a.in.Numbers)-1 {
		sep = "\n"
	}
	_, err := fmt.Fprintf(a.out, "%d%s", a.in.Numbers[i], sep)
	return err
}

// Finish implements ace.Analytic.
func (a *ExportIntegerArray) Finish() error {
	if a.out == nil {
		return nil
	}
	return a.out.Flush()
}

// MakeSerial implements ace.SerialAnalytic.
func (a *ExportIntegerArray) MakeSerial() (ace.Serial, error) { return passthrough{}, nil }
