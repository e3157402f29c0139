// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mathtransform

import (
	"github.com/aceproject/ace"
	"github.com/aceproject/ace/data"
)

// IntegerArray is a data type that stores a one dimensional array of
// 32-bit integers. Its data section is the number of integers followed
// by the integers themselves.
type IntegerArray struct {
	Numbers []int32
}

// ReadData implements data.Data.
func (a *IntegerArray) ReadData(s *data.Stream) error {
	if err := s.Seek(0); err != nil {
		return err
	}
	n, err := s.ReadUint32()
	if err != nil {
		return err
	}
	a.Numbers = make([]int32, 0, n)
	for ; n > 0; n-- {
		v, err := s.ReadInt32()
		if err != nil {
			return err
		}
		a.Numbers = append(a.Numbers, v)
	}
	return nil
}

// WriteNewData implements data.Data.
func (a *IntegerArray) WriteNewData(s *data.Stream) error {
	if err := s.Seek(0); err != nil {
		return err
	}
	s.WriteUint32(0)
	return nil
}

// Finish implements data.Data.
func (a *IntegerArray) Finish(s *data.Stream) error {
	if err := s.Seek(0); err != nil {
		return err
	}
	if err := s.Allocate(a.DataEnd()); err != nil {
		return err
	}
	s.WriteUint32(uint32(len(a.Numbers)))
	for _, v := range a.Numbers {
		s.WriteInt32(v)
	}
	return nil
}

// DataEnd implements data.Data.
func (a *IntegerArray) DataEnd() int64 {
	return 4 + 4*int64(len(a.Numbers))
}

// integerArray returns the integer array of a data object bound to
// the named argument.
func integerArray(name string, value interface{}) (*IntegerArray, error) {
	obj, ok := value.(*data.Object)
	if !ok {
		return nil, ace.TypeError(name, value)
	}
	a, ok := obj.Data().(*IntegerArray)
	if !ok {
		return nil, ace.ConfigurationError("argument %s: %s is not an integer array", name, obj.Path())
	}
	return a, nil
}
