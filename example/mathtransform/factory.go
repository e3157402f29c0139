// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mathtransform is an example analytic plugin. It defines an
// integer array data type; an analytic that applies an arithmetic
// operation to every integer of an array on the host, on OpenCL
// devices, or on CUDA devices; and analytics that import integer
// arrays from, and export them to, text files.
//
// A program that uses the plugin registers both factories under the
// same name, so that remote ranks can find them:
//
//	ace.RegisterFactory("mathtransform", mathtransform.Analytics)
//	data.RegisterFactory("mathtransform", mathtransform.DataTypes)
package mathtransform

import (
	"github.com/aceproject/ace"
	"github.com/aceproject/ace/data"
)

// Data types.
const (
	IntegerArrayType = iota
	numDataTypes
)

// DataTypes is the plugin's data factory.
var DataTypes data.Factory = dataFactory{}

type dataFactory struct{}

func (dataFactory) Size() int { return numDataTypes }

func (dataFactory) Name(typ int) string {
	if typ == IntegerArrayType {
		return "Integer Array"
	}
	return ""
}

func (dataFactory) Extension(typ int) string {
	if typ == IntegerArrayType {
		return "num"
	}
	return ""
}

func (dataFactory) Make(typ int) (data.Data, error) {
	if typ == IntegerArrayType {
		return new(IntegerArray), nil
	}
	return nil, ace.LogicError("unknown data type %d", typ)
}

// Analytic types.
const (
	MathTransformType = iota
	ImportIntegerArrayType
	ExportIntegerArrayType
	numAnalyticTypes
)

// Analytics is the plugin's analytic factory.
var Analytics ace.Factory = analyticFactory{}

type analyticFactory struct{}

func (analyticFactory) Size() int { return numAnalyticTypes }

func (analyticFactory) Name(typ int) string {
	switch typ {
	case MathTransformType:
		return "transform"
	case ImportIntegerArrayType:
		return "import-integerarray"
	case ExportIntegerArrayType:
		return "export-integerarray"
	}
	return ""
}

func (analyticFactory) Make(typ int) (ace.Analytic, error) {
	switch typ {
	case MathTransformType:
		return new(MathTransform), nil
	case ImportIntegerArrayType:
		return new(ImportIntegerArray), nil
	case ExportIntegerArrayType:
		return new(ExportIntegerArray), nil
	}
	return nil, ace.LogicError("unknown analytic type %d", typ)
}
