// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package device

import "fmt"

// Error codes reported by devices. The values follow the OpenCL
// conventions.
const (
	DeviceNotAvailable = -2
	OutOfResources     = -5
	InvalidValue       = -30
	InvalidPlatform    = -32
	InvalidDevice      = -33
	InvalidContext     = -34
	InvalidQueue       = -36
	InvalidMemObject   = -38
	InvalidProgram     = -44
	InvalidKernelName  = -46
	InvalidKernelArgs  = -52
	InvalidOperation   = -59
)

var codeNames = map[int]string{
	DeviceNotAvailable: "DEVICE_NOT_AVAILABLE",
	OutOfResources:     "OUT_OF_RESOURCES",
	InvalidValue:       "INVALID_VALUE",
	InvalidPlatform:    "INVALID_PLATFORM",
	InvalidDevice:      "INVALID_DEVICE",
	InvalidContext:     "INVALID_CONTEXT",
	InvalidQueue:       "INVALID_COMMAND_QUEUE",
	InvalidMemObject:   "INVALID_MEM_OBJECT",
	InvalidProgram:     "INVALID_PROGRAM",
	InvalidKernelName:  "INVALID_KERNEL_NAME",
	InvalidKernelArgs:  "INVALID_KERNEL_ARGS",
	InvalidOperation:   "INVALID_OPERATION",
}

// Error is a native device error: the failing call and its error code.
type Error struct {
	Code int
	Call string
	// Err is the underlying cause, if any; for example the error returned
	// by a kernel function.
	Err error
}

func (e *Error) Error() string {
	name, ok := codeNames[e.Code]
	if !ok {
		name = "UNKNOWN"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed with %s (%d): %v", e.Call, name, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed with %s (%d)", e.Call, name, e.Code)
}
