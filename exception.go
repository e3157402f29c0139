// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ace

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// An Exception describes an engine failure by a short title and
// human-readable details. Exceptions are always wrapped in an
// errors.E that carries their kind and severity; use TitleOf and
// DetailsOf to recover them from an arbitrary error.
type Exception struct {
	Title   string
	Details string
}

// Error implements error.
func (e *Exception) Error() string {
	if e.Details == "" {
		return e.Title
	}
	return e.Title + ": " + e.Details
}

// MarshalBinary encodes the exception so that it can cross a process
// boundary.
func (e *Exception) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	for _, s := range []string{e.Title, e.Details} {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
		b.Write(n[:])
		b.WriteString(s)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes an exception encoded by MarshalBinary.
func (e *Exception) UnmarshalBinary(p []byte) error {
	var fields [2]string
	for i := range fields {
		if len(p) < 4 {
			return IOError("Read Error", "truncated exception")
		}
		n := int(binary.LittleEndian.Uint32(p))
		p = p[4:]
		if len(p) < n {
			return IOError("Read Error", "truncated exception")
		}
		fields[i], p = string(p[:n]), p[n:]
	}
	e.Title, e.Details = fields[0], fields[1]
	return nil
}

// ConfigurationError returns an error reporting a missing or invalid
// analytic argument. It is fatal to the run.
func ConfigurationError(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, errors.Fatal, &Exception{
		Title:   "Invalid Argument",
		Details: fmt.Sprintf(format, args...),
	})
}

// LogicError returns an error reporting a violated engine invariant.
// Logic errors indicate defects rather than bad input.
func LogicError(format string, args ...interface{}) error {
	return errors.E(errors.Fatal, &Exception{
		Title:   "Logic Error",
		Details: fmt.Sprintf(format, args...),
	})
}

// DeviceError wraps a failure reported by an OpenCL or CUDA device.
func DeviceError(err error) error {
	return errors.E(errors.Unavailable, &Exception{
		Title:   "Device Error",
		Details: err.Error(),
	})
}

// IOError returns an error for a failed file or stream operation. The
// title names the operation, e.g. "Open Error" or "Write Error".
func IOError(title, format string, args ...interface{}) error {
	return errors.E(errors.Other, &Exception{
		Title:   title,
		Details: fmt.Sprintf(format, args...),
	})
}

// TransportError returns an error for a failed send or receive between
// ranks. It is fatal to the whole distributed run.
func TransportError(format string, args ...interface{}) error {
	return errors.E(errors.Net, errors.Fatal, &Exception{
		Title:   "MPI Failed",
		Details: fmt.Sprintf(format, args...),
	})
}

// RemoteError wraps an exception reported by another rank.
func RemoteError(rank int, e *Exception) error {
	return errors.E(errors.Net, errors.Fatal, &Exception{
		Title:   e.Title,
		Details: fmt.Sprintf("rank %d: %s", rank, e.Details),
	})
}

// ExceptionOf returns the exception carried by err. Errors that were not
// constructed by this package are reported with the title "Error".
func ExceptionOf(err error) *Exception {
	for e := err; e != nil; {
		switch v := e.(type) {
		case *Exception:
			return v
		case *errors.Error:
			e = v.Err
			continue
		}
		break
	}
	if err == nil {
		return nil
	}
	return &Exception{Title: "Error", Details: err.Error()}
}

// TitleOf returns the title of the exception carried by err.
func TitleOf(err error) string {
	if e := ExceptionOf(err); e != nil {
		return e.Title
	}
	return ""
}

// DetailsOf returns the details of the exception carried by err.
func DetailsOf(err error) string {
	if e := ExceptionOf(err); e != nil {
		return e.Details
	}
	return ""
}
