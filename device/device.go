// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package device provides the accelerator model used by the execution
// engine: platforms and devices, contexts, programs compiled once per
// context, kernels, buffers, and ordered command streams.
//
// Devices in this package are emulated on the host. Kernels are Go
// functions registered in a program's Source; streams execute their
// commands asynchronously and in submission order, which is the only
// ordering guarantee the engine relies on. The same model serves
// OpenCL platforms (command queues) and CUDA devices (streams).
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Kind identifies the runtime that provides a device.
type Kind int

const (
	// None indicates no device.
	None Kind = iota
	// OpenCL devices are driven through command queues.
	OpenCL
	// CUDA devices are driven through streams.
	CUDA
)

var kinds = [...]string{
	None:   "none",
	OpenCL: "opencl",
	CUDA:   "cuda",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if int(k) < len(kinds) {
		return kinds[k]
	}
	return "kind" + strconv.Itoa(int(k))
}

// A Device is a single accelerator.
type Device struct {
	// Name is a human-readable device name.
	Name string
	// Kind is the runtime that provides the device.
	Kind Kind
	// Platform and Index locate the device in its List.
	Platform, Index int
	// ComputeUnits is the number of parallel compute units reported by
	// the device.
	ComputeUnits int

	// Unavailable marks a device that fails context creation, as a
	// device owned by another process would.
	Unavailable bool
}

func (d *Device) String() string {
	return fmt.Sprintf("%s:%d:%d (%s)", d.Kind, d.Platform, d.Index, d.Name)
}

// A Platform groups the devices of one vendor runtime.
type Platform struct {
	Name    string
	Kind    Kind
	Devices []*Device
}

// A List is the set of platforms available to a process. Lists are
// built once and passed explicitly to the engine.
type List struct {
	Platforms []*Platform
}

// NewHostList returns a list with one emulated OpenCL platform holding
// opencl devices and one emulated CUDA platform holding cuda devices.
// Platforms without devices are omitted.
func NewHostList(opencl, cuda int) *List {
	l := new(List)
	for _, p := range []struct {
		kind Kind
		n    int
	}{{OpenCL, opencl}, {CUDA, cuda}} {
		if p.n == 0 {
			continue
		}
		plat := &Platform{Name: "host " + p.kind.String(), Kind: p.kind}
		for i := 0; i < p.n; i++ {
			plat.Devices = append(plat.Devices, &Device{
				Name:         fmt.Sprintf("host %s device %d", p.kind, i),
				Kind:         p.kind,
				Platform:     len(l.Platforms),
				Index:        i,
				ComputeUnits: runtime.GOMAXPROCS(0),
			})
		}
		l.Platforms = append(l.Platforms, plat)
	}
	return l
}

// Size returns the number of devices of the provided kind.
func (l *List) Size(kind Kind) int {
	if l == nil {
		return 0
	}
	var n int
	for _, p := range l.Platforms {
		if p.Kind == kind {
			n += len(p.Devices)
		}
	}
	return n
}

// Get returns the device at the provided platform and device index.
// The device must be of the provided kind.
func (l *List) Get(kind Kind, platform, device int) (*Device, error) {
	if l == nil || platform < 0 || platform >= len(l.Platforms) {
		return nil, &Error{Code: InvalidPlatform, Call: "GetPlatform"}
	}
	p := l.Platforms[platform]
	if p.Kind != kind || device < 0 || device >= len(p.Devices) {
		return nil, &Error{Code: InvalidDevice, Call: "GetDevice"}
	}
	return p.Devices[device], nil
}

// Ordinal treats n as an offset into the flattened list of
// (platform, device) pairs of the provided kind, walking platforms in
// order. Ordinal returns nil when n exceeds the number of devices.
func (l *List) Ordinal(kind Kind, n int) *Device {
	if l == nil || n < 0 {
		return nil
	}
	for _, p := range l.Platforms {
		if p.Kind != kind {
			continue
		}
		if n < len(p.Devices) {
			return p.Devices[n]
		}
		n -= len(p.Devices)
	}
	return nil
}

// A Selection is the configured device: a kind plus a platform and
// device index. The zero Selection selects no device.
type Selection struct {
	Kind             Kind
	Platform, Device int
}

// IsNone tells whether the selection selects no device.
func (s Selection) IsNone() bool { return s.Kind == None }

// String returns the selection in the format accepted by
// ParseSelection.
func (s Selection) String() string {
	if s.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%s:%d:%d", s.Kind, s.Platform, s.Device)
}

// ParseSelection parses a selection of the form "none",
// "kind:platform:device", or "kind", where kind is "opencl" or "cuda";
// omitted indices default to 0.
func ParseSelection(v string) (Selection, error) {
	parts := strings.Split(v, ":")
	var s Selection
	switch parts[0] {
	case "none", "":
		if len(parts) > 1 {
			return s, fmt.Errorf("device selection %q: none takes no indices", v)
		}
		return s, nil
	case "opencl":
		s.Kind = OpenCL
	case "cuda":
		s.Kind = CUDA
	default:
		return s, fmt.Errorf("device selection %q: unknown kind %q", v, parts[0])
	}
	if len(parts) > 3 {
		return s, fmt.Errorf("device selection %q: too many components", v)
	}
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return s, fmt.Errorf("device selection %q: bad index %q", v, p)
		}
		if i == 0 {
			s.Platform = n
		} else {
			s.Device = n
		}
	}
	return s, nil
}
