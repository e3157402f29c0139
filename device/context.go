// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package device

import (
	"sort"
	"sync"

	"github.com/grailbio/base/log"
)

// A KernelFunc implements a kernel. It is invoked with the kernel's
// arguments in the order they were set.
type KernelFunc func(args []*Buffer) error

// Source is the source of a program: kernel implementations keyed by
// kernel name.
type Source map[string]KernelFunc

// A Context owns the resources allocated on one device. A context is
// safe for concurrent use; after programs are compiled it is shared
// read-only by the workers that use it.
type Context struct {
	device *Device

	mu       sync.Mutex
	programs []*Program
	streams  int
	released bool
}

// NewContext creates a context on the provided device.
func NewContext(d *Device) (*Context, error) {
	if d == nil {
		return nil, &Error{Code: InvalidDevice, Call: "CreateContext"}
	}
	if d.Unavailable {
		return nil, &Error{Code: DeviceNotAvailable, Call: "CreateContext"}
	}
	return &Context{device: d}, nil
}

// Device returns the context's device.
func (c *Context) Device() *Device { return c.device }

// Compile builds a program from the provided source. Compilation is
// the expensive, one-time step of device setup; the returned program
// is immutable and may be shared by any number of streams.
func (c *Context) Compile(src Source) (*Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, &Error{Code: InvalidContext, Call: "BuildProgram"}
	}
	if len(src) == 0 {
		return nil, &Error{Code: InvalidProgram, Call: "BuildProgram"}
	}
	p := &Program{context: c, kernels: make(map[string]KernelFunc, len(src))}
	for name, fn := range src {
		if fn == nil {
			return nil, &Error{Code: InvalidProgram, Call: "BuildProgram"}
		}
		p.kernels[name] = fn
	}
	c.programs = append(c.programs, p)
	log.Debug.Printf("device %s: built program with kernels %v", c.device, p.Names())
	return p, nil
}

// NumPrograms returns the number of programs compiled on this context.
func (c *Context) NumPrograms() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// NewStream creates a command stream on the context's device.
func (c *Context) NewStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, &Error{Code: InvalidContext, Call: "CreateCommandQueue"}
	}
	c.streams++
	return newStream(c), nil
}

// Alloc allocates a device buffer of the provided size.
func (c *Context) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, &Error{Code: InvalidValue, Call: "CreateBuffer"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, &Error{Code: InvalidContext, Call: "CreateBuffer"}
	}
	return &Buffer{context: c, mem: make([]byte, size)}, nil
}

// Release releases the context. Streams and buffers created from a
// released context must not be used.
func (c *Context) Release() {
	c.mu.Lock()
	c.released = true
	c.programs = nil
	c.mu.Unlock()
}

// A Program is a compiled set of kernels.
type Program struct {
	context *Context
	kernels map[string]KernelFunc
}

// Names returns the sorted names of the program's kernels.
func (p *Program) Names() []string {
	names := make([]string, 0, len(p.kernels))
	for name := range p.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kernel returns a new kernel instance for the named kernel. Kernel
// instances hold their own arguments and so must not be shared
// between streams.
func (p *Program) Kernel(name string) (*Kernel, error) {
	fn, ok := p.kernels[name]
	if !ok {
		return nil, &Error{Code: InvalidKernelName, Call: "CreateKernel"}
	}
	return &Kernel{name: name, fn: fn}, nil
}

// A Kernel is an instance of a program kernel with bound arguments.
type Kernel struct {
	name string
	fn   KernelFunc
	args []*Buffer
}

// Name returns the kernel's name.
func (k *Kernel) Name() string { return k.name }

// SetArgs binds the kernel's arguments.
func (k *Kernel) SetArgs(args ...*Buffer) {
	k.args = args
}
