// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package device

import (
	"errors"
	"testing"
	"time"
)

func TestOrdinal(t *testing.T) {
	l := NewHostList(2, 3)
	if got, want := l.Size(OpenCL), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := l.Size(CUDA), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 0; i < 3; i++ {
		d := l.Ordinal(CUDA, i)
		if d == nil {
			t.Fatalf("ordinal %d: no device", i)
		}
		if got, want := d.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := d.Kind, CUDA; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if d := l.Ordinal(CUDA, 3); d != nil {
		t.Errorf("expected nil device, got %v", d)
	}
	if d := l.Ordinal(OpenCL, -1); d != nil {
		t.Errorf("expected nil device, got %v", d)
	}
	if _, err := l.Get(OpenCL, 0, 5); err == nil {
		t.Error("expected error")
	}
	d, err := l.Get(CUDA, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.Name, "host cuda device 2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseSelection(t *testing.T) {
	for _, c := range []struct {
		in   string
		want Selection
	}{
		{"none", Selection{}},
		{"", Selection{}},
		{"opencl", Selection{Kind: OpenCL}},
		{"cuda:1", Selection{Kind: CUDA, Platform: 1}},
		{"opencl:0:3", Selection{Kind: OpenCL, Device: 3}},
	} {
		got, err := ParseSelection(c.in)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("%q: got %v, want %v", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"none:1", "vulkan", "cuda:x", "cuda:0:0:0", "opencl:-1"} {
		if _, err := ParseSelection(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
	if got, want := (Selection{Kind: CUDA, Device: 2}).String(), "cuda:0:2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnavailable(t *testing.T) {
	l := NewHostList(1, 0)
	d := l.Ordinal(OpenCL, 0)
	d.Unavailable = true
	_, err := NewContext(d)
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("unexpected error %v", err)
	}
	if got, want := e.Code, DeviceNotAvailable; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStreamOrder(t *testing.T) {
	ctx, err := NewContext(NewHostList(1, 0).Ordinal(OpenCL, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Release()
	var order []int
	prog, err := ctx.Compile(Source{
		"slow": func([]*Buffer) error {
			time.Sleep(10 * time.Millisecond)
			order = append(order, 0)
			return nil
		},
		"fast": func([]*Buffer) error {
			order = append(order, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ctx.NumPrograms(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	slow, err := prog.Kernel("slow")
	if err != nil {
		t.Fatal(err)
	}
	fast, err := prog.Kernel("fast")
	if err != nil {
		t.Fatal(err)
	}
	s, err := ctx.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	s.Launch(slow)
	ev := s.Launch(fast)
	if err := ev.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Errorf("commands executed out of order: %v", order)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Launch(fast).Wait(); err == nil {
		t.Error("expected error on closed stream")
	}
}

func TestStreamCopy(t *testing.T) {
	ctx, err := NewContext(NewHostList(0, 1).Ordinal(CUDA, 0))
	if err != nil {
		t.Fatal(err)
	}
	prog, err := ctx.Compile(Source{
		"double": func(args []*Buffer) error {
			for i, b := range args[0].Bytes() {
				args[0].Bytes()[i] = 2 * b
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	k, err := prog.Kernel("double")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := ctx.Alloc(4)
	if err != nil {
		t.Fatal(err)
	}
	k.SetArgs(buf)
	s, err := ctx.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	in := []byte{1, 2, 3, 4}
	out := make([]byte, 4)
	s.Write(buf, in)
	s.Launch(k)
	s.Read(buf, out)
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if got, want := out[i], 2*in[i]; got != want {
			t.Errorf("byte %d: got %v, want %v", i, got, want)
		}
	}
}

func TestStreamError(t *testing.T) {
	ctx, err := NewContext(NewHostList(1, 0).Ordinal(OpenCL, 0))
	if err != nil {
		t.Fatal(err)
	}
	prog, err := ctx.Compile(Source{
		"fail": func([]*Buffer) error { return errors.New("boom") },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := prog.Kernel("missing"); err == nil {
		t.Error("expected error")
	}
	k, err := prog.Kernel("fail")
	if err != nil {
		t.Fatal(err)
	}
	s, err := ctx.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Launch(k)
	buf, _ := ctx.Alloc(1)
	// Commands after the failure report the stream's error.
	err = s.Read(buf, make([]byte, 1)).Wait()
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("unexpected error %v", err)
	}
	if got, want := e.Call, "EnqueueKernel"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.Error(), "EnqueueKernel failed with INVALID_OPERATION (-59): boom"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
