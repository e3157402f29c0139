// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aceflags_test

import (
	"flag"
	"io/ioutil"
	"testing"
	"time"

	"github.com/aceproject/ace/aceflags"
	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/exec"
)

func TestProvider(t *testing.T) {
	local := &aceflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(local.ExecOptions()), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	internal := &aceflags.Internal{}
	if got, want := internal.Name(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := internal.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if opts := internal.ExecOptions(); opts != nil {
		t.Errorf("got %v, want nil", opts)
	}
	ec2 := &aceflags.EC2{}
	if got, want := ec2.Name(), "EC2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ec2.Set("instance=m4.xlarge"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	system := ec2.System()
	if got, want := system.Dataspace, uint(122); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := system.InstanceType, "m4.xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSystemFlag(t *testing.T) {
	tf := &aceflags.Flags{}
	if err := tf.System.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &aceflags.Flags{}
	if err := tf.System.Set("internal"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("internal:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &aceflags.Flags{}
	if err := tf.System.Set("ec2"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("ec2:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := tf.System.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "EC2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := tf.System.Set("gce"); err == nil {
		t.Errorf("expected an error")
	}
	aceflags.RegisterSystemProfile("test-profile", "local")
	tf = &aceflags.Flags{}
	if err := tf.System.Set("test-profile"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, profiles := aceflags.ProvidersAndProfiles()
	if got, want := profiles["test-profile"], "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func parse(t *testing.T, args ...string) *aceflags.Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var af aceflags.Flags
	aceflags.RegisterFlags(fs, &af, "ace-")
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return &af
}

func TestFlags(t *testing.T) {
	af := parse(t)
	if got, want := af.System.String(), "internal"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if af.System.Specified {
		t.Error("default system reported as specified")
	}
	if got, want := af.ThreadSize, exec.DefaultThreadSize; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !af.Device.IsNone() {
		t.Errorf("got %v, want none", af.Device)
	}

	af = parse(t,
		"-ace-system=internal",
		"-ace-threads=3",
		"-ace-buffer=2",
		"-ace-device=cuda:0:1",
		"-ace-cuda-devices=2",
		"-ace-mpi-addrs=a:1,b:2",
		"-ace-mpi-addrs=c:3",
		"-ace-mpi-init-timeout=5s",
	)
	if !af.System.Specified {
		t.Error("system not reported as specified")
	}
	if got, want := af.Device.Selection, (device.Selection{Kind: device.CUDA, Platform: 0, Device: 1}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := af.MPIAddrs.String(), "a:1,b:2,c:3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := af.MPIInitTimeout, 5*time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	options, err := af.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	sess := exec.Start(nil, options...)
	defer sess.Shutdown()
	cfg := sess.Config()
	if got, want := cfg.ThreadSize, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cfg.BufferSize, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := cfg.Devices.Size(device.CUDA), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if sess.Status() == nil {
		t.Error("expected a status")
	}
}

func TestFlagsInvalid(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var af aceflags.Flags
	aceflags.RegisterFlags(fs, &af, "")
	if err := fs.Parse([]string{"-device=gpu"}); err == nil {
		t.Error("expected an error")
	}
	af.ThreadSize = 0
	if _, err := af.ExecOptions(); err == nil {
		t.Error("expected an error")
	}
}
