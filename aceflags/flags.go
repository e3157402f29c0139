// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package aceflags provides flag support for use by command line
// applications built on the execution engine.
package aceflags

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aceproject/ace/device"
	"github.com/aceproject/ace/exec"
	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents a provider of the processes that run the slaves
// of distributed runs. It can be configured by setting some set of
// options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the processes to be provided.
	// The options may be specified as key=val.
	Set(string) error
	// ExecOptions returns the exec.Options that request processes as
	// configured by the currently set options.
	ExecOptions() []exec.Option

	// DefaultParallelism returns the default number of concurrent runs
	// for this provider.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a 'system' provider.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which is a named
// shorthand for a system and any associated options. For example an
// application that registers a profile of:
//   aceflags.RegisterSystemProfile("big", "ec2:instance=m4.16xlarge")
// can accept
//   --system=big
// as a synonym for
//   --system=ec2:instance=m4.16xlarge
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal runs the slaves of distributed runs as goroutines of this
// process.
type Internal struct{}

// Name implements Provider.Name.
func (i *Internal) Name() string {
	return "internal"
}

// Set implements Provider.Set.
func (i *Internal) Set(_ string) error {
	return fmt.Errorf("the internal provider does not support any configuration")
}

// ExecOptions implements Provider.ExecOptions.
func (i *Internal) ExecOptions() []exec.Option {
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (i *Internal) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// Local runs the slaves of distributed runs as bigmachine machines
// on this host, each a separate process.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local provider does not support any configuration")
}

// ExecOptions implements Provider.ExecOptions.
func (l *Local) ExecOptions() []exec.Option {
	return []exec.Option{exec.Bigmachine(bigmachine.Local)}
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (l *Local) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// EC2 runs the slaves of distributed runs on AWS EC2 instances.
// Chunk directories and data objects should then be on storage shared
// by the instances, such as S3.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.DefaultParallelism.
func (ec2 *EC2) DefaultParallelism() int {
	return runtime.GOMAXPROCS(0)
}

// ExecOptions implements Provider.ExecOptions.
func (ec2 *EC2) ExecOptions() []exec.Option {
	return []exec.Option{exec.Bigmachine(ec2.System())}
}

// System returns the ec2system configured by the provider's options.
func (ec2 *EC2) System() *ec2system.System {
	if ec2.Options == nil {
		return &ec2system.System{}
	}
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return instance
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a system is specified as follows: {local,internal,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a completion explanation of the allowed SystemFlags values.
const SystemHelpLong = `A system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported system types are as follows:

internal: slaves run as goroutines of this process, the default.
local: slaves run as separate processes on this host.
ec2: slaves run on AWS EC2 instances. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m4.xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above.
`

// SystemFlag represents a flag that can be used to specify the
// provider of slave processes.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// DeviceFlag is a flag holding a device selection.
type DeviceFlag struct {
	device.Selection
}

// Set implements flag.Value.Set
func (d *DeviceFlag) Set(v string) error {
	sel, err := device.ParseSelection(v)
	if err != nil {
		return err
	}
	d.Selection = sel
	return nil
}

// Get implements flag.Value.Get
func (d *DeviceFlag) Get() interface{} {
	return d.Selection
}

// AddrsFlag is a flag holding a comma separated list of addresses.
type AddrsFlag []string

// String implements flag.Value.String
func (a *AddrsFlag) String() string {
	return strings.Join(*a, ",")
}

// Set implements flag.Value.Set
func (a *AddrsFlag) Set(v string) error {
	for _, addr := range strings.Split(v, ",") {
		if addr != "" {
			*a = append(*a, addr)
		}
	}
	return nil
}

// Flags represents all of the flags that can be used to configure
// an engine command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int

	ThreadSize int
	BufferSize int
	Device     DeviceFlag
	OpenCL     int
	CUDA       int

	ChunkDir       string
	ChunkPrefix    string
	ChunkExtension string

	// MPIAddr and MPIAddrs configure a TCP world; see mpi.Network.
	MPIAddr        string
	MPIAddrs       AddrsFlag
	MPIInitTimeout time.Duration

	fs *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (af *Flags) Output() io.Writer {
	if af.fs == nil {
		return os.Stderr
	}
	if wr := af.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
	ThreadSize    int
	BufferSize    int
	Device        string
	ChunkDir      string
}

// RegisterFlags registers the engine command line flags with the
// supplied flag set. The flag names will be prefixed with the supplied
// prefix.
func RegisterFlags(fs *flag.FlagSet, af *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, af, prefix, Defaults{
		System:        "internal",
		HTTPAddress:   ":3333",
		ConsoleStatus: false,
		Parallelism:   0,
		ThreadSize:    exec.DefaultThreadSize,
		BufferSize:    exec.DefaultBufferSize,
		Device:        "none",
		ChunkDir:      os.TempDir(),
	})
}

// RegisterFlagsWithDefaults registers the engine command line flags
// with the supplied flag set and defaults. The flag names will be
// prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, af *Flags, prefix string, defaults Defaults) {
	fs.Var(&af.System, prefix+"system", SystemHelpShort(prefix))
	af.System.Set(defaults.System)
	af.System.Specified = false
	fs.Var(&af.HTTPAddress, prefix+"http", "address of http status server")
	af.HTTPAddress.Set(defaults.HTTPAddress)
	af.HTTPAddress.Specified = false
	fs.BoolVar(&af.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&af.Parallelism, prefix+"parallelism", defaults.Parallelism, "maximum number of concurrent runs, 0 requests an appropriate default for the system")
	fs.BoolVar(&af.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")

	fs.IntVar(&af.ThreadSize, prefix+"threads", defaults.ThreadSize, "number of workers driving each device")
	fs.IntVar(&af.BufferSize, prefix+"buffer", defaults.BufferSize, "number of blocks kept outstanding on each slave")
	fs.Var(&af.Device, prefix+"device", `device to run on: "none", or "kind[:platform[:device]]" where kind is opencl or cuda`)
	af.Device.Set(defaults.Device)
	fs.IntVar(&af.OpenCL, prefix+"opencl-devices", 0, "number of emulated OpenCL devices")
	fs.IntVar(&af.CUDA, prefix+"cuda-devices", 0, "number of emulated CUDA devices")

	fs.StringVar(&af.ChunkDir, prefix+"chunk-dir", defaults.ChunkDir, "directory of chunk files")
	fs.StringVar(&af.ChunkPrefix, prefix+"chunk-prefix", "chunk", "file name prefix of chunk files")
	fs.StringVar(&af.ChunkExtension, prefix+"chunk-ext", "abd", "file name extension of chunk files")

	fs.StringVar(&af.MPIAddr, prefix+"mpi-addr", "", "address of this process in a TCP world")
	fs.Var(&af.MPIAddrs, prefix+"mpi-addrs", "addresses of all processes of a TCP world, comma separated")
	fs.DurationVar(&af.MPIInitTimeout, prefix+"mpi-init-timeout", time.Minute, "time allowed to connect a TCP world")
	af.fs = fs
}

// ExecOptions parses the flag values and returns a slice of exec.Options
// that represent the actions specified by those flags.
func (af *Flags) ExecOptions() ([]exec.Option, error) {
	if af.ThreadSize <= 0 {
		return nil, fmt.Errorf("threads must be positive, got %d", af.ThreadSize)
	}
	if af.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer must be positive, got %d", af.BufferSize)
	}
	if af.OpenCL < 0 || af.CUDA < 0 {
		return nil, fmt.Errorf("device counts must be non-negative")
	}
	var aceStatus status.Status
	// Ensure the machine group is displayed first.
	_ = aceStatus.Group(exec.MachineStatusGroup)
	_ = aceStatus.Groups()

	options := []exec.Option{
		exec.Status(&aceStatus),
		exec.ThreadSize(af.ThreadSize),
		exec.BufferSize(af.BufferSize),
		exec.Device(af.Device.Selection),
		exec.Devices(device.NewHostList(af.OpenCL, af.CUDA)),
		exec.ChunkDir(af.ChunkDir),
		exec.ChunkPrefix(af.ChunkPrefix),
		exec.ChunkExtension(af.ChunkExtension),
	}
	if af.System.Provider != nil {
		options = append(options, af.System.Provider.ExecOptions()...)
	}
	p := af.Parallelism
	if p <= 0 && af.System.Provider != nil {
		p = af.System.Provider.DefaultParallelism()
	}
	if p > 0 {
		options = append(options, exec.Parallelism(p))
	}
	return options, nil
}
