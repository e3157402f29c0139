// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package acecmd provides utilities for implementing analytic command
// line tools. The main entry point, acecmd.Main, configures an
// execution session according to a common set of flags, and then runs
// the analytic named on the command line.
//
// An acecmd tool follows this form:
//
//	func init() {
//		ace.RegisterFactory("mytool", factory)
//	}
//
//	func main() {
//		acecmd.Main(factory)
//	}
//
// and is invoked as
//
//	mytool [flags] run analytic --in=input.dat --out=output.dat
//	mytool [flags] chunkrun 3 8 analytic --in=input.dat --out=output.dat
//	mytool [flags] merge 8 analytic --in=input.dat --out=output.dat
package acecmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aceproject/ace"
	"github.com/aceproject/ace/aceflags"
	"github.com/aceproject/ace/exec"
	"github.com/aceproject/ace/mpi"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// A Command is a parsed command line: its words, and the options
// that are bound to the analytic's arguments.
type Command struct {
	Words []string
	Args  exec.Args
}

// Parse parses a command line. Words that begin with a dash are
// options of the form --key=value or --key, unless they are integers;
// all others are command words.
func Parse(args []string) (*Command, error) {
	cmd := &Command{Args: exec.Args{}}
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") || isInt(arg) {
			cmd.Words = append(cmd.Words, arg)
			continue
		}
		opt := strings.TrimLeft(arg, "-")
		key, value := opt, ""
		if i := strings.Index(opt, "="); i >= 0 {
			if i == 0 || strings.Count(opt, "=") > 1 {
				return nil, ace.ConfigurationError("invalid option syntax %q", arg)
			}
			key, value = opt[:i], opt[i+1:]
		}
		if key == "" {
			return nil, ace.ConfigurationError("invalid option syntax %q", arg)
		}
		cmd.Args[key] = value
	}
	return cmd, nil
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

func (c *Command) pop() (string, bool) {
	if len(c.Words) == 0 {
		return "", false
	}
	w := c.Words[0]
	c.Words = c.Words[1:]
	return w, true
}

func (c *Command) popInt(what, command string) (int, error) {
	w, ok := c.pop()
	if !ok {
		return 0, ace.ConfigurationError("%s not given for %s", what, command)
	}
	n, err := strconv.Atoi(w)
	if err != nil {
		return 0, ace.ConfigurationError("given %s for %s is invalid: %q", what, command, w)
	}
	return n, nil
}

// Run runs the command on the provided session. The first word of
// the command selects the run mode:
//
//	run <analytic>                       a single run, or a rank of a TCP world
//	chunkrun <index> <count> <analytic>  one chunk of a chunked run
//	merge <count> <analytic>             the merge of a chunked run
//	chunks <count> <analytic>            every chunk of a chunked run, then the merge
//	world <size> <analytic>              a distributed run within this process
//	machines <n> <analytic>              a distributed run over n bigmachine machines
func Run(ctx context.Context, sess *exec.Session, fl *aceflags.Flags, cmd *Command) error {
	command, ok := cmd.pop()
	if !ok {
		return ace.ConfigurationError("no command given")
	}
	var (
		index, count int
		err          error
	)
	switch command {
	case "run":
	case "chunkrun":
		if index, err = cmd.popInt("index", command); err != nil {
			return err
		}
		if count, err = cmd.popInt("size", command); err != nil {
			return err
		}
		if index < 0 || count < 0 || index >= count {
			return ace.ConfigurationError("given index %d and size %d for chunkrun are invalid", index, count)
		}
	case "merge", "chunks", "world", "machines":
		if count, err = cmd.popInt("size", command); err != nil {
			return err
		}
	default:
		return ace.ConfigurationError("unknown command %q", command)
	}
	name, ok := cmd.pop()
	if !ok {
		return ace.ConfigurationError("no analytic name given")
	}
	if len(cmd.Words) > 0 {
		return ace.ConfigurationError("unexpected arguments %v", cmd.Words)
	}
	switch command {
	case "run":
		if fl != nil && len(fl.MPIAddrs) > 1 {
			return runRank(ctx, sess, fl, name, cmd.Args)
		}
		return sess.Run(ctx, name, cmd.Args)
	case "chunkrun":
		return sess.RunChunk(ctx, name, cmd.Args, index, count)
	case "merge":
		return sess.RunMerge(ctx, name, cmd.Args, count)
	case "chunks":
		return sess.RunChunks(ctx, name, cmd.Args, count)
	case "world":
		return sess.RunWorld(ctx, name, cmd.Args, count)
	default:
		return sess.RunMachines(ctx, name, cmd.Args, count)
	}
}

func runRank(ctx context.Context, sess *exec.Session, fl *aceflags.Flags, name string, args exec.Args) error {
	network := mpi.Network{
		Addr:    fl.MPIAddr,
		Addrs:   fl.MPIAddrs,
		Timeout: fl.MPIInitTimeout,
	}
	comm, err := network.Connect(ctx)
	if err != nil {
		return err
	}
	defer comm.Close()
	log.Printf("%s: rank %d of %d", name, comm.Rank(), comm.Size())
	return sess.RunRank(ctx, name, args, comm)
}

// Main is a convenient entry point for an acecmd. Main does not
// return; it should be called after other initialization is
// performed. Main parses (global) flags, configures a session for
// the provided factory accordingly, and runs the command given by the
// remaining arguments. Options are applied after those derived from
// flags; exec.Data, for example, configures the data factory.
//
// Distributed runs over machines require that the factory, and the
// data factory if any, be registered under the same name with
// ace.RegisterFactory and data.RegisterFactory.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// bigmachine's aggregated pprof handlers.
//
// If the command fails, its error is reported and the process exits
// with code 1, otherwise it exits successfully.
func Main(factory ace.Factory, options ...exec.Option) {
	var fl aceflags.Flags
	aceflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Usage = func() { usage(factory) }
	flag.Parse()
	sess, err := Init(fl, factory, options...)
	if err != nil {
		fatal(err)
	}
	cmd, err := Parse(flag.Args())
	if err != nil {
		fatal(err)
	}
	if err := Run(context.Background(), sess, &fl, cmd); err != nil {
		fatal(err)
	}
	sess.Shutdown()
	os.Exit(0)
}

func fatal(err error) {
	log.Error.Printf("%s: %s", ace.TitleOf(err), ace.DetailsOf(err))
	os.Exit(1)
}

func usage(factory ace.Factory) {
	wr := flag.CommandLine.Output()
	fmt.Fprintf(wr, "usage: %s [flags] command [args] analytic [--key=value...]\n\n", os.Args[0])
	fmt.Fprintf(wr, "commands: run, chunkrun <index> <size>, merge <size>, chunks <size>, world <size>, machines <n>\n\n")
	if factory != nil {
		names := make([]string, factory.Size())
		for i := range names {
			names[i] = factory.Name(i)
		}
		fmt.Fprintf(wr, "analytics: %s\n\n", strings.Join(names, ", "))
	}
	flag.PrintDefaults()
}

// Init starts a session for the provided factory according to the
// supplied flags.
func Init(fl aceflags.Flags, factory ace.Factory, options ...exec.Option) (*exec.Session, error) {
	if fl.SystemHelp {
		providers, profiles := aceflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := fl.Output()
		str := []string{}
		fmt.Fprintf(wr, "%s\n\n", aceflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n",
			strings.Join(providers, ", "))
		for k, v := range profiles {
			str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
		}
		sort.Strings(str)
		for _, s := range str {
			wr.Write([]byte(s))
		}
		os.Exit(0)
	}
	flagOptions, err := fl.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(factory, append(flagOptions, options...)...)
	DisplayStatus(fl, sess)
	return sess, nil
}

// DisplayStatus arranges for the execution status to be displayed on
// the console and/or a web page depending on the flags specified on the
// command line. The web page is hosted /debug/status and
// http.DefaultServeMux.
func DisplayStatus(fl aceflags.Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(fl.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", fl.HTTPAddress)
			err := http.ListenAndServe(fl.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", fl.HTTPAddress, err)
			}
		}()
	}
}
