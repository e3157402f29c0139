// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package ace defines the contracts of the analytic execution engine.

	An analytic is a pluggable computation that decomposes its problem
	into N indexed work blocks. The engine (package exec) requests work
	blocks from the analytic, executes them on a backend, and hands the
	resulting blocks back to the analytic strictly in index order,
	regardless of the order in which backends complete them.

	Backends are chosen from the capabilities the analytic offers:

		SerialAnalytic  executes blocks one at a time on the host
		OpenCLAnalytic  executes blocks on a pool of OpenCL command queues
		CUDAAnalytic    executes blocks on a pool of CUDA streams

	Any of these may additionally be distributed over multiple processes:
	either as a master and a set of slave ranks that exchange blocks over
	a transport (package mpi), or as independent chunk processes that
	each compute a contiguous range of indices into a file, later merged
	in order.

	Blocks serialize to byte buffers that begin with the block's index
	as a little-endian 32-bit signed integer. Negative indices are
	control codes used between ranks.

	Failures are reported as errors carrying an Exception, a pair of a
	short title and human-readable details, which survives transport
	between ranks.
*/
package ace

// Version is the engine version recorded in the provenance of the data
// objects it writes.
const Version = "3.2.0"
