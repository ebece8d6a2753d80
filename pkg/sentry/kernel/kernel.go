// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kernel ties address spaces to processes: it keeps the process
// table, runs fork, exec and exit against each process's MemorySpace, and
// simulates user memory accesses that trap into the fault dispatcher.
//
// Lock order:
//
//	Kernel.mu
//	  Task.mu
//	    mm.MemorySpace.mu
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sentry/platform"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

// FaultExitStatus is the exit status of a process terminated by a fatal
// page fault.
const FaultExitStatus = 128 + int(unix.SIGSEGV)

var (
	processesCreated = metric.MustCreateNewUint64Metric("/kernel/processes_created", "Number of processes created, including forks.")
	processesExited  = metric.MustCreateNewUint64Metric("/kernel/processes_exited", "Number of processes that exited.")
	fatalFaults      = metric.MustCreateNewUint64Metric("/kernel/fatal_faults", "Number of processes killed by a fatal page fault.")
)

// ThreadID is a process identifier.
type ThreadID int32

// Kernel is the process table.
type Kernel struct {
	// mf backs every process's memory. mf is immutable.
	mf *pgalloc.MemoryFile

	// cpus are the simulated CPUs. cpus is immutable.
	cpus []*platform.CPU

	// exitedIO accumulates the I/O usage of exited tasks. Its counters are
	// atomic.
	exitedIO usage.IO

	mu sync.Mutex

	// tasks holds every task that has not been reaped.
	//
	// +checklocks:mu
	tasks map[ThreadID]*Task

	// lastTID is the most recently allocated ThreadID.
	//
	// +checklocks:mu
	lastTID ThreadID
}

// InitKernelArgs holds arguments to NewKernel.
type InitKernelArgs struct {
	// MemoryFile supplies frames for all processes.
	MemoryFile *pgalloc.MemoryFile

	// ApplicationCores is the number of simulated CPUs.
	ApplicationCores uint
}

// NewKernel returns a kernel with an empty process table.
func NewKernel(args InitKernelArgs) (*Kernel, error) {
	if args.MemoryFile == nil {
		return nil, fmt.Errorf("MemoryFile is nil: %w", linuxerr.EINVAL)
	}
	if args.ApplicationCores == 0 {
		return nil, fmt.Errorf("ApplicationCores is 0: %w", linuxerr.EINVAL)
	}
	return &Kernel{
		mf:    args.MemoryFile,
		cpus:  platform.NewCPUs(int(args.ApplicationCores)),
		tasks: make(map[ThreadID]*Task),
	}, nil
}

// MemoryFile returns the frame allocator.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// CPUs returns the simulated CPUs.
func (k *Kernel) CPUs() []*platform.CPU {
	return k.cpus
}

// addTask assigns t a ThreadID and adds it to the process table.
func (k *Kernel) addTask(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastTID++
	t.tid = k.lastTID
	k.tasks[t.tid] = t
	processesCreated.Increment()
}

// TaskWithID returns the task with the given ThreadID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[tid]
}

// Tasks returns every unreaped task, ordered by ThreadID.
func (k *Kernel) Tasks() []*Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	ts := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].tid < ts[j].tid })
	return ts
}

// Reap removes an exited task from the process table and returns its exit
// status. It fails with ESRCH if there is no such task and EAGAIN if the
// task is still running.
func (k *Kernel) Reap(tid ThreadID) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[tid]
	if !ok {
		return 0, linuxerr.ESRCH
	}
	status, exited := t.ExitStatus()
	if !exited {
		return 0, linuxerr.EAGAIN
	}
	delete(k.tasks, tid)
	return status, nil
}

// Switch makes t's address space active on CPU cpu, as the scheduler does
// when it runs t there.
func (k *Kernel) Switch(cpu int, t *Task) error {
	if cpu < 0 || cpu >= len(k.cpus) {
		return fmt.Errorf("no CPU %d: %w", cpu, linuxerr.EINVAL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return linuxerr.ESRCH
	}
	t.ms.AddressSpace().Activate(k.cpus[cpu])
	if log.IsLogging(log.Debug) {
		log.Debugf("Switched %v to task %d", k.cpus[cpu], t.tid)
	}
	return nil
}

// IOUsage returns the I/O usage of every task k has run. The result is
// approximate while tasks are exiting concurrently.
func (k *Kernel) IOUsage() *usage.IO {
	var total usage.IO
	total.Accumulate(&k.exitedIO)
	for _, t := range k.Tasks() {
		t.mu.Lock()
		if !t.exited {
			total.Accumulate(t.ms.IO())
		}
		t.mu.Unlock()
	}
	return &total
}

// Shutdown kills every remaining task and empties the process table.
func (k *Kernel) Shutdown() {
	for _, t := range k.Tasks() {
		t.Exit(0)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	clear(k.tasks)
}
