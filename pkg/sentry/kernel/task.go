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

package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/loader"
	"vmcore.dev/vmcore/pkg/sentry/mm"
)

// Task is a single-threaded process.
type Task struct {
	// k is the owning kernel. k is immutable.
	k *Kernel

	// tid is the process identifier. tid is immutable after addTask.
	tid ThreadID

	// parent is the ThreadID of the forking task, or 0. parent is
	// immutable.
	parent ThreadID

	// ms is the address space. ms is immutable; exec reuses it.
	ms *mm.MemorySpace

	mu sync.Mutex

	// image describes the loaded binary, if any.
	//
	// +checklocks:mu
	image loader.Image

	// exited is set by Exit.
	//
	// +checklocks:mu
	exited bool

	// exitStatus is valid once exited is set.
	//
	// +checklocks:mu
	exitStatus int
}

// NewTask creates a process with an empty address space.
func (k *Kernel) NewTask() *Task {
	t := &Task{
		k:  k,
		ms: mm.NewMemorySpace(k.mf),
	}
	k.addTask(t)
	log.Infof("Created task %d", t.tid)
	return t
}

// CreateProcess creates a process running the ELF binary read from bin.
func (k *Kernel) CreateProcess(ctx context.Context, bin io.ReaderAt, opts loader.LoadOpts) (*Task, error) {
	t := k.NewTask()
	if err := t.Exec(ctx, bin, opts); err != nil {
		t.Exit(0)
		k.Reap(t.tid)
		return nil, err
	}
	return t, nil
}

// MemorySpace implements mm.Process.MemorySpace.
func (t *Task) MemorySpace() *mm.MemorySpace {
	return t.ms
}

// ThreadID returns the process identifier.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Parent returns the ThreadID of the task that forked t, or 0.
func (t *Task) Parent() ThreadID {
	return t.parent
}

// Kernel returns the owning kernel.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// Image returns the loaded binary.
func (t *Task) Image() loader.Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.image
}

// ExitStatus returns the exit status and whether t has exited.
func (t *Task) ExitStatus() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitStatus, t.exited
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("task %d", t.tid)
}

// Exec replaces t's address space contents with the binary read from bin.
// The address space is cleared first; if loading fails it is left empty.
func (t *Task) Exec(ctx context.Context, bin io.ReaderAt, opts loader.LoadOpts) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return linuxerr.ESRCH
	}
	t.ms.Clear()
	img, err := loader.Load(ctx, t.ms, bin, opts)
	if err != nil {
		t.ms.Clear()
		t.image = loader.Image{}
		return fmt.Errorf("exec in %v: %w", t, err)
	}
	t.image = img
	log.Infof("Task %d executed new image, entry %v", t.tid, img.Entry)
	return nil
}

// Fork creates a child of t whose address space is an eager copy of t's.
func (t *Task) Fork() (*Task, error) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return nil, linuxerr.ESRCH
	}
	ms, err := t.ms.Duplicate()
	image := t.image
	// Kernel.mu is outside Task.mu.
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("fork of %v: %w", t, err)
	}
	child := &Task{
		k:      t.k,
		parent: t.tid,
		ms:     ms,
		image:  image,
	}
	t.k.addTask(child)
	log.Infof("Task %d forked task %d", t.tid, child.tid)
	return child, nil
}

// Exit terminates t with the given status and releases its address space.
// Exit is idempotent; the first status wins.
func (t *Task) Exit(status int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitLocked(status)
}

// exitLocked implements Exit.
//
// +checklocks:t.mu
func (t *Task) exitLocked(status int) {
	if t.exited {
		return
	}
	t.exited = true
	t.exitStatus = status
	t.k.exitedIO.Accumulate(t.ms.IO())
	t.ms.Release()
	processesExited.Increment()
	log.Infof("Task %d exited with status %d", t.tid, status)
}
