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
	"errors"
	"fmt"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/pkg/sentry/platform"
)

// FatalFault is returned by user accesses that killed the task.
type FatalFault struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Kind is the kind of fault.
	Kind mm.FaultKind

	// Err is the reason the fault could not be resolved.
	Err error
}

// Error implements error.Error.
func (f *FatalFault) Error() string {
	return fmt.Sprintf("fatal %s fault at %v: %v", f.Kind, f.Addr, f.Err)
}

// Unwrap returns the original error.
func (f *FatalFault) Unwrap() error {
	return f.Err
}

// Load performs a user-mode read of len(dst) bytes at addr.
func (t *Task) Load(ctx context.Context, addr hostarch.Addr, dst []byte) error {
	return t.access(ctx, addr, len(dst), mm.LoadFault, func() (int, error) {
		return t.ms.CopyIn(addr, dst)
	})
}

// Fetch performs a user-mode instruction fetch of len(dst) bytes at addr.
func (t *Task) Fetch(ctx context.Context, addr hostarch.Addr, dst []byte) error {
	return t.access(ctx, addr, len(dst), mm.InstructionFault, func() (int, error) {
		return t.ms.CopyIn(addr, dst)
	})
}

// Store performs a user-mode write of src at addr.
func (t *Task) Store(ctx context.Context, addr hostarch.Addr, src []byte) error {
	return t.access(ctx, addr, len(src), mm.StoreFault, func() (int, error) {
		return t.ms.CopyOut(addr, src)
	})
}

// access checks that every page of [addr, addr+n) permits the access kind
// raises, trapping into the fault dispatcher for each page that is not yet
// translated, and then performs the copy. A fault that cannot be resolved,
// or a translation that does not permit the access, kills t.
func (t *Task) access(ctx context.Context, addr hostarch.Addr, n int, kind mm.FaultKind, copyFn func() (int, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return linuxerr.ESRCH
	}
	if n == 0 {
		return nil
	}
	end, ok := addr.AddLength(uint64(n))
	if !ok {
		return t.killLocked(addr, kind, linuxerr.EFAULT)
	}

	as := t.ms.AddressSpace()
	at := kind.AccessType()
	for page := addr.RoundDown(); page < end; page += hostarch.PageSize {
		a := max(page, addr)
		err := as.CheckAccess(a, at)
		if err == nil {
			continue
		}
		var sf platform.SegmentationFault
		if !errors.As(err, &sf) {
			return err
		}
		if err := mm.ResolveFault(ctx, t, a, kind); err != nil {
			return t.killLocked(a, kind, err)
		}
		if err := as.CheckAccess(a, at); err != nil {
			return t.killLocked(a, kind, fmt.Errorf("%v: %w", err, linuxerr.EACCES))
		}
	}

	if _, err := copyFn(); err != nil {
		return t.killLocked(addr, kind, err)
	}
	return nil
}

// killLocked terminates t after a fatal fault.
//
// +checklocks:t.mu
func (t *Task) killLocked(addr hostarch.Addr, kind mm.FaultKind, err error) error {
	fatalFaults.Increment()
	log.Warningf("Task %d killed by %s fault at %v: %v", t.tid, kind, addr, err)
	t.exitLocked(FaultExitStatus)
	return &FatalFault{Addr: addr, Kind: kind, Err: err}
}
