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

package mm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

// Reasons reported by the faults_denied metric.
const (
	reasonNoArea  = "no_area"
	reasonHandler = "handler"
)

// FaultKind is the exception that raised a page fault.
type FaultKind int

const (
	// InstructionFault is raised by an instruction fetch.
	InstructionFault FaultKind = iota

	// LoadFault is raised by a read.
	LoadFault

	// StoreFault is raised by a write.
	StoreFault
)

// String implements fmt.Stringer.String.
func (k FaultKind) String() string {
	switch k {
	case InstructionFault:
		return "instruction"
	case LoadFault:
		return "load"
	case StoreFault:
		return "store"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// AccessType returns the access that raises k.
func (k FaultKind) AccessType() hostarch.AccessType {
	switch k {
	case InstructionFault:
		return hostarch.Execute
	case StoreFault:
		return hostarch.Write
	default:
		return hostarch.Read
	}
}

// Process is the owner of a MemorySpace, as seen by fault handlers.
type Process interface {
	// MemorySpace returns the address space of the process.
	MemorySpace() *MemorySpace
}

// FaultHandler resolves the first touch of a page in a VMArea.
//
// Handlers are shared between an area and its duplicates, so they must not
// hold per-page state.
type FaultHandler interface {
	// HandleFault resolves the page containing fc.Addr, normally by
	// allocating a frame and installing it with fc.MapFrame. A non-nil error
	// is fatal to the faulting process.
	HandleFault(ctx context.Context, fc *FaultContext) error
}

// FaultContext describes one page fault to a FaultHandler. It is only valid
// for the duration of HandleFault.
type FaultContext struct {
	// Perms are the nominal permissions of the faulting area.
	Perms hostarch.AccessType

	// Process is the faulting process.
	Process Process

	// Addr is the faulting address.
	Addr hostarch.Addr

	// Kind is the exception that was raised.
	Kind FaultKind

	ms  *MemorySpace
	vma *VMArea
}

// PageAddr returns the page-aligned faulting address.
func (fc *FaultContext) PageAddr() hostarch.Addr {
	return fc.Addr.RoundDown()
}

// AreaBase returns the base address of the faulting area.
func (fc *FaultContext) AreaBase() hostarch.Addr {
	return fc.vma.base
}

// Mappings returns the pages of the faulting area resolved so far. The
// slice must not be modified.
func (fc *FaultContext) Mappings() []VMMapping {
	return fc.vma.mappings
}

// AllocateFrame returns a new frame and its contents. The contents are
// unspecified.
func (fc *FaultContext) AllocateFrame(kind usage.MemoryKind) (memmap.FileRange, []byte, error) {
	fr, err := fc.ms.mf.Allocate(pgalloc.AllocOpts{Kind: kind})
	if err != nil {
		return memmap.FileRange{}, nil, err
	}
	b, err := fc.ms.mf.MapInternal(fr, hostarch.ReadWrite)
	if err != nil {
		fc.ms.mf.DecRef(fr)
		return memmap.FileRange{}, nil, err
	}
	return fr, b, nil
}

// FreeFrame returns a frame obtained from AllocateFrame that was not
// installed.
func (fc *FaultContext) FreeFrame(fr memmap.FileRange) {
	fc.ms.mf.DecRef(fr)
}

// MapFrame installs fr at the faulting page with permissions perms and
// records the mapping. Ownership of fr passes to the area.
//
// Preconditions: perms is a subset of fc.Perms. MapFrame is called at most
// once per fault.
//
// +checklocksignore: ResolveFault holds fc.ms.mu for the whole fault.
func (fc *FaultContext) MapFrame(fr memmap.FileRange, perms hostarch.AccessType) {
	if !fc.Perms.SupersetOf(perms) {
		panic(fmt.Sprintf("mm: mapping %s into area with permissions %s", perms, fc.Perms))
	}
	addr := fc.PageAddr()
	fc.vma.appendMapping(VMMapping{Addr: addr, Frame: fr, Perms: perms})
	c := fc.ms.as.Cursor(hostarch.AddrRange{Start: addr, End: addr + hostarch.PageSize})
	c.Map(addr, fr, perms)
	c.Close()
	fc.ms.resident++
}

// DenyFault is a FaultHandler that fails every fault with EACCES.
type DenyFault struct{}

// HandleFault implements FaultHandler.HandleFault.
func (DenyFault) HandleFault(ctx context.Context, fc *FaultContext) error {
	return fmt.Errorf("%s fault at %v: %w", fc.Kind, fc.Addr, linuxerr.EACCES)
}

// String implements fmt.Stringer.String.
func (DenyFault) String() string { return "deny" }

// AnonymousFault is a FaultHandler that resolves each page with a zeroed
// frame mapped with the area's permissions.
type AnonymousFault struct{}

// HandleFault implements FaultHandler.HandleFault.
func (AnonymousFault) HandleFault(ctx context.Context, fc *FaultContext) error {
	fr, b, err := fc.AllocateFrame(usage.Anonymous)
	if err != nil {
		return err
	}
	clear(b)
	fc.MapFrame(fr, fc.Perms)
	return nil
}

// String implements fmt.Stringer.String.
func (AnonymousFault) String() string { return "anon" }

// InodeFault is a FaultHandler that fills each page from an inode. The page
// at base+i is read from Offset+i; bytes past the end of the inode read as
// zero.
type InodeFault struct {
	// Inode supplies page contents.
	Inode memmap.Inode

	// Offset is the inode offset of the first page of the area.
	Offset uint64
}

// HandleFault implements FaultHandler.HandleFault.
func (h InodeFault) HandleFault(ctx context.Context, fc *FaultContext) error {
	fr, b, err := fc.AllocateFrame(usage.PageCache)
	if err != nil {
		return err
	}
	off := h.Offset + uint64(fc.PageAddr()-fc.AreaBase())
	n, err := h.Inode.ReadAt(b, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		fc.FreeFrame(fr)
		return &memmap.BusError{Err: fmt.Errorf("reading page at offset %#x: %w", off, err)}
	}
	clear(b[n:])
	fc.ms.ioUsage.AccountReadFault(int64(n))
	fc.MapFrame(fr, fc.Perms)
	return nil
}

// String implements fmt.Stringer.String.
func (h InodeFault) String() string {
	return fmt.Sprintf("inode+%#x", h.Offset)
}

// ResolveFault resolves a fault at addr raised in p. The fault is handled by
// the area containing addr; if there is none and addr lies in the stack
// range, a one-page stack area is created. Faults on pages that are already
// resolved succeed without consulting the handler.
//
// A non-nil error is fatal to p: EFAULT if no area contains addr, otherwise
// the handler's error.
func ResolveFault(ctx context.Context, p Process, addr hostarch.Addr, kind FaultKind) error {
	ms := p.MemorySpace()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.released {
		return fmt.Errorf("%s fault at %v in released address space: %w", kind, addr, linuxerr.EFAULT)
	}

	vma := ms.findLocked(addr)
	if vma == nil {
		if ms.stack.Contains(addr) {
			return ms.growStackLocked(addr, kind)
		}
		faultsDenied.Increment(reasonNoArea)
		faultLog.Warningf("%s fault at %v outside any area", kind, addr)
		return fmt.Errorf("%s fault at %v: %w", kind, addr, linuxerr.EFAULT)
	}

	if _, ok := vma.lookup(addr.RoundDown()); ok {
		faultsSpurious.Increment()
		return nil
	}

	fc := FaultContext{
		Perms:   vma.perms,
		Process: p,
		Addr:    addr,
		Kind:    kind,
		ms:      ms,
		vma:     vma,
	}
	if err := vma.handler.HandleFault(ctx, &fc); err != nil {
		faultsDenied.Increment(reasonHandler)
		faultLog.Warningf("%s fault at %v in %v failed: %v", kind, addr, vma, err)
		return err
	}
	if _, ok := vma.lookup(addr.RoundDown()); !ok {
		panic(fmt.Sprintf("mm: handler %v of area %v returned without resolving %v", vma.handler, vma, addr))
	}
	faultsResolved.Increment(kind.String())
	if log.IsLogging(log.Debug) {
		log.Debugf("Resolved %s fault at %v in %v", kind, addr, vma)
	}
	if checkInvariants {
		if err := ms.validateLocked(); err != nil {
			panic(err.Error())
		}
	}
	return nil
}

// growStackLocked maps a one-page read-write stack area at the page
// containing addr.
//
// Preconditions: No area contains addr.
//
// +checklocks:ms.mu
func (ms *MemorySpace) growStackLocked(addr hostarch.Addr, kind FaultKind) error {
	vma := NewVMArea(addr.RoundDown(), 1, hostarch.ReadWrite, AnonymousFault{})
	vma.SetName("[stack]")
	if _, err := ms.mapLocked(vma, usage.Anonymous); err != nil {
		faultsDenied.Increment(reasonHandler)
		faultLog.Warningf("%s fault at %v: growing stack: %v", kind, addr, err)
		return err
	}
	faultsResolved.Increment(kind.String())
	log.Debugf("Grew stack at %v", vma.base)
	return nil
}
