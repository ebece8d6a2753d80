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

// Package platform provides the translation hardware seen by the memory
// manager: per-process address spaces built on page tables, and the CPUs
// that activate them.
package platform

import (
	"fmt"
	"sync"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
)

// AddressSpace is a virtual address space in which a task can execute. It
// wraps page tables whose physical addresses are offsets into a memmap.File.
//
// The AddressSpace is shared between its owning memory manager, which
// mutates it through cursors, and the scheduler, which only activates it.
type AddressSpace struct {
	// file backs every translation. file is immutable.
	file memmap.File

	// pageTables are for this particular address space.
	pageTables *pagetables.PageTables

	mu sync.Mutex

	// active is the set of CPUs on which this address space is installed.
	//
	// +checklocks:mu
	active map[*CPU]struct{}

	// released is set by Release.
	//
	// +checklocks:mu
	released bool
}

// NewAddressSpace returns an empty address space whose translations refer
// to frames of file.
func NewAddressSpace(file memmap.File) *AddressSpace {
	return &AddressSpace{
		file:       file,
		pageTables: pagetables.New(pagetables.NewRuntimeAllocator()),
		active:     make(map[*CPU]struct{}),
	}
}

// File returns the file backing translations.
func (as *AddressSpace) File() memmap.File {
	return as.file
}

// Invalidate flushes stale translations from every CPU on which this
// address space is active.
func (as *AddressSpace) Invalidate() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for c := range as.active {
		c.flush()
	}
}

// Cursor begins exclusive access to ar. While the cursor is open no other
// cursor on this address space may be created; the caller must Close it.
func (as *AddressSpace) Cursor(ar hostarch.AddrRange) *Cursor {
	return &Cursor{as: as, c: as.pageTables.Cursor(ar)}
}

// MapFile maps the frames fr at addr with access at. Any existing
// overlapping mappings are silently replaced.
//
// Preconditions: addr and fr must be page-aligned. fr.Length() > 0.
// at.Any() == true. At least one reference must be held on all pages in fr,
// and must continue to be held as long as pages are mapped.
func (as *AddressSpace) MapFile(addr hostarch.Addr, fr memmap.FileRange, at hostarch.AccessType) error {
	ar, ok := addr.ToRange(fr.Length())
	if !ok || !ar.IsPageAligned() || fr.Length() == 0 {
		return fmt.Errorf("invalid mapping of %v at %v", fr, addr)
	}
	c := as.Cursor(ar)
	defer c.Close()
	c.Map(addr, fr, at)
	return nil
}

// Unmap unmaps the given range.
//
// Preconditions: addr is page-aligned. length > 0.
func (as *AddressSpace) Unmap(addr hostarch.Addr, length uint64) {
	c := as.Cursor(hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)})
	defer c.Close()
	c.Unmap(c.Range())
}

// Translate returns the translation for addr. It briefly takes a cursor
// over the page, so it must not be called with a cursor open.
func (as *AddressSpace) Translate(addr hostarch.Addr) Translation {
	if addr >= hostarch.MaxUserAddress {
		return Translation{}
	}
	page := addr.RoundDown()
	c := as.Cursor(hostarch.AddrRange{Start: page, End: page + hostarch.PageSize})
	defer c.Close()
	return c.Query(addr)
}

// Activate installs this address space on c.
func (as *AddressSpace) Activate(c *CPU) {
	as.mu.Lock()
	if as.released {
		as.mu.Unlock()
		panic("platform: activating a released address space")
	}
	as.active[c] = struct{}{}
	as.mu.Unlock()
	c.install(as)
}

// deactivate removes c from the active set.
func (as *AddressSpace) deactivate(c *CPU) {
	as.mu.Lock()
	delete(as.active, c)
	as.mu.Unlock()
}

// Released returns true after Release.
func (as *AddressSpace) Released() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.released
}

// Release releases the page tables. The address space must not be used
// afterwards; CPUs on which it is still active are switched away from it.
func (as *AddressSpace) Release() {
	as.mu.Lock()
	if as.released {
		as.mu.Unlock()
		return
	}
	as.released = true
	cpus := make([]*CPU, 0, len(as.active))
	for c := range as.active {
		cpus = append(cpus, c)
	}
	as.active = nil
	as.mu.Unlock()

	for _, c := range cpus {
		c.uninstall(as)
	}
	c := as.pageTables.Cursor(hostarch.AddrRange{Start: 0, End: hostarch.MaxUserAddress})
	c.Unmap(c.Range())
	c.Close()
	as.pageTables.Release()
}

// SegmentationFault is an error returned by access methods when IO fails due
// to access of an unmapped page, or a mapped page with insufficient
// permissions.
type SegmentationFault struct {
	// Addr is the address at which the fault occurred.
	Addr hostarch.Addr

	// Access is the attempted access.
	Access hostarch.AccessType
}

// Error implements error.Error.
func (f SegmentationFault) Error() string {
	return fmt.Sprintf("segmentation fault (%s) at %#x", f.Access, f.Addr)
}
