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

// Package mm implements per-process address spaces.
//
// A MemorySpace owns the page tables of one process and the set of VMAreas
// registered in it. Pages inside a VMArea are resolved on first touch by the
// area's FaultHandler; ResolveFault is the single entry point used by the
// trap path.
//
// Lock order:
//
//	MemorySpace.mu
//	  pagetables.PageTables.mu (held by platform.Cursor)
//	    pgalloc.MemoryFile.mu
//	    platform.AddressSpace.mu
package mm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sentry/platform"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

// checkInvariants enables full validation of the area set after every
// mutation.
const checkInvariants = false

var (
	faultsResolved = metric.MustCreateNewUint64Metric("/mm/faults_resolved", "Number of page faults resolved by a fault handler.",
		metric.NewField("kind", []string{InstructionFault.String(), LoadFault.String(), StoreFault.String()}))
	faultsDenied = metric.MustCreateNewUint64Metric("/mm/faults_denied", "Number of page faults that terminated the faulting process.",
		metric.NewField("reason", []string{reasonNoArea, reasonHandler}))
	faultsSpurious = metric.MustCreateNewUint64Metric("/mm/faults_spurious", "Number of faults on pages that were already resolved.")
	duplicates     = metric.MustCreateNewUint64Metric("/mm/duplicates", "Number of address spaces duplicated.")
	pagesCopied    = metric.MustCreateNewUint64Metric("/mm/pages_copied", "Number of resolved pages copied by Duplicate.")
	clears         = metric.MustCreateNewUint64Metric("/mm/clears", "Number of address spaces cleared.")
)

// faultLog reports fatal faults. A process hammering a bad address must not
// flood the log.
var faultLog = log.BasicRateLimitedLogger(100 * time.Millisecond)

// MemorySpace is the address space of one process.
type MemorySpace struct {
	// mf allocates every frame installed in as. mf is immutable.
	mf *pgalloc.MemoryFile

	// as holds the page tables. as is immutable; it is shared with the
	// scheduler, which only activates it.
	as *platform.AddressSpace

	// ioUsage accounts reads performed while filling pages and kernel
	// copies. Its counters are atomic.
	ioUsage usage.IO

	mu sync.Mutex

	// areas holds registered VMAreas, ordered by base address. No two areas
	// overlap.
	//
	// +checklocks:mu
	areas *btree.BTreeG[*VMArea]

	// resident is the number of resolved pages across all areas.
	//
	// +checklocks:mu
	resident uint64

	// stack is the range in which faults outside any area lazily create a
	// one-page stack area. stack is empty if unset.
	//
	// +checklocks:mu
	stack hostarch.AddrRange

	// heap is [brk base, current brk). It is empty before BrkSetup.
	//
	// +checklocks:mu
	heap hostarch.AddrRange

	// brkLimit bounds heap.End. It is zero before BrkSetup.
	//
	// +checklocks:mu
	brkLimit hostarch.Addr

	// released is set by Release.
	//
	// +checklocks:mu
	released bool
}

func areaLess(a, b *VMArea) bool {
	return a.base < b.base
}

// NewMemorySpace returns an empty address space whose frames come from mf.
func NewMemorySpace(mf *pgalloc.MemoryFile) *MemorySpace {
	return &MemorySpace{
		mf:    mf,
		as:    platform.NewAddressSpace(mf),
		areas: btree.NewG(4, areaLess),
	}
}

// AddressSpace returns the page tables of ms, for activation by the
// scheduler and for direct frame access by the loader.
func (ms *MemorySpace) AddressSpace() *platform.AddressSpace {
	return ms.as
}

// MemoryFile returns the allocator backing ms.
func (ms *MemorySpace) MemoryFile() *pgalloc.MemoryFile {
	return ms.mf
}

// IO returns the I/O usage counters of ms.
func (ms *MemorySpace) IO() *usage.IO {
	return &ms.ioUsage
}

// AddArea registers vma without resolving any of its pages.
//
// Preconditions: vma must not overlap an area already in ms, and must not
// have been added to any MemorySpace.
func (ms *MemorySpace) AddArea(vma *VMArea) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.insertLocked(vma)
}

// Map registers vma and resolves every page of it immediately with freshly
// allocated, zeroed, physically contiguous frames. It returns the frames so
// that the caller can initialize their contents.
//
// Preconditions: As for AddArea.
func (ms *MemorySpace) Map(vma *VMArea) (memmap.FileRange, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.mapLocked(vma, usage.Anonymous)
}

// mapLocked implements Map.
//
// +checklocks:ms.mu
func (ms *MemorySpace) mapLocked(vma *VMArea, kind usage.MemoryKind) (memmap.FileRange, error) {
	ms.checkInsertLocked(vma)
	fr, err := ms.mf.AllocateContiguous(vma.pages, pgalloc.AllocOpts{Kind: kind})
	if err != nil {
		return memmap.FileRange{}, fmt.Errorf("mapping %v: %w", vma, err)
	}
	b, err := ms.mf.MapInternal(fr, hostarch.Write)
	if err != nil {
		ms.mf.DecRef(fr)
		return memmap.FileRange{}, err
	}
	clear(b)

	c := ms.as.Cursor(vma.Range())
	for i := uint64(0); i < vma.pages; i++ {
		addr := vma.base + hostarch.Addr(i*hostarch.PageSize)
		page := fr.Page(i)
		c.Map(addr, page, vma.perms)
		vma.appendMapping(VMMapping{Addr: addr, Frame: page, Perms: vma.perms})
	}
	c.Close()

	ms.linkLocked(vma)
	ms.resident += vma.pages
	return fr, nil
}

// checkInsertLocked panics if vma may not be inserted into ms.
//
// +checklocks:ms.mu
func (ms *MemorySpace) checkInsertLocked(vma *VMArea) {
	if ms.released {
		panic("mm: adding an area to a released MemorySpace")
	}
	if vma.inserted {
		panic(fmt.Sprintf("mm: area %v is already registered", vma))
	}
	if len(vma.mappings) != 0 {
		panic(fmt.Sprintf("mm: area %v already has resolved pages", vma))
	}
	if other := ms.overlappingLocked(vma.Range()); other != nil {
		panic(fmt.Sprintf("mm: area %v overlaps existing area %v", vma, other))
	}
}

// insertLocked adds vma to the area set.
//
// +checklocks:ms.mu
func (ms *MemorySpace) insertLocked(vma *VMArea) {
	ms.checkInsertLocked(vma)
	ms.linkLocked(vma)
}

// linkLocked adds vma to the area set without checking it.
//
// Preconditions: checkInsertLocked(vma) passed.
//
// +checklocks:ms.mu
func (ms *MemorySpace) linkLocked(vma *VMArea) {
	vma.inserted = true
	ms.areas.ReplaceOrInsert(vma)
	if checkInvariants {
		if err := ms.validateLocked(); err != nil {
			panic(err.Error())
		}
	}
}

// findLocked returns the area containing addr, or nil.
//
// +checklocks:ms.mu
func (ms *MemorySpace) findLocked(addr hostarch.Addr) *VMArea {
	var found *VMArea
	ms.areas.DescendLessOrEqual(&VMArea{base: addr}, func(vma *VMArea) bool {
		if vma.Range().Contains(addr) {
			found = vma
		}
		return false
	})
	return found
}

// overlappingLocked returns an area overlapping ar, or nil.
//
// +checklocks:ms.mu
func (ms *MemorySpace) overlappingLocked(ar hostarch.AddrRange) *VMArea {
	if ar.Length() == 0 {
		return nil
	}
	if vma := ms.findLocked(ar.Start); vma != nil {
		return vma
	}
	var found *VMArea
	ms.areas.AscendGreaterOrEqual(&VMArea{base: ar.Start}, func(vma *VMArea) bool {
		if vma.base < ar.End {
			found = vma
		}
		return false
	})
	return found
}

// removeLocked drops vma from the area set, unmaps its pages and releases
// its frames.
//
// Preconditions: vma is in ms.
//
// +checklocks:ms.mu
func (ms *MemorySpace) removeLocked(vma *VMArea) {
	ms.areas.Delete(vma)
	c := ms.as.Cursor(vma.Range())
	c.Unmap(vma.Range())
	c.Close()
	ms.resident -= uint64(len(vma.mappings))
	vma.releaseMappings(ms.mf)
}

// Clear removes every translation in the user address range and every
// area. Afterwards ms behaves as if freshly constructed.
func (ms *MemorySpace) Clear() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.clearLocked()
	clears.Increment()
}

// clearLocked implements Clear.
//
// +checklocks:ms.mu
func (ms *MemorySpace) clearLocked() {
	if ms.released {
		return
	}
	c := ms.as.Cursor(hostarch.AddrRange{Start: 0, End: hostarch.MaxUserAddress})
	c.Unmap(c.Range())
	c.Close()

	areas, pages := ms.areas.Len(), ms.resident
	ms.areas.Ascend(func(vma *VMArea) bool {
		vma.releaseMappings(ms.mf)
		return true
	})
	ms.areas.Clear(false)
	ms.resident = 0
	ms.stack = hostarch.AddrRange{}
	ms.heap = hostarch.AddrRange{}
	ms.brkLimit = 0
	log.Infof("Cleared address space: %d areas, %d resident pages released", areas, pages)
}

// Release clears ms and frees its page tables. ms must not be used
// afterwards.
func (ms *MemorySpace) Release() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.released {
		return
	}
	ms.clearLocked()
	ms.released = true
	ms.as.Release()
}

// Duplicate returns an independent copy of ms. Every area is mirrored with
// the same handler; every resolved page is copied into a new frame and
// mapped at the same address with the same permissions. Unresolved pages
// stay unresolved in the copy.
//
// If frames run out, every frame already given to the copy is released and
// the error is returned; ms is unchanged.
func (ms *MemorySpace) Duplicate() (*MemorySpace, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.released {
		panic("mm: duplicating a released MemorySpace")
	}

	child := NewMemorySpace(ms.mf)
	child.mu.Lock()
	child.stack = ms.stack
	child.heap = ms.heap
	child.brkLimit = ms.brkLimit

	var (
		err    error
		copied uint64
	)
	c := child.as.Cursor(hostarch.AddrRange{Start: 0, End: hostarch.MaxUserAddress})
	ms.areas.Ascend(func(vma *VMArea) bool {
		nvma := vma.clone()
		// Insert before copying so that a failure below releases whatever
		// was copied so far.
		nvma.inserted = true
		child.areas.ReplaceOrInsert(nvma)
		for _, m := range vma.mappings {
			var fr memmap.FileRange
			fr, err = ms.mf.Allocate(pgalloc.AllocOpts{Kind: usage.Anonymous})
			if err != nil {
				return false
			}
			if err = copyFrame(ms.mf, fr, m.Frame); err != nil {
				ms.mf.DecRef(fr)
				return false
			}
			c.Map(m.Addr, fr, m.Perms)
			nvma.appendMapping(VMMapping{Addr: m.Addr, Frame: fr, Perms: m.Perms})
			child.resident++
			copied++
		}
		return true
	})
	c.Close()
	areas := child.areas.Len()
	if err != nil {
		child.clearLocked()
		child.released = true
		child.mu.Unlock()
		child.as.Release()
		return nil, fmt.Errorf("duplicating address space: %w", err)
	}

	child.mu.Unlock()

	duplicates.Increment()
	pagesCopied.IncrementBy(copied)
	log.Infof("Duplicated address space: %d areas, %d pages copied", areas, copied)
	return child, nil
}

// copyFrame copies the contents of one frame into another.
func copyFrame(mf *pgalloc.MemoryFile, dst, src memmap.FileRange) error {
	s, err := mf.MapInternal(src, hostarch.Read)
	if err != nil {
		return err
	}
	d, err := mf.MapInternal(dst, hostarch.Write)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// NumAreas returns the number of registered areas.
func (ms *MemorySpace) NumAreas() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.areas.Len()
}

// ResidentPages returns the number of resolved pages.
func (ms *MemorySpace) ResidentPages() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.resident
}

// VirtualSize returns the total size in bytes of all registered areas.
func (ms *MemorySpace) VirtualSize() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var size uint64
	ms.areas.Ascend(func(vma *VMArea) bool {
		size += uint64(vma.Range().Length())
		return true
	})
	return size
}

// Mapping returns the resolved mapping of the page containing addr, if any.
func (ms *MemorySpace) Mapping(addr hostarch.Addr) (VMMapping, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	vma := ms.findLocked(addr)
	if vma == nil {
		return VMMapping{}, false
	}
	return vma.lookup(addr.RoundDown())
}

// validateLocked checks that areas are ordered and disjoint, that every
// mapping lies within its area, and that resident matches the mappings.
//
// +checklocks:ms.mu
func (ms *MemorySpace) validateLocked() error {
	var (
		err      error
		prev     *VMArea
		resident uint64
	)
	ms.areas.Ascend(func(vma *VMArea) bool {
		if prev != nil && prev.Range().Overlaps(vma.Range()) {
			err = fmt.Errorf("area %v overlaps %v", prev, vma)
			return false
		}
		if err = vma.validate(); err != nil {
			return false
		}
		resident += uint64(len(vma.mappings))
		prev = vma
		return true
	})
	if err == nil && resident != ms.resident {
		err = fmt.Errorf("resident pages %d, counted %d", ms.resident, resident)
	}
	return err
}
