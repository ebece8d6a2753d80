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

// Package pagetables provides a generic implementation of four-level radix
// page tables.
//
// Entries hold "physical" addresses, which for this kernel are page-aligned
// offsets into the frame arena. Table pages themselves are handed out by an
// Allocator, which maps between table pointers and the physical addresses
// stored in parent entries.
package pagetables

import (
	"fmt"
	"sync"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Address space layout.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	// entriesPerPage is the number of PTEs per table page.
	entriesPerPage = 512

	// lowerTop is the first address not translated by these tables.
	lowerTop = 1 << 48
)

// PageTables is a page table set.
type PageTables struct {
	// Allocator is used to allocate table pages.
	Allocator Allocator

	// root is the pgd.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical uintptr

	// mu serializes cursors. Holding it stands in for disabling
	// preemption while a cursor borrows the tables. Tables that may be
	// shared must only be walked under a cursor.
	mu sync.Mutex
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	p.root = a.NewPTEs()
	p.rootPhysical = a.PhysicalFor(p.root)
	return p
}

// RootPhysical returns the physical address of the root table, as loaded
// into the translation base register on activation.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// mapVisitor is used for map.
type mapVisitor struct {
	target   uintptr // Input.
	physical uintptr // Input.
	opts     MapOpts // Input.
	prev     bool    // Output.
}

// visit is used for map.
func (v *mapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	p := v.physical + (start - v.target)
	if pte.Valid() && (pte.Address() != p || pte.Opts() != v.opts) {
		v.prev = true
	}
	pte.Set(p, v.opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page aligned, their sum must not
// overflow, and the range must lie below the top of the lower half.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) bool {
	if p.Allocator == nil {
		panic("pagetables: use after Release")
	}
	checkRange(addr, length)
	if physical&(pteSize-1) != 0 {
		panic(fmt.Sprintf("pagetables: unaligned physical address %#x", physical))
	}
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	w := Walker{
		pageTables: p,
		visitor: &mapVisitor{
			target:   uintptr(addr),
			physical: physical,
			opts:     opts,
		},
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return w.visitor.(*mapVisitor).prev
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }

// visit unmaps the given entry.
func (v *unmapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	pte.Clear()
	v.count++
	return true
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page aligned, their sum must not
// overflow.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	if p.Allocator == nil {
		return false
	}
	checkRange(addr, length)
	w := Walker{
		pageTables: p,
		visitor:    &unmapVisitor{},
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return w.visitor.(*unmapVisitor).count > 0
}

// emptyVisitor is used for emptiness checks.
type emptyVisitor struct {
	count int
}

func (*emptyVisitor) requiresAlloc() bool { return false }

// visit counts the given entry.
func (v *emptyVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	v.count++
	return true
}

// IsEmpty checks if the given range is empty.
//
// Precondition: addr & length must be page aligned.
func (p *PageTables) IsEmpty(addr hostarch.Addr, length uintptr) bool {
	checkRange(addr, length)
	w := Walker{
		pageTables: p,
		visitor:    &emptyVisitor{},
	}
	w.iterateRange(uintptr(addr), uintptr(addr)+length)
	return w.visitor.(*emptyVisitor).count == 0
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	target   uintptr // Input & Output.
	physical uintptr // Output.
	size     uintptr // Output.
	opts     MapOpts // Output.
}

// visit matches the given address.
func (v *lookupVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	if !pte.Valid() {
		return false
	}
	v.physical = pte.Address() + (v.target - start)
	v.size = align + 1
	v.opts = pte.Opts()
	return false
}

func (*lookupVisitor) requiresAlloc() bool { return false }

// Lookup returns the physical address for the given virtual address.
//
// If the address is not mapped, ok is false.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	if p.Allocator == nil || uintptr(addr) >= lowerTop {
		return 0, MapOpts{}, false
	}
	mask := uintptr(pteSize - 1)
	w := Walker{
		pageTables: p,
		visitor: &lookupVisitor{
			target: uintptr(addr),
		},
	}
	w.iterateRange(uintptr(addr)&^mask, uintptr(addr)&^mask+pteSize)
	v := w.visitor.(*lookupVisitor)
	return v.physical, v.opts, v.size != 0
}

// Release releases every table page back to the Allocator. The tables must
// not be used afterwards.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Allocator == nil {
		return
	}
	p.Unmap(0, lowerTop)
	p.Allocator.FreePTEs(p.root)
	p.Allocator.Recycle()
	p.root = nil
	p.Allocator = nil
}

func checkRange(addr hostarch.Addr, length uintptr) {
	end := uintptr(addr) + length
	if uintptr(addr)&(pteSize-1) != 0 || length&(pteSize-1) != 0 || end < uintptr(addr) || end > lowerTop {
		panic(fmt.Sprintf("pagetables: invalid range [%#x, %#x)", uintptr(addr), end))
	}
}
