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

package pagetables

// visitor is a generic type.
type visitor interface {
	// visit is called on each valid leaf entry, and on each invalid leaf
	// entry when requiresAlloc is true. align is the size of the region
	// covered by the entry, minus one. Returning false stops the walk.
	visit(start uintptr, pte *PTE, align uintptr) bool

	// requiresAlloc indicates that new entries should be allocated within
	// the walked range.
	requiresAlloc() bool
}

// Walker walks page tables.
type Walker struct {
	// pageTables are the tables to walk.
	pageTables *PageTables

	// Visitor is the set of arguments.
	visitor visitor
}

// addrEnd returns the next boundary of the given size after addr, or end if
// that comes earlier. size is a power of two.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// walkPTEs iterates over the PTEs in the given range and calls the visitor
// for each one.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkPTEs(entries *PTEs, start, end uintptr) (bool, uint16) {
	var clearEntries uint16
	for start < end {
		pteIndex := uint16((start & pteMask) >> pteShift)
		entry := &entries[pteIndex]
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
			start += pteSize
			continue
		}

		// At this point, we are guaranteed that start%pteSize == 0.
		if !w.visitor.visit(start&^(pteSize-1), entry, pteSize-1) {
			return false, clearEntries
		}
		if !entry.Valid() && !w.visitor.requiresAlloc() {
			clearEntries++
		}

		start += pteSize
	}
	return true, clearEntries
}

// walkTable iterates over the intermediate entries of one table level,
// descending via next into each covered table. Tables that end up with no
// valid entries are released.
func (w *Walker) walkTable(entries *PTEs, start, end uintptr, shift uint, next func(*PTEs, uintptr, uintptr) (bool, uint16)) (bool, uint16) {
	var (
		clearEntries uint16
		size         = uintptr(1) << shift
		mask         = uintptr(entriesPerPage-1) << shift
	)
	for start < end {
		var child *PTEs
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[uint16((start&mask)>>shift)]
		if !entry.Valid() {
			if !w.visitor.requiresAlloc() {
				// Skip over this entry.
				clearEntries++
				start = nextBoundary
				continue
			}
			child = w.pageTables.Allocator.NewPTEs()
			entry.setPageTable(w.pageTables, child)
		} else {
			child = w.pageTables.Allocator.LookupPTEs(entry.Address())
		}

		// Map the next level, since this is valid.
		ok, clearChild := next(child, start, nextBoundary)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this page.
		if clearChild == entriesPerPage {
			entry.Clear()
			w.pageTables.Allocator.FreePTEs(child)
			clearEntries++
		}

		start = nextBoundary
	}
	return true, clearEntries
}

// walkPMDs iterates over the PMD entries in the given range.
func (w *Walker) walkPMDs(entries *PTEs, start, end uintptr) (bool, uint16) {
	return w.walkTable(entries, start, end, pmdShift, w.walkPTEs)
}

// walkPUDs iterates over the PUD entries in the given range.
func (w *Walker) walkPUDs(entries *PTEs, start, end uintptr) (bool, uint16) {
	return w.walkTable(entries, start, end, pudShift, w.walkPMDs)
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range. The root table is never released by a walk.
func (w *Walker) iterateRange(start, end uintptr) bool {
	if start >= end {
		return true
	}
	ok, _ := w.walkTable(w.pageTables.root, start, end, pgdShift, w.walkPUDs)
	return ok
}
