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

import (
	"fmt"
	"sync"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be
	// available for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for use again.
	Recycle()
}

// tableBase is the first physical address handed out for table pages. It
// sits well above any frame arena so the two never alias in dumps.
const tableBase = 1 << 40

// RuntimeAllocator is a trivial allocator backed by the Go heap. Table pages
// are given synthetic physical addresses.
type RuntimeAllocator struct {
	mu sync.Mutex

	// next is the next unused physical address.
	next uintptr

	// byPhysical maps live and freed tables by physical address.
	byPhysical map[uintptr]*PTEs

	// byTable is the inverse of byPhysical.
	byTable map[*PTEs]uintptr

	// pool is the set of free-to-use PTEs.
	pool []*PTEs

	// freed is the set of recently-freed PTEs.
	freed []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:       tableBase,
		byPhysical: make(map[uintptr]*PTEs),
		byTable:    make(map[*PTEs]uintptr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pool); n > 0 {
		ptes := r.pool[n-1]
		r.pool = r.pool[:n-1]
		*ptes = PTEs{}
		return ptes
	}
	ptes := new(PTEs)
	r.byPhysical[r.next] = ptes
	r.byTable[ptes] = r.next
	r.next += pteSize
	return ptes
}

// PhysicalFor returns the physical address for the given PTEs.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	physical, ok := r.byTable[ptes]
	if !ok {
		panic(fmt.Sprintf("pagetables: unknown table %p", ptes))
	}
	return physical
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	ptes, ok := r.byPhysical[physical]
	if !ok {
		panic(fmt.Sprintf("pagetables: no table at physical %#x", physical))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freed = append(r.freed, ptes)
}

// Recycle returns freed pages to the pool.
func (r *RuntimeAllocator) Recycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = append(r.pool, r.freed...)
	r.freed = r.freed[:0]
}

// InUse returns the number of table pages currently handed out.
func (r *RuntimeAllocator) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTable) - len(r.pool) - len(r.freed)
}
