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

// Package usage provides representations of resource usage.
package usage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryKind represents a type of memory used by the kernel or by user
// processes.
type MemoryKind int

const (
	// System represents memory used by the kernel itself, such as page
	// table pages.
	System MemoryKind = iota

	// Anonymous represents demand-zero process memory: anonymous regions,
	// stacks, and the heap.
	Anonymous

	// PageCache represents frames filled from an inode on first touch.
	PageCache

	// Image represents frames populated eagerly from an executable image.
	Image

	// NumMemoryKinds is the number of memory kinds.
	NumMemoryKinds
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case System:
		return "system"
	case Anonymous:
		return "anonymous"
	case PageCache:
		return "pagecache"
	case Image:
		return "image"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats tracks memory usage in bytes. Fields correspond to the memory
// kind with the same name. The fields may be safely accessed directly on a
// copy obtained from MemoryLocked.Copy.
type MemoryStats struct {
	System    uint64
	Anonymous uint64
	PageCache uint64
	Image     uint64
}

// MemoryLocked is MemoryStats with access methods.
type MemoryLocked struct {
	// mu excludes Total and Copy against concurrent moves, so a snapshot
	// never observes a byte in two kinds at once.
	mu sync.RWMutex

	kinds [NumMemoryKinds]atomic.Uint64
}

// MemoryAccounting is the global memory stats.
var MemoryAccounting = &MemoryLocked{}

func (m *MemoryLocked) counter(kind MemoryKind) *atomic.Uint64 {
	if kind < 0 || kind >= NumMemoryKinds {
		panic(fmt.Sprintf("invalid memory kind: %v", kind))
	}
	return &m.kinds[kind]
}

// Inc adds an additional usage of 'val' bytes to memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Inc(val uint64, kind MemoryKind) {
	m.mu.RLock()
	m.counter(kind).Add(val)
	m.mu.RUnlock()
}

// Dec remove a usage of 'val' bytes from memory category 'kind'.
//
// This method is thread-safe.
func (m *MemoryLocked) Dec(val uint64, kind MemoryKind) {
	m.mu.RLock()
	m.counter(kind).Add(^(val - 1))
	m.mu.RUnlock()
}

// Move moves a usage of 'val' bytes from 'from' to 'to'.
//
// This method is thread-safe.
func (m *MemoryLocked) Move(val uint64, to MemoryKind, from MemoryKind) {
	m.mu.RLock()
	m.counter(from).Add(^(val - 1))
	m.counter(to).Add(val)
	m.mu.RUnlock()
}

// Get returns the usage of a single kind.
func (m *MemoryLocked) Get(kind MemoryKind) uint64 {
	return m.counter(kind).Load()
}

// totalLocked returns a total usage.
//
// Precondition: must be called when locked.
func (m *MemoryLocked) totalLocked() (total uint64) {
	for i := range m.kinds {
		total += m.kinds[i].Load()
	}
	return
}

// Total returns a total memory usage.
//
// This method is thread-safe.
func (m *MemoryLocked) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// Copy returns a copy of the structure with a total.
//
// This method is thread-safe.
func (m *MemoryLocked) Copy() (MemoryStats, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := MemoryStats{
		System:    m.kinds[System].Load(),
		Anonymous: m.kinds[Anonymous].Load(),
		PageCache: m.kinds[PageCache].Load(),
		Image:     m.kinds[Image].Load(),
	}
	return ms, m.totalLocked()
}
