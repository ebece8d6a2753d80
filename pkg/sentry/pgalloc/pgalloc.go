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

// Package pgalloc contains the page allocator for user memory.
//
// Frames are carved out of one anonymous host mapping, the arena. A frame is
// identified by its offset into the arena, which doubles as the physical
// address stored in page tables.
package pgalloc

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

var (
	framesAllocated = metric.MustCreateNewUint64Metric("/pgalloc/frames_allocated", "Number of frames handed out by the allocator.")
	framesFreed     = metric.MustCreateNewUint64Metric("/pgalloc/frames_freed", "Number of frames returned to the allocator.")
	allocFailures   = metric.MustCreateNewUint64Metric("/pgalloc/alloc_failures", "Number of allocations that failed for lack of contiguous free frames.")
)

func init() {
	kinds := make([]string, 0, usage.NumMemoryKinds)
	for k := usage.MemoryKind(0); k < usage.NumMemoryKinds; k++ {
		kinds = append(kinds, k.String())
	}
	metric.MustRegisterCustomUint64Metric("/pgalloc/memory_usage", false, "Bytes of allocated frames, by memory kind.", func(fields ...string) uint64 {
		for k := usage.MemoryKind(0); k < usage.NumMemoryKinds; k++ {
			if k.String() == fields[0] {
				return usage.MemoryAccounting.Get(k)
			}
		}
		return 0
	}, metric.NewField("kind", kinds))
}

// decommitChunk is the granularity at which free memory is returned to the
// host. A chunk is released once every frame in it is free.
const decommitChunk = 2 << 20

// extent is a run of free frames.
type extent struct {
	start uint64
	end   uint64
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// MemoryFile is a memmap.File whose pages may be allocated to arbitrary
// users.
type MemoryFile struct {
	// opts holds options passed to NewMemoryFile. opts is immutable.
	opts MemoryFileOpts

	mu sync.Mutex

	// arena is the host mapping backing every frame. It is nil after
	// Destroy.
	//
	// +checklocks:mu
	arena []byte

	// free holds free extents ordered by offset. Adjacent extents are
	// always merged.
	//
	// +checklocks:mu
	free *btree.BTreeG[extent]

	// freeBytes is the sum of the lengths of free.
	//
	// +checklocks:mu
	freeBytes uint64

	// refs is the reference count of each frame, indexed by frame number.
	//
	// +checklocks:mu
	refs []uint32

	// kinds is the accounting kind of each allocated frame.
	//
	// +checklocks:mu
	kinds []usage.MemoryKind

	// destroyed is set by Destroy.
	//
	// +checklocks:mu
	destroyed bool
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Size is the arena size in bytes. It is rounded up to a page.
	Size uint64
}

// AllocOpts are options used in MemoryFile.Allocate.
type AllocOpts struct {
	// Kind is the memory kind to be used for accounting.
	Kind usage.MemoryKind
}

// NewMemoryFile creates a MemoryFile backed by a fresh anonymous host
// mapping of opts.Size bytes.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	size, ok := hostarch.PageRoundUp(opts.Size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("invalid arena size %d: %w", opts.Size, linuxerr.EINVAL)
	}
	opts.Size = size
	arena, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map arena of %d bytes: %w", size, err)
	}
	frames := size / hostarch.PageSize
	f := &MemoryFile{
		opts:      opts,
		arena:     arena,
		free:      btree.NewG(8, extentLess),
		freeBytes: size,
		refs:      make([]uint32, frames),
		kinds:     make([]usage.MemoryKind, frames),
	}
	f.free.ReplaceOrInsert(extent{0, size})
	log.Infof("Frame arena of %d pages mapped", frames)
	return f, nil
}

// TotalSize returns the arena size in bytes.
func (f *MemoryFile) TotalSize() uint64 {
	return f.opts.Size
}

// FreeBytes returns the number of unallocated bytes.
func (f *MemoryFile) FreeBytes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeBytes
}

// Allocate returns a single frame with a reference count of one.
func (f *MemoryFile) Allocate(opts AllocOpts) (memmap.FileRange, error) {
	return f.AllocateContiguous(1, opts)
}

// AllocateContiguous returns a range of pages physically contiguous frames,
// each with a reference count of one. It fails with ENOMEM, without blocking,
// if no free run is long enough.
//
// The contents of the returned frames are unspecified. Freed frames keep
// their contents unless their whole decommitChunk was released to the host,
// in which case they read as zero.
func (f *MemoryFile) AllocateContiguous(pages uint64, opts AllocOpts) (memmap.FileRange, error) {
	if pages == 0 {
		panic("pgalloc: zero-length allocation")
	}
	length := pages * hostarch.PageSize

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("pgalloc: allocation from destroyed MemoryFile")
	}

	// First fit, lowest offset.
	var (
		found extent
		ok    bool
	)
	f.free.Ascend(func(e extent) bool {
		if e.end-e.start >= length {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		allocFailures.Increment()
		return memmap.FileRange{}, linuxerr.ENOMEM
	}
	f.free.Delete(found)
	if found.end-found.start > length {
		f.free.ReplaceOrInsert(extent{found.start + length, found.end})
	}
	f.freeBytes -= length

	fr := memmap.FileRange{Start: found.start, End: found.start + length}
	for i := fr.Start / hostarch.PageSize; i < fr.End/hostarch.PageSize; i++ {
		f.refs[i] = 1
		f.kinds[i] = opts.Kind
	}
	usage.MemoryAccounting.Inc(length, opts.Kind)
	framesAllocated.IncrementBy(pages)
	return fr, nil
}

func (f *MemoryFile) checkRange(fr memmap.FileRange) {
	if !fr.WellFormed() || fr.Length() == 0 || fr.Start%hostarch.PageSize != 0 || fr.End%hostarch.PageSize != 0 || fr.End > f.opts.Size {
		panic(fmt.Sprintf("pgalloc: invalid range %v", fr))
	}
}

// IncRef implements memmap.File.IncRef.
func (f *MemoryFile) IncRef(fr memmap.FileRange) {
	f.checkRange(fr)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := fr.Start / hostarch.PageSize; i < fr.End/hostarch.PageSize; i++ {
		if f.refs[i] == 0 {
			panic(fmt.Sprintf("pgalloc: IncRef of free frame %#x", i*hostarch.PageSize))
		}
		f.refs[i]++
	}
}

// DecRef implements memmap.File.DecRef.
func (f *MemoryFile) DecRef(fr memmap.FileRange) {
	f.checkRange(fr)
	f.mu.Lock()
	defer f.mu.Unlock()
	var freed uint64
	for i := fr.Start / hostarch.PageSize; i < fr.End/hostarch.PageSize; i++ {
		switch f.refs[i] {
		case 0:
			panic(fmt.Sprintf("pgalloc: DecRef of free frame %#x", i*hostarch.PageSize))
		case 1:
			f.refs[i] = 0
			usage.MemoryAccounting.Dec(hostarch.PageSize, f.kinds[i])
			f.freeLocked(i * hostarch.PageSize)
			freed++
		default:
			f.refs[i]--
		}
	}
	framesFreed.IncrementBy(freed)
}

// freeLocked returns the frame at off to the free set, merging it with its
// neighbours.
//
// +checklocks:f.mu
func (f *MemoryFile) freeLocked(off uint64) {
	e := extent{off, off + hostarch.PageSize}
	var prev, next extent
	var hasPrev, hasNext bool
	f.free.DescendLessOrEqual(extent{start: off}, func(p extent) bool {
		prev, hasPrev = p, true
		return false
	})
	f.free.AscendGreaterOrEqual(extent{start: e.end}, func(n extent) bool {
		next, hasNext = n, true
		return false
	})
	if hasPrev && prev.end == e.start {
		f.free.Delete(prev)
		e.start = prev.start
	}
	if hasNext && next.start == e.end {
		f.free.Delete(next)
		e.end = next.end
	}
	f.free.ReplaceOrInsert(e)
	f.freeBytes += hostarch.PageSize

	chunk := off &^ (decommitChunk - 1)
	if e.start <= chunk && chunk+decommitChunk <= e.end {
		if err := unix.Madvise(f.arena[chunk:chunk+decommitChunk], unix.MADV_DONTNEED); err != nil {
			log.Warningf("Failed to release free frames [%#x, %#x): %v", chunk, chunk+decommitChunk, err)
		}
	}
}

// MapInternal implements memmap.File.MapInternal. The returned slice aliases
// the arena.
func (f *MemoryFile) MapInternal(fr memmap.FileRange, at hostarch.AccessType) ([]byte, error) {
	if !fr.WellFormed() || fr.Length() == 0 || fr.End > f.opts.Size {
		return nil, fmt.Errorf("invalid range %v: %w", fr, linuxerr.EFAULT)
	}
	f.mu.Lock()
	arena := f.arena
	f.mu.Unlock()
	if arena == nil {
		return nil, linuxerr.EFAULT
	}
	return arena[fr.Start:fr.End:fr.End], nil
}

// Destroy releases the arena. Frames must not be used afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if inUse := f.opts.Size - f.freeBytes; inUse != 0 {
		log.Warningf("Destroying frame arena with %d bytes still allocated", inUse)
	}
	if err := unix.Munmap(f.arena); err != nil {
		log.Warningf("Failed to unmap frame arena: %v", err)
	}
	f.arena = nil
}

// String implements fmt.Stringer.String.
func (f *MemoryFile) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("MemoryFile{size: %d, free: %d, extents: %d}", f.opts.Size, f.freeBytes, f.free.Len())
}
