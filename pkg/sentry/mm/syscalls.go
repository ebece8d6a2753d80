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
	"fmt"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

// mmapMin is the lowest address MMap places a non-fixed mapping at.
const mmapMin = hostarch.Addr(0x10000)

// MMap establishes a lazily resolved mapping and returns its address. An
// anonymous mapping is zero-filled on first touch; an inode mapping is read
// from opts.Inode at opts.Offset.
func (ms *MemorySpace) MMap(ctx context.Context, opts memmap.MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	opts.Length = length

	if opts.Inode != nil {
		// Offset must be aligned.
		if hostarch.PageRoundDown(opts.Offset) != opts.Offset {
			return 0, linuxerr.EINVAL
		}
		// Offset + length must not overflow.
		if end := opts.Offset + opts.Length; end < opts.Offset {
			return 0, linuxerr.ENOMEM
		}
	} else {
		opts.Offset = 0
	}

	if opts.Addr.RoundDown() != opts.Addr {
		// MAP_FIXED requires addr to be page-aligned; non-fixed mappings
		// don't.
		if opts.Fixed {
			return 0, linuxerr.EINVAL
		}
		opts.Addr = opts.Addr.RoundDown()
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.released {
		return 0, linuxerr.EFAULT
	}

	var ar hostarch.AddrRange
	if opts.Fixed {
		ar, ok = opts.Addr.ToRange(opts.Length)
		if !ok || ar.End > hostarch.MaxUserAddress {
			return 0, linuxerr.ENOMEM
		}
		if vma := ms.overlappingLocked(ar); vma != nil {
			return 0, fmt.Errorf("fixed mapping %v overlaps %v: %w", ar, vma, linuxerr.EEXIST)
		}
	} else {
		addr, err := ms.findAvailableLocked(opts.Length, opts.Addr)
		if err != nil {
			return 0, err
		}
		ar = hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(opts.Length)}
	}

	var handler FaultHandler = AnonymousFault{}
	if opts.Inode != nil {
		handler = InodeFault{Inode: opts.Inode, Offset: opts.Offset}
	}
	vma := NewVMArea(ar.Start, ar.Pages(), opts.Perms, handler)
	vma.SetName(opts.Hint)
	ms.insertLocked(vma)

	if opts.Precommit {
		if err := ms.populateLocked(ctx, vma); err != nil {
			ms.removeLocked(vma)
			return 0, err
		}
	}
	log.Debugf("Mapped %v", vma)
	return ar.Start, nil
}

// findAvailableLocked returns the lowest free, page-aligned range of length
// bytes at or above hint, or above mmapMin if hint is zero.
//
// Preconditions: length is page-aligned and non-zero.
//
// +checklocks:ms.mu
func (ms *MemorySpace) findAvailableLocked(length uint64, hint hostarch.Addr) (hostarch.Addr, error) {
	start := mmapMin
	if hint > start {
		start = hint
	}
	for {
		ar, ok := start.ToRange(length)
		if !ok || ar.End > hostarch.MaxUserAddress {
			return 0, linuxerr.ENOMEM
		}
		vma := ms.overlappingLocked(ar)
		if vma == nil {
			return start, nil
		}
		start = vma.Range().End
	}
}

// populateLocked resolves every unresolved page of vma with its handler.
//
// Preconditions: vma is in ms.
//
// +checklocks:ms.mu
func (ms *MemorySpace) populateLocked(ctx context.Context, vma *VMArea) error {
	for i := uint64(0); i < vma.pages; i++ {
		addr := vma.base + hostarch.Addr(i*hostarch.PageSize)
		if _, ok := vma.lookup(addr); ok {
			continue
		}
		fc := FaultContext{
			Perms: vma.perms,
			Addr:  addr,
			Kind:  LoadFault,
			ms:    ms,
			vma:   vma,
		}
		if err := vma.handler.HandleFault(ctx, &fc); err != nil {
			return err
		}
	}
	return nil
}

// MUnmap removes every area that lies entirely within [addr, addr+length).
// Areas that straddle the range are left alone and reported with EINVAL.
func (ms *MemorySpace) MUnmap(addr hostarch.Addr, length uint64) error {
	if !addr.IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	la, ok := hostarch.PageRoundUp(length)
	if !ok {
		return linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(la)
	if !ok {
		return linuxerr.EINVAL
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	var (
		victims []*VMArea
		partial bool
	)
	ms.areas.Ascend(func(vma *VMArea) bool {
		if vma.base >= ar.End {
			return false
		}
		switch r := vma.Range(); {
		case ar.IsSupersetOf(r):
			victims = append(victims, vma)
		case ar.Overlaps(r):
			partial = true
		}
		return true
	})
	if partial {
		return fmt.Errorf("unmapping part of an area in %v: %w", ar, linuxerr.EINVAL)
	}
	for _, vma := range victims {
		ms.removeLocked(vma)
	}
	return nil
}

// Protect sets the effective permissions of every resolved page in ar to
// perms, limited to each area's own permissions, and reinstalls the
// translations. Pages resolved later still get their area's permissions.
//
// Every page of ar must lie in an area; otherwise Protect fails with ENOMEM
// and changes nothing.
func (ms *MemorySpace) Protect(ar hostarch.AddrRange, perms hostarch.AccessType) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	var areas []*VMArea
	next := ar.Start
	ms.areas.AscendGreaterOrEqual(&VMArea{base: ms.areaStartLocked(ar.Start)}, func(vma *VMArea) bool {
		if vma.base >= ar.End || vma.base > next {
			return false
		}
		areas = append(areas, vma)
		next = vma.Range().End
		return next < ar.End
	})
	if next < ar.End {
		return fmt.Errorf("protecting %v: hole at %v: %w", ar, next, linuxerr.ENOMEM)
	}

	c := ms.as.Cursor(ar)
	for _, vma := range areas {
		eff := perms.Intersect(vma.perms)
		for i := range vma.mappings {
			m := &vma.mappings[i]
			if !ar.Contains(m.Addr) || m.Perms == eff {
				continue
			}
			m.Perms = eff
			c.Map(m.Addr, m.Frame, eff)
		}
	}
	c.Close()
	return nil
}

// areaStartLocked returns the base of the area containing addr, or addr if
// there is none.
//
// +checklocks:ms.mu
func (ms *MemorySpace) areaStartLocked(addr hostarch.Addr) hostarch.Addr {
	if vma := ms.findLocked(addr); vma != nil {
		return vma.base
	}
	return addr
}

// SetStackRange sets the range in which faults that hit no area grow the
// stack by one page.
func (ms *MemorySpace) SetStackRange(ar hostarch.AddrRange) {
	if !ar.WellFormed() || !ar.IsPageAligned() || ar.End > hostarch.MaxUserAddress {
		panic(fmt.Sprintf("mm: invalid stack range %v", ar))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.stack = ar
}

// StackRange returns the range set by SetStackRange.
func (ms *MemorySpace) StackRange() hostarch.AddrRange {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.stack
}

// BrkSetup places an empty heap at addr that may grow up to limit.
//
// Preconditions: addr is page-aligned. addr <= limit.
func (ms *MemorySpace) BrkSetup(addr, limit hostarch.Addr) {
	if !addr.IsPageAligned() || limit < addr {
		panic(fmt.Sprintf("mm: invalid heap at %v with limit %v", addr, limit))
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.heap = hostarch.AddrRange{Start: addr, End: addr}
	ms.brkLimit = limit
}

// Brk moves the end of the heap to addr and returns the new end. The heap
// only grows, eagerly mapping zeroed read-write pages; requests at or below
// the current end return the current end unchanged. Growth beyond the limit
// or into another area fails with ENOMEM.
func (ms *MemorySpace) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cur := ms.heap.End
	if addr <= cur {
		return cur, nil
	}
	if addr > ms.brkLimit {
		return cur, linuxerr.ENOMEM
	}

	oldpg := cur.MustRoundUp()
	newpg, ok := addr.RoundUp()
	if !ok {
		return cur, linuxerr.ENOMEM
	}
	if newpg > oldpg {
		vma := NewVMArea(oldpg, uint64(newpg-oldpg)/hostarch.PageSize, hostarch.ReadWrite, AnonymousFault{})
		vma.SetName("[heap]")
		if ms.overlappingLocked(vma.Range()) != nil {
			return cur, linuxerr.ENOMEM
		}
		if _, err := ms.mapLocked(vma, usage.Anonymous); err != nil {
			return cur, err
		}
	}
	ms.heap.End = addr
	return addr, nil
}
