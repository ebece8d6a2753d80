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
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
)

// VMMapping records that one page is backed by one frame.
type VMMapping struct {
	// Addr is the page-aligned address of the page.
	Addr hostarch.Addr

	// Frame is the page-sized frame backing the page. The mapping holds the
	// only reference on Frame.
	Frame memmap.FileRange

	// Perms are the effective permissions of the page. Perms is a subset of
	// the owning area's permissions.
	Perms hostarch.AccessType
}

// String implements fmt.Stringer.String.
func (m VMMapping) String() string {
	return fmt.Sprintf("%v->%v %s", m.Addr, m.Frame, m.Perms)
}

// VMArea is a contiguous range of pages sharing permissions and a fault
// handler.
//
// base, pages, perms, handler and name are immutable. The remaining fields
// are protected by the mu of the owning MemorySpace.
type VMArea struct {
	base    hostarch.Addr
	pages   uint64
	perms   hostarch.AccessType
	handler FaultHandler

	// name is shown in debug output.
	name string

	// mappings holds resolved pages in the order they were resolved.
	mappings []VMMapping

	// index maps a resolved page address to its position in mappings.
	index map[hostarch.Addr]int

	// inserted is set once the area is registered in a MemorySpace.
	inserted bool
}

// NewVMArea returns an area covering pages pages starting at base. A nil
// handler denies every fault.
//
// Preconditions: base is page-aligned. pages > 0. The area lies below
// hostarch.MaxUserAddress.
func NewVMArea(base hostarch.Addr, pages uint64, perms hostarch.AccessType, handler FaultHandler) *VMArea {
	if !base.IsPageAligned() || pages == 0 {
		panic(fmt.Sprintf("mm: invalid area base %v pages %d", base, pages))
	}
	end, ok := base.AddLength(pages * hostarch.PageSize)
	if !ok || end > hostarch.MaxUserAddress {
		panic(fmt.Sprintf("mm: area at %v of %d pages exceeds the user address range", base, pages))
	}
	if handler == nil {
		handler = DenyFault{}
	}
	return &VMArea{
		base:    base,
		pages:   pages,
		perms:   perms,
		handler: handler,
		index:   make(map[hostarch.Addr]int),
	}
}

// SetName sets the name shown for vma in debug output.
//
// Preconditions: vma has not been added to a MemorySpace.
func (vma *VMArea) SetName(name string) {
	if vma.inserted {
		panic("mm: renaming a registered area")
	}
	vma.name = name
}

// Base returns the first address of vma.
func (vma *VMArea) Base() hostarch.Addr { return vma.base }

// Pages returns the number of pages in vma.
func (vma *VMArea) Pages() uint64 { return vma.pages }

// Perms returns the nominal permissions of vma.
func (vma *VMArea) Perms() hostarch.AccessType { return vma.perms }

// Handler returns the fault handler of vma.
func (vma *VMArea) Handler() FaultHandler { return vma.handler }

// Name returns the debug name of vma.
func (vma *VMArea) Name() string { return vma.name }

// Range returns the addresses covered by vma.
func (vma *VMArea) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: vma.base, End: vma.base + hostarch.Addr(vma.pages*hostarch.PageSize)}
}

// String implements fmt.Stringer.String.
func (vma *VMArea) String() string {
	if vma.name != "" {
		return fmt.Sprintf("%v %s %s", vma.Range(), vma.perms, vma.name)
	}
	return fmt.Sprintf("%v %s", vma.Range(), vma.perms)
}

// lookup returns the mapping of the page at addr.
func (vma *VMArea) lookup(addr hostarch.Addr) (VMMapping, bool) {
	i, ok := vma.index[addr]
	if !ok {
		return VMMapping{}, false
	}
	return vma.mappings[i], true
}

// appendMapping records a newly resolved page.
func (vma *VMArea) appendMapping(m VMMapping) {
	if !vma.Range().Contains(m.Addr) || !m.Addr.IsPageAligned() {
		panic(fmt.Sprintf("mm: mapping %v outside area %v", m, vma))
	}
	if _, ok := vma.index[m.Addr]; ok {
		panic(fmt.Sprintf("mm: page %v of area %v resolved twice", m.Addr, vma))
	}
	vma.index[m.Addr] = len(vma.mappings)
	vma.mappings = append(vma.mappings, m)
}

// releaseMappings drops every mapping and its frame. The caller must have
// removed the translations.
func (vma *VMArea) releaseMappings(f memmap.File) {
	for _, m := range vma.mappings {
		f.DecRef(m.Frame)
	}
	vma.mappings = nil
	clear(vma.index)
}

// clone returns an unregistered area with the same range, permissions,
// handler and name as vma, and no resolved pages.
func (vma *VMArea) clone() *VMArea {
	return &VMArea{
		base:    vma.base,
		pages:   vma.pages,
		perms:   vma.perms,
		handler: vma.handler,
		name:    vma.name,
		index:   make(map[hostarch.Addr]int, len(vma.mappings)),
	}
}

// validate checks the mappings of vma.
func (vma *VMArea) validate() error {
	if len(vma.index) != len(vma.mappings) {
		return fmt.Errorf("area %v: %d mappings, %d indexed", vma, len(vma.mappings), len(vma.index))
	}
	for i, m := range vma.mappings {
		if !vma.Range().Contains(m.Addr) {
			return fmt.Errorf("area %v: mapping %v out of range", vma, m)
		}
		if j, ok := vma.index[m.Addr]; !ok || j != i {
			return fmt.Errorf("area %v: mapping %v indexed at %d, stored at %d", vma, m, j, i)
		}
		if !vma.perms.SupersetOf(m.Perms) {
			return fmt.Errorf("area %v: mapping %v exceeds area permissions", vma, m)
		}
	}
	return nil
}
