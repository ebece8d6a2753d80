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
	"sync/atomic"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Bits in page table entries.
const (
	present    = 0x001
	readable   = 0x002
	writable   = 0x004
	executable = 0x008
	user       = 0x010
	accessed   = 0x040
	dirty      = 0x080
	uncached   = 0x100
	global     = 0x200
)

// addressMask is the mask of physical address bits.
const addressMask = 0x000ffffffffff000

// MapOpts are the options for a leaf mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	var u string
	if o.User {
		u = "u"
	}
	var g string
	if o.Global {
		g = "g"
	}
	return fmt.Sprintf("%s%s%s/%s", o.AccessType, u, g, o.MemoryType)
}

// PTE is a page table entry.
type PTE uintptr

// Clear clears this PTE, including the present bit.
func (p *PTE) Clear() {
	atomic.StoreUintptr((*uintptr)(p), 0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return atomic.LoadUintptr((*uintptr)(p))&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUintptr((*uintptr)(p))
	mt := hostarch.MemoryTypeWriteBack
	if v&uncached != 0 {
		mt = hostarch.MemoryTypeUncached
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&readable != 0,
			Write:   v&writable != 0,
			Execute: v&executable != 0,
		},
		Global:     v&global != 0,
		User:       v&user != 0,
		MemoryType: mt,
	}
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return atomic.LoadUintptr((*uintptr)(p)) & addressMask
}

// Set sets this PTE value. An empty access type clears the entry.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := addr&addressMask | present | accessed
	if opts.AccessType.Read {
		v |= readable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if opts.AccessType.Execute {
		v |= executable
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if opts.MemoryType == hostarch.MemoryTypeUncached {
		v |= uncached
	}
	atomic.StoreUintptr((*uintptr)(p), v)
}

// setPageTable points this PTE at the given table page and forces the write
// bit and user bit. Whether an entry is a leaf depends only on its level.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^addressMask != 0 {
		panic(fmt.Sprintf("pagetables: invalid table address %#x", addr))
	}
	atomic.StoreUintptr((*uintptr)(p), addr|present|user|readable|writable|accessed|dirty)
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE
