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

package platform

import (
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/ring0/pagetables"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
)

// Translation is the result of a translation query.
type Translation struct {
	// Mapped is true iff the page is translated.
	Mapped bool

	// Frame is the page-sized range of the backing file.
	Frame memmap.FileRange

	// Perms are the permissions of the translation.
	Perms hostarch.AccessType
}

// Cursor is exclusive access to a range of an AddressSpace's translations.
type Cursor struct {
	as *AddressSpace
	c  *pagetables.Cursor

	// inv records whether a live translation was changed.
	inv bool
}

// Range returns the range covered by the cursor.
func (c *Cursor) Range() hostarch.AddrRange {
	return c.c.Range()
}

// Map installs fr at addr with user access at. An empty at unmaps.
func (c *Cursor) Map(addr hostarch.Addr, fr memmap.FileRange, at hostarch.AccessType) {
	opts := pagetables.MapOpts{
		AccessType: at,
		User:       true,
		MemoryType: hostarch.MemoryTypeWriteBack,
	}
	if c.c.Map(addr, uintptr(fr.Length()), uintptr(fr.Start), opts) {
		c.inv = true
	}
}

// Unmap removes every translation in ar.
func (c *Cursor) Unmap(ar hostarch.AddrRange) {
	if c.c.Unmap(ar) {
		c.inv = true
	}
}

// Query returns the translation of the page containing addr.
func (c *Cursor) Query(addr hostarch.Addr) Translation {
	q := c.c.Query(addr)
	if !q.Mapped {
		return Translation{}
	}
	return Translation{
		Mapped: true,
		Frame:  memmap.FileRange{Start: uint64(q.Physical), End: uint64(q.Physical) + hostarch.PageSize},
		Perms:  q.Opts.AccessType,
	}
}

// Close ends the cursor, flushing CPUs if any live translation changed.
func (c *Cursor) Close() {
	c.c.Close()
	if c.inv {
		c.as.Invalidate()
	}
}
