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

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Cursor is exclusive access to a range of the page tables. Only one cursor
// may exist per PageTables at a time; it must be closed with Close.
type Cursor struct {
	pt *PageTables
	ar hostarch.AddrRange
}

// Query is the result of Cursor.Query.
type Query struct {
	// Mapped is true iff the address is translated.
	Mapped bool

	// Physical is the physical address of the page containing the
	// queried address.
	Physical uintptr

	// Opts are the mapping options.
	Opts MapOpts
}

// Cursor begins a cursor over ar, blocking until no other cursor is open.
//
// Precondition: ar must be page aligned.
func (p *PageTables) Cursor(ar hostarch.AddrRange) *Cursor {
	checkRange(ar.Start, uintptr(ar.Length()))
	p.mu.Lock()
	return &Cursor{pt: p, ar: ar}
}

// Range returns the range covered by the cursor.
func (c *Cursor) Range() hostarch.AddrRange {
	return c.ar
}

func (c *Cursor) check(ar hostarch.AddrRange) {
	if c.pt == nil {
		panic("pagetables: use of closed cursor")
	}
	if !c.ar.IsSupersetOf(ar) {
		panic(fmt.Sprintf("pagetables: range %v outside cursor %v", ar, c.ar))
	}
}

// Map maps [addr, addr+length) to physical. It returns true iff a different
// translation was replaced.
func (c *Cursor) Map(addr hostarch.Addr, length uintptr, physical uintptr, opts MapOpts) bool {
	c.check(hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)})
	return c.pt.Map(addr, length, opts, physical)
}

// Unmap removes every translation in ar. It returns true iff anything was
// mapped.
func (c *Cursor) Unmap(ar hostarch.AddrRange) bool {
	c.check(ar)
	return c.pt.Unmap(ar.Start, uintptr(ar.Length()))
}

// Query returns the translation for addr.
func (c *Cursor) Query(addr hostarch.Addr) Query {
	c.check(hostarch.AddrRange{Start: addr.RoundDown(), End: addr.RoundDown() + hostarch.PageSize})
	physical, opts, ok := c.pt.Lookup(addr.RoundDown())
	return Query{Mapped: ok, Physical: physical, Opts: opts}
}

// Close ends the cursor. Table pages emptied while it was open are
// returned to the allocator's pool: every walker runs under a cursor, so
// none can still reach them.
func (c *Cursor) Close() {
	if c.pt == nil {
		panic("pagetables: cursor closed twice")
	}
	pt := c.pt
	c.pt = nil
	if pt.Allocator != nil {
		pt.Allocator.Recycle()
	}
	pt.mu.Unlock()
}
