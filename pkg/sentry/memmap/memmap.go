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

// Package memmap defines semantics for memory mappings.
package memmap

import (
	"fmt"
	"io"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// File represents the frame arena that backs resolved pages. Offsets into a
// File are the "physical" addresses installed in page tables.
type File interface {
	// All pages in a File are reference-counted.

	// IncRef increments the reference count on all pages in fr.
	//
	// Preconditions:
	//   - fr.Start and fr.End must be page-aligned.
	//   - fr.Length() > 0.
	//   - At least one reference must be held on all pages in fr.
	IncRef(fr FileRange)

	// DecRef decrements the reference count on all pages in fr. Pages whose
	// count drops to zero return to the allocator.
	//
	// Preconditions:
	//   - fr.Start and fr.End must be page-aligned.
	//   - fr.Length() > 0.
	//   - At least one reference must be held on all pages in fr.
	DecRef(fr FileRange)

	// MapInternal returns a mapping of the given file offsets in the invoking
	// process' address space for reading and writing.
	//
	// Note that fr.Start and fr.End need not be page-aligned.
	//
	// Preconditions:
	//   - fr.Length() > 0.
	//   - At least one reference must be held on all pages in fr.
	//
	// Postconditions: The returned mapping is valid as long as at least one
	// reference is held on the mapped pages.
	MapInternal(fr FileRange, at hostarch.AccessType) ([]byte, error)
}

// Inode is a source of file-backed page contents.
type Inode interface {
	io.ReaderAt
}

// BusError is returned for errors that should terminate the faulting process
// with a bus error, such as an inode read failing while filling a page.
type BusError struct {
	// Err is the original error.
	Err error
}

// Error implements error.Error.
func (b *BusError) Error() string {
	return fmt.Sprintf("BusError: %v", b.Err.Error())
}

// Unwrap returns the original error.
func (b *BusError) Unwrap() error {
	return b.Err
}

// MMapOpts specifies a request to create a memory mapping.
type MMapOpts struct {
	// Length is the length of the mapping.
	Length uint64

	// Inode backs the mapping. If Inode is nil, the mapping is anonymous.
	Inode Inode

	// Offset is the offset into Inode to map. If Inode is nil, Offset is
	// ignored.
	Offset uint64

	// Addr is the suggested address for the mapping.
	Addr hostarch.Addr

	// Fixed specifies whether this is a fixed mapping (it must be located at
	// Addr).
	Fixed bool

	// Perms is the set of permissions to the applied to this mapping.
	Perms hostarch.AccessType

	// Precommit is true if every page should be resolved immediately rather
	// than on first touch.
	Precommit bool

	// Hint is the name used for the mapping in debug output.
	Hint string
}
