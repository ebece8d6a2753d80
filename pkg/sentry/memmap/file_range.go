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

package memmap

import (
	"fmt"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// FileRange represents a range of uint64 offsets into a File.
type FileRange struct {
	Start uint64
	End   uint64
}

// WellFormed returns true if r.Start <= r.End. All other methods on a Range
// require that the Range is well-formed.
func (r FileRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r FileRange) Length() uint64 {
	return r.End - r.Start
}

// Contains returns true if r contains x.
func (r FileRange) Contains(x uint64) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r FileRange) Overlaps(r2 FileRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2 is
// contained within r.
func (r FileRange) IsSupersetOf(r2 FileRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Page returns the i'th page of r.
//
// Precondition: r is page-aligned and has more than i pages.
func (r FileRange) Page(i uint64) FileRange {
	start := r.Start + i*hostarch.PageSize
	if start >= r.End {
		panic(fmt.Sprintf("page %d out of range %v", i, r))
	}
	return FileRange{start, start + hostarch.PageSize}
}

// String implements fmt.Stringer.String.
func (r FileRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
