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

package usage

import (
	"sync/atomic"
)

// IO contains I/O-related statistics for one address space.
type IO struct {
	// BytesRead is the number of bytes read from inodes to fill faulted
	// pages.
	BytesRead atomic.Uint64

	// ReadFaults is the number of inode reads issued by faults.
	ReadFaults atomic.Uint64

	// BytesCopiedIn is the number of bytes the kernel read from user
	// memory.
	BytesCopiedIn atomic.Uint64

	// BytesCopiedOut is the number of bytes the kernel wrote to user
	// memory.
	BytesCopiedOut atomic.Uint64
}

// AccountReadFault does the accounting for an inode read that fills a page.
func (i *IO) AccountReadFault(bytes int64) {
	i.ReadFaults.Add(1)
	if bytes > 0 {
		i.BytesRead.Add(uint64(bytes))
	}
}

// AccountCopyIn does the accounting for a kernel read of user memory.
func (i *IO) AccountCopyIn(bytes int) {
	if bytes > 0 {
		i.BytesCopiedIn.Add(uint64(bytes))
	}
}

// AccountCopyOut does the accounting for a kernel write to user memory.
func (i *IO) AccountCopyOut(bytes int) {
	if bytes > 0 {
		i.BytesCopiedOut.Add(uint64(bytes))
	}
}

// Accumulate adds up io usages.
func (i *IO) Accumulate(io *IO) {
	i.BytesRead.Add(io.BytesRead.Load())
	i.ReadFaults.Add(io.ReadFaults.Load())
	i.BytesCopiedIn.Add(io.BytesCopiedIn.Load())
	i.BytesCopiedOut.Add(io.BytesCopiedOut.Load())
}
