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
)

// CopyOut copies len(src) bytes from src to the memory mapped at addr,
// ignoring translation permissions. It returns the number of bytes copied. If
// the number of bytes copied is < len(src), it returns a SegmentationFault.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return as.copy(addr, len(src), hostarch.Write, func(dst []byte, done int) {
		copy(dst, src[done:])
	})
}

// CopyIn copies len(dst) bytes from the memory mapped at addr to dst,
// ignoring translation permissions. It returns the number of bytes copied.
// If the number of bytes copied is < len(dst), it returns a
// SegmentationFault.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return as.copy(addr, len(dst), hostarch.Read, func(src []byte, done int) {
		copy(dst[done:], src)
	})
}

// copy walks the pages of [addr, addr+n), calling fn with each page's
// backing bytes and the number of bytes handled so far.
func (as *AddressSpace) copy(addr hostarch.Addr, n int, at hostarch.AccessType, fn func(b []byte, done int)) (int, error) {
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		t := as.Translate(cur)
		if !t.Mapped {
			return done, SegmentationFault{Addr: cur, Access: at}
		}
		b, err := as.file.MapInternal(t.Frame, hostarch.ReadWrite)
		if err != nil {
			return done, err
		}
		b = b[cur.PageOffset():]
		if rem := n - done; len(b) > rem {
			b = b[:rem]
		}
		fn(b, done)
		done += len(b)
	}
	return done, nil
}

// CheckAccess returns a SegmentationFault if the page containing addr is
// unmapped or its translation does not permit at. This is the check the
// translation hardware performs on every user access.
func (as *AddressSpace) CheckAccess(addr hostarch.Addr, at hostarch.AccessType) error {
	t := as.Translate(addr)
	if !t.Mapped || !t.Perms.SupersetOf(at) {
		return SegmentationFault{Addr: addr, Access: at}
	}
	return nil
}
