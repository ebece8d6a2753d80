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

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
)

// Kernel copies go through the frames recorded in each area rather than
// through the page tables, so they ignore permissions and reach pages whose
// effective permissions are empty. Unresolved pages are not faulted in.

// CopyOut copies src to the resolved pages starting at addr. It returns the
// number of bytes copied; a short copy fails with EFAULT at the first
// unresolved page.
func (ms *MemorySpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n, err := ms.withInternalMappingsLocked(addr, len(src), hostarch.Write, func(b []byte, done int) {
		copy(b, src[done:])
	})
	ms.ioUsage.AccountCopyOut(n)
	return n, err
}

// CopyIn copies the resolved pages starting at addr into dst. Errors are as
// for CopyOut.
func (ms *MemorySpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n, err := ms.withInternalMappingsLocked(addr, len(dst), hostarch.Read, func(b []byte, done int) {
		copy(dst[done:], b)
	})
	ms.ioUsage.AccountCopyIn(n)
	return n, err
}

// withInternalMappingsLocked calls f on successive slices of the frames
// backing [addr, addr+n). done is the number of bytes preceding b.
//
// +checklocks:ms.mu
func (ms *MemorySpace) withInternalMappingsLocked(addr hostarch.Addr, n int, at hostarch.AccessType, f func(b []byte, done int)) (int, error) {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < n {
		cur := addr + hostarch.Addr(done)
		vma := ms.findLocked(cur)
		if vma == nil {
			return done, fmt.Errorf("%s copy at %v: no area: %w", at, cur, linuxerr.EFAULT)
		}
		m, ok := vma.lookup(cur.RoundDown())
		if !ok {
			return done, fmt.Errorf("%s copy at %v: page not resolved: %w", at, cur, linuxerr.EFAULT)
		}
		b, err := ms.mf.MapInternal(m.Frame, at)
		if err != nil {
			return done, err
		}
		b = b[cur.PageOffset():]
		if rem := n - done; len(b) > rem {
			b = b[:rem]
		}
		f(b, done)
		done += len(b)
	}
	return done, nil
}
