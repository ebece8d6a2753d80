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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sentry/platform"
)

type testProcess struct {
	ms *MemorySpace
}

// MemorySpace implements Process.MemorySpace.
func (p *testProcess) MemorySpace() *MemorySpace {
	return p.ms
}

// countingHandler counts calls to the wrapped handler.
type countingHandler struct {
	FaultHandler
	calls atomic.Int64
}

func (h *countingHandler) HandleFault(ctx context.Context, fc *FaultContext) error {
	h.calls.Add(1)
	return h.FaultHandler.HandleFault(ctx, fc)
}

func newTestMemoryFile(t *testing.T, pages uint64) *pgalloc.MemoryFile {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: pages * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	return mf
}

func newTestMemorySpace(t *testing.T, mf *pgalloc.MemoryFile) (*MemorySpace, *testProcess) {
	t.Helper()
	ms := NewMemorySpace(mf)
	t.Cleanup(ms.Release)
	return ms, &testProcess{ms: ms}
}

func checkInvariantsT(t *testing.T, ms *MemorySpace) {
	t.Helper()
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.validateLocked(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func readPage(t *testing.T, ms *MemorySpace, addr hostarch.Addr) []byte {
	t.Helper()
	b := make([]byte, hostarch.PageSize)
	if n, err := ms.CopyIn(addr, b); err != nil || n != len(b) {
		t.Fatalf("CopyIn(%v) = %d, %v, want %d, nil", addr, n, err, len(b))
	}
	return b
}

func TestAnonymousFault(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	// Dirty the frame that the fault will receive.
	dirty, err := mf.Allocate(pgalloc.AllocOpts{})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	b, err := mf.MapInternal(dirty, hostarch.Write)
	if err != nil {
		t.Fatalf("MapInternal failed: %v", err)
	}
	for i := range b {
		b[i] = 0xaa
	}
	mf.DecRef(dirty)

	h := &countingHandler{FaultHandler: AnonymousFault{}}
	ms.AddArea(NewVMArea(0x1000, 1, hostarch.ReadWrite, h))
	free := mf.FreeBytes()

	if err := ResolveFault(ctx, p, 0x1000, StoreFault); err != nil {
		t.Fatalf("ResolveFault(0x1000) failed: %v", err)
	}
	if got, want := mf.FreeBytes(), free-hostarch.PageSize; got != want {
		t.Errorf("FreeBytes = %d, want %d", got, want)
	}
	m, ok := ms.Mapping(0x1000)
	if !ok {
		t.Fatalf("Mapping(0x1000) not found")
	}
	if want := (VMMapping{Addr: 0x1000, Frame: dirty, Perms: hostarch.ReadWrite}); m != want {
		t.Errorf("Mapping(0x1000) = %v, want %v", m, want)
	}
	tr := ms.AddressSpace().Translate(0x1000)
	if want := (platform.Translation{Mapped: true, Frame: dirty, Perms: hostarch.ReadWrite}); tr != want {
		t.Errorf("Translate(0x1000) = %+v, want %+v", tr, want)
	}
	if got := readPage(t, ms, 0x1000); !bytes.Equal(got, make([]byte, hostarch.PageSize)) {
		t.Errorf("anonymous page is not zero-filled")
	}

	// Same page again.
	if err := ResolveFault(ctx, p, 0x1fff, LoadFault); err != nil {
		t.Fatalf("ResolveFault(0x1fff) failed: %v", err)
	}
	if got := h.calls.Load(); got != 1 {
		t.Errorf("handler called %d times, want 1", got)
	}
	if got, want := mf.FreeBytes(), free-hostarch.PageSize; got != want {
		t.Errorf("FreeBytes after second touch = %d, want %d", got, want)
	}
	if got := ms.AddressSpace().Translate(0x1000); got != tr {
		t.Errorf("translation changed on second touch: got %+v, want %+v", got, tr)
	}
	if got := ms.ResidentPages(); got != 1 {
		t.Errorf("ResidentPages = %d, want 1", got)
	}
	checkInvariantsT(t, ms)
}

func TestInodeFault(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	a := bytes.Repeat([]byte{'A'}, hostarch.PageSize)
	b := bytes.Repeat([]byte{'B'}, hostarch.PageSize)
	inode := bytes.NewReader(append(append([]byte{}, a...), b...))
	ms.AddArea(NewVMArea(0x2000, 2, hostarch.Read, InodeFault{Inode: inode}))

	if err := ResolveFault(ctx, p, 0x2000, LoadFault); err != nil {
		t.Fatalf("ResolveFault(0x2000) failed: %v", err)
	}
	if got := readPage(t, ms, 0x2000); !bytes.Equal(got, a) {
		t.Errorf("page 0x2000 does not hold 'A' bytes")
	}
	if err := ResolveFault(ctx, p, 0x3000, LoadFault); err != nil {
		t.Fatalf("ResolveFault(0x3000) failed: %v", err)
	}
	if got := readPage(t, ms, 0x3000); !bytes.Equal(got, b) {
		t.Errorf("page 0x3000 does not hold 'B' bytes")
	}
	if got := ms.AddressSpace().Translate(0x3000).Perms; got != hostarch.Read {
		t.Errorf("page 0x3000 perms = %s, want %s", got, hostarch.Read)
	}
	if got, want := ms.IO().BytesRead.Load(), uint64(2*hostarch.PageSize); got != want {
		t.Errorf("BytesRead = %d, want %d", got, want)
	}
	checkInvariantsT(t, ms)
}

func TestInodeFaultShortRead(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	data := []byte("0123456789")
	ms.AddArea(NewVMArea(0x10000, 2, hostarch.ReadWrite, InodeFault{Inode: bytes.NewReader(data)}))
	for _, addr := range []hostarch.Addr{0x10000, 0x11000} {
		if err := ResolveFault(ctx, p, addr, LoadFault); err != nil {
			t.Fatalf("ResolveFault(%v) failed: %v", addr, err)
		}
	}

	want := make([]byte, hostarch.PageSize)
	copy(want, data)
	if diff := cmp.Diff(want, readPage(t, ms, 0x10000)); diff != "" {
		t.Errorf("first page mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(make([]byte, hostarch.PageSize), readPage(t, ms, 0x11000)); diff != "" {
		t.Errorf("page past EOF mismatch (-want +got):\n%s", diff)
	}
}

func TestInodeFaultOffset(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	data := make([]byte, 3*hostarch.PageSize)
	for i := range data {
		data[i] = byte(i / hostarch.PageSize)
	}
	ms.AddArea(NewVMArea(0x40000, 2, hostarch.Read, InodeFault{Inode: bytes.NewReader(data), Offset: hostarch.PageSize}))
	if err := ResolveFault(ctx, p, 0x41234, LoadFault); err != nil {
		t.Fatalf("ResolveFault failed: %v", err)
	}
	if got := readPage(t, ms, 0x41000); !bytes.Equal(got, data[2*hostarch.PageSize:]) {
		t.Errorf("page 0x41000 does not hold inode page 2")
	}
}

type errInode struct {
	err error
}

func (i errInode) ReadAt(b []byte, off int64) (int, error) {
	return 0, i.err
}

func TestInodeFaultReadError(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	errDisk := errors.New("disk on fire")
	ms.AddArea(NewVMArea(0x1000, 1, hostarch.Read, InodeFault{Inode: errInode{errDisk}}))
	free := mf.FreeBytes()

	err := ResolveFault(ctx, p, 0x1000, LoadFault)
	var busErr *memmap.BusError
	if !errors.As(err, &busErr) {
		t.Fatalf("ResolveFault got err %v, want BusError", err)
	}
	if !errors.Is(err, errDisk) {
		t.Errorf("ResolveFault got err %v, want it to wrap %v", err, errDisk)
	}
	if _, ok := ms.Mapping(0x1000); ok {
		t.Errorf("page resolved despite read failure")
	}
	if got := mf.FreeBytes(); got != free {
		t.Errorf("FreeBytes = %d, want %d; frame leaked", got, free)
	}
	if tr := ms.AddressSpace().Translate(0x1000); tr.Mapped {
		t.Errorf("Translate(0x1000) = %+v, want unmapped", tr)
	}
}

func TestDenyFault(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	ms.AddArea(NewVMArea(0x1000, 4, hostarch.ReadWrite, nil))
	before := faultsDenied.Value(reasonHandler)
	for _, kind := range []FaultKind{InstructionFault, LoadFault, StoreFault} {
		if err := ResolveFault(ctx, p, 0x2000, kind); !errors.Is(err, linuxerr.EACCES) {
			t.Errorf("ResolveFault(%s) got err %v, want EACCES", kind, err)
		}
	}
	if got := faultsDenied.Value(reasonHandler) - before; got != 3 {
		t.Errorf("faults_denied{reason=handler} grew by %d, want 3", got)
	}
	if got := ms.ResidentPages(); got != 0 {
		t.Errorf("ResidentPages = %d, want 0", got)
	}
}

func TestFaultOutsideAreas(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	handlers := []*countingHandler{
		{FaultHandler: DenyFault{}},
		{FaultHandler: AnonymousFault{}},
		{FaultHandler: InodeFault{Inode: strings.NewReader("data")}},
	}
	ms.AddArea(NewVMArea(0x1000, 1, hostarch.ReadWrite, handlers[0]))
	ms.AddArea(NewVMArea(0x3000, 1, hostarch.ReadWrite, handlers[1]))
	ms.AddArea(NewVMArea(0x6000, 2, hostarch.ReadWrite, handlers[2]))
	free := mf.FreeBytes()

	for _, addr := range []hostarch.Addr{0, 0xfff, 0x2000, 0x4000, 0x5000, 0x5fff, 0x8000, hostarch.MaxUserAddress - 1} {
		if err := ResolveFault(ctx, p, addr, StoreFault); !errors.Is(err, linuxerr.EFAULT) {
			t.Errorf("ResolveFault(%v) got err %v, want EFAULT", addr, err)
		}
	}
	for i, h := range handlers {
		if got := h.calls.Load(); got != 0 {
			t.Errorf("handler %d called %d times, want 0", i, got)
		}
	}
	if got := mf.FreeBytes(); got != free {
		t.Errorf("FreeBytes = %d, want %d", got, free)
	}
	if got := ms.ResidentPages(); got != 0 {
		t.Errorf("ResidentPages = %d, want 0", got)
	}
}

func TestResolvedOnce(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	h := &countingHandler{FaultHandler: AnonymousFault{}}
	ms.AddArea(NewVMArea(0x1000, 4, hostarch.ReadWrite, h))
	for i := 0; i < 3; i++ {
		for addr := hostarch.Addr(0x1000); addr < 0x5000; addr += 0x800 {
			if err := ResolveFault(ctx, p, addr, LoadFault); err != nil {
				t.Fatalf("ResolveFault(%v) failed: %v", addr, err)
			}
		}
	}
	if got := h.calls.Load(); got != 4 {
		t.Errorf("handler called %d times, want 4", got)
	}
	if got := ms.ResidentPages(); got != 4 {
		t.Errorf("ResidentPages = %d, want 4", got)
	}
	checkInvariantsT(t, ms)
}

func TestConcurrentFaultsSameSpace(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 64)
	ms, p := newTestMemorySpace(t, mf)

	const pages = 32
	h := &countingHandler{FaultHandler: AnonymousFault{}}
	ms.AddArea(NewVMArea(0x100000, pages, hostarch.ReadWrite, h))

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < pages; i++ {
				addr := hostarch.Addr(0x100000 + ((i+w)%pages)*hostarch.PageSize)
				if err := ResolveFault(ctx, p, addr, StoreFault); err != nil {
					return fmt.Errorf("ResolveFault(%v): %w", addr, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := h.calls.Load(); got != pages {
		t.Errorf("handler called %d times, want %d", got, pages)
	}
	if got := ms.ResidentPages(); got != pages {
		t.Errorf("ResidentPages = %d, want %d", got, pages)
	}
	checkInvariantsT(t, ms)
}

// TestConcurrentReadersDuringFaults runs the read-only accessors and
// Duplicate against a space whose pages are being resolved.
func TestConcurrentReadersDuringFaults(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 64)
	ms, p := newTestMemorySpace(t, mf)

	const pages = 16
	ms.AddArea(NewVMArea(0x100000, pages, hostarch.ReadWrite, AnonymousFault{}))

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < pages; i += 4 {
				addr := hostarch.Addr(0x100000 + i*hostarch.PageSize)
				if err := ResolveFault(ctx, p, addr, StoreFault); err != nil {
					return fmt.Errorf("ResolveFault(%v): %w", addr, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 100; i++ {
			if got := ms.ResidentPages(); got > pages {
				return fmt.Errorf("ResidentPages = %d, want at most %d", got, pages)
			}
			if got := ms.VirtualSize(); got != pages*hostarch.PageSize {
				return fmt.Errorf("VirtualSize = %d, want %d", got, pages*hostarch.PageSize)
			}
			if got := strings.Count(ms.Maps(), "\n"); got != 1 {
				return fmt.Errorf("Maps has %d lines, want 1", got)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 2; i++ {
			child, err := ms.Duplicate()
			if err != nil {
				return err
			}
			child.mu.Lock()
			err = child.validateLocked()
			child.mu.Unlock()
			child.Release()
			if err != nil {
				return fmt.Errorf("duplicate: %w", err)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := ms.ResidentPages(); got != pages {
		t.Errorf("ResidentPages = %d, want %d", got, pages)
	}
	checkInvariantsT(t, ms)
}

func TestConcurrentSpaces(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 256)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		ms, p := newTestMemorySpace(t, mf)
		g.Go(func() error {
			ms.AddArea(NewVMArea(0x1000, 8, hostarch.ReadWrite, AnonymousFault{}))
			for addr := hostarch.Addr(0x1000); addr < 0x9000; addr += hostarch.PageSize {
				if err := ResolveFault(ctx, p, addr, StoreFault); err != nil {
					return err
				}
				if _, err := ms.CopyOut(addr, []byte{byte(w)}); err != nil {
					return err
				}
			}
			child, err := ms.Duplicate()
			if err != nil {
				return err
			}
			defer child.Release()
			b := make([]byte, 1)
			for addr := hostarch.Addr(0x1000); addr < 0x9000; addr += hostarch.PageSize {
				if _, err := child.CopyIn(addr, b); err != nil {
					return err
				}
				if b[0] != byte(w) {
					return fmt.Errorf("space %d: child byte at %v = %d", w, addr, b[0])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicate(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	parent, pp := newTestMemorySpace(t, mf)

	h := &countingHandler{FaultHandler: AnonymousFault{}}
	parent.AddArea(NewVMArea(0x1000, 2, hostarch.ReadWrite, h))
	if err := ResolveFault(ctx, pp, 0x1000, StoreFault); err != nil {
		t.Fatalf("ResolveFault failed: %v", err)
	}
	pattern := make([]byte, hostarch.PageSize)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	if _, err := parent.CopyOut(0x1000, pattern); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	child, err := parent.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	defer child.Release()
	cp := &testProcess{ms: child}

	if got := readPage(t, child, 0x1000); !bytes.Equal(got, pattern) {
		t.Errorf("child page does not match parent page at duplication")
	}
	pm, _ := parent.Mapping(0x1000)
	cm, ok := child.Mapping(0x1000)
	if !ok {
		t.Fatalf("child page 0x1000 not resolved")
	}
	if cm.Frame == pm.Frame {
		t.Errorf("child shares frame %v with parent", cm.Frame)
	}
	if tr := child.AddressSpace().Translate(0x1000); !tr.Mapped || tr.Perms != hostarch.ReadWrite || tr.Frame != cm.Frame {
		t.Errorf("child Translate(0x1000) = %+v, want RW mapping of %v", tr, cm.Frame)
	}
	if _, ok := child.Mapping(0x2000); ok {
		t.Errorf("unresolved parent page is resolved in child")
	}

	if _, err := parent.CopyOut(0x1000, []byte{0xff}); err != nil {
		t.Fatalf("parent CopyOut failed: %v", err)
	}
	if _, err := child.CopyOut(0x1000, []byte{0xee}); err != nil {
		t.Fatalf("child CopyOut failed: %v", err)
	}
	if got := readPage(t, parent, 0x1000)[0]; got != 0xff {
		t.Errorf("parent byte 0 = %#x, want 0xff", got)
	}
	if got := readPage(t, child, 0x1000)[0]; got != 0xee {
		t.Errorf("child byte 0 = %#x, want 0xee", got)
	}

	// The handler is shared; the child's unresolved page faults in
	// independently.
	if err := ResolveFault(ctx, cp, 0x2000, StoreFault); err != nil {
		t.Fatalf("child ResolveFault(0x2000) failed: %v", err)
	}
	if got := h.calls.Load(); got != 2 {
		t.Errorf("shared handler called %d times, want 2", got)
	}
	if _, ok := parent.Mapping(0x2000); ok {
		t.Errorf("child fault resolved parent page")
	}
	checkInvariantsT(t, parent)
	checkInvariantsT(t, child)
}

func TestDuplicateKeepsProtection(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	parent, pp := newTestMemorySpace(t, mf)

	parent.AddArea(NewVMArea(0x1000, 2, hostarch.ReadWrite, AnonymousFault{}))
	for _, addr := range []hostarch.Addr{0x1000, 0x2000} {
		if err := ResolveFault(ctx, pp, addr, StoreFault); err != nil {
			t.Fatalf("ResolveFault(%v) failed: %v", addr, err)
		}
	}
	if err := parent.Protect(hostarch.AddrRange{Start: 0x2000, End: 0x3000}, hostarch.Read); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	child, err := parent.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate failed: %v", err)
	}
	defer child.Release()

	for _, tc := range []struct {
		addr hostarch.Addr
		want hostarch.AccessType
	}{
		{0x1000, hostarch.ReadWrite},
		{0x2000, hostarch.Read},
	} {
		if got := child.AddressSpace().Translate(tc.addr).Perms; got != tc.want {
			t.Errorf("child perms at %v = %s, want %s", tc.addr, got, tc.want)
		}
	}
}

func TestDuplicateOutOfMemory(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 4)
	parent, pp := newTestMemorySpace(t, mf)

	parent.AddArea(NewVMArea(0x1000, 3, hostarch.ReadWrite, AnonymousFault{}))
	for addr := hostarch.Addr(0x1000); addr < 0x4000; addr += hostarch.PageSize {
		if err := ResolveFault(ctx, pp, addr, StoreFault); err != nil {
			t.Fatalf("ResolveFault(%v) failed: %v", addr, err)
		}
	}
	free := mf.FreeBytes()
	if free != hostarch.PageSize {
		t.Fatalf("FreeBytes = %d, want one page", free)
	}

	child, err := parent.Duplicate()
	if !errors.Is(err, linuxerr.ENOMEM) {
		t.Fatalf("Duplicate got (%v, %v), want ENOMEM", child, err)
	}
	if got := mf.FreeBytes(); got != free {
		t.Errorf("FreeBytes after failed Duplicate = %d, want %d", got, free)
	}
	if got := parent.ResidentPages(); got != 3 {
		t.Errorf("parent ResidentPages = %d, want 3", got)
	}
	checkInvariantsT(t, parent)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)
	free := mf.FreeBytes()

	ms.AddArea(NewVMArea(0x1000, 1, hostarch.ReadWrite, AnonymousFault{}))
	ms.AddArea(NewVMArea(0x8000, 1, hostarch.Read, InodeFault{Inode: strings.NewReader("x")}))
	ms.SetStackRange(hostarch.AddrRange{Start: 0x100000, End: 0x110000})
	for _, addr := range []hostarch.Addr{0x1000, 0x8000} {
		if err := ResolveFault(ctx, p, addr, LoadFault); err != nil {
			t.Fatalf("ResolveFault(%v) failed: %v", addr, err)
		}
	}

	ms.Clear()
	if got := ms.NumAreas(); got != 0 {
		t.Errorf("NumAreas = %d, want 0", got)
	}
	for _, addr := range []hostarch.Addr{0x1000, 0x8000} {
		if tr := ms.AddressSpace().Translate(addr); tr.Mapped {
			t.Errorf("Translate(%v) = %+v after Clear, want unmapped", addr, tr)
		}
	}
	if got := mf.FreeBytes(); got != free {
		t.Errorf("FreeBytes = %d, want %d", got, free)
	}
	if got := ms.StackRange(); got.Length() != 0 {
		t.Errorf("StackRange = %v after Clear, want empty", got)
	}

	// A cleared space is reusable like a new one.
	ms.AddArea(NewVMArea(0x1000, 1, hostarch.ReadWrite, AnonymousFault{}))
	if err := ResolveFault(ctx, p, 0x1000, StoreFault); err != nil {
		t.Errorf("ResolveFault after Clear failed: %v", err)
	}
	checkInvariantsT(t, ms)
}

func TestAddAreaOverlapPanics(t *testing.T) {
	mf := newTestMemoryFile(t, 16)
	ms, _ := newTestMemorySpace(t, mf)
	ms.AddArea(NewVMArea(0x4000, 4, hostarch.ReadWrite, nil))

	for _, tc := range []struct {
		base  hostarch.Addr
		pages uint64
	}{
		{0x4000, 1},
		{0x3000, 2},
		{0x7000, 1},
		{0x2000, 8},
		{0x5000, 1},
	} {
		vma := NewVMArea(tc.base, tc.pages, hostarch.ReadWrite, nil)
		mustPanic(t, fmt.Sprintf("AddArea(%v)", vma), func() { ms.AddArea(vma) })
		mustPanic(t, fmt.Sprintf("Map(%v)", vma), func() { ms.Map(vma) })
	}

	// Adjacent areas are fine.
	ms.AddArea(NewVMArea(0x3000, 1, hostarch.ReadWrite, nil))
	ms.AddArea(NewVMArea(0x8000, 1, hostarch.ReadWrite, nil))
	if got := ms.NumAreas(); got != 3 {
		t.Errorf("NumAreas = %d, want 3", got)
	}
	checkInvariantsT(t, ms)
}

func TestAddAreaTwicePanics(t *testing.T) {
	mf := newTestMemoryFile(t, 16)
	ms, _ := newTestMemorySpace(t, mf)
	other, _ := newTestMemorySpace(t, mf)
	vma := NewVMArea(0x4000, 1, hostarch.ReadWrite, nil)
	ms.AddArea(vma)
	mustPanic(t, "AddArea of a registered area", func() { other.AddArea(vma) })
}

func TestNewVMAreaInvalid(t *testing.T) {
	mustPanic(t, "unaligned base", func() { NewVMArea(0x1001, 1, hostarch.Read, nil) })
	mustPanic(t, "zero pages", func() { NewVMArea(0x1000, 0, hostarch.Read, nil) })
	mustPanic(t, "past user range", func() { NewVMArea(hostarch.MaxUserAddress-hostarch.PageSize, 2, hostarch.Read, nil) })
}

func TestMap(t *testing.T) {
	mf := newTestMemoryFile(t, 16)
	ms, _ := newTestMemorySpace(t, mf)

	// Dirty the frames that Map will receive.
	dirty, err := mf.AllocateContiguous(3, pgalloc.AllocOpts{})
	if err != nil {
		t.Fatalf("AllocateContiguous failed: %v", err)
	}
	b, err := mf.MapInternal(dirty, hostarch.Write)
	if err != nil {
		t.Fatalf("MapInternal failed: %v", err)
	}
	for i := range b {
		b[i] = 0xaa
	}
	mf.DecRef(dirty)

	fr, err := ms.Map(NewVMArea(0x10000, 3, hostarch.ReadExec, nil))
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if fr != dirty {
		t.Errorf("Map returned %v, want the recycled frames %v", fr, dirty)
	}
	for i := uint64(0); i < 3; i++ {
		addr := hostarch.Addr(0x10000 + i*hostarch.PageSize)
		want := platform.Translation{Mapped: true, Frame: fr.Page(i), Perms: hostarch.ReadExec}
		if got := ms.AddressSpace().Translate(addr); got != want {
			t.Errorf("Translate(%v) = %+v, want %+v", addr, got, want)
		}
		if got := readPage(t, ms, addr); !bytes.Equal(got, make([]byte, hostarch.PageSize)) {
			t.Errorf("page %v not zeroed", addr)
		}
	}
	if got := ms.ResidentPages(); got != 3 {
		t.Errorf("ResidentPages = %d, want 3", got)
	}
	if got := ms.VirtualSize(); got != 3*hostarch.PageSize {
		t.Errorf("VirtualSize = %d, want %d", got, 3*hostarch.PageSize)
	}
	checkInvariantsT(t, ms)
}

// lazyHandler returns success without resolving the page.
type lazyHandler struct{}

func (lazyHandler) HandleFault(context.Context, *FaultContext) error { return nil }

func TestHandlerMustResolve(t *testing.T) {
	mf := newTestMemoryFile(t, 4)
	ms, p := newTestMemorySpace(t, mf)
	ms.AddArea(NewVMArea(0x1000, 1, hostarch.ReadWrite, lazyHandler{}))
	mustPanic(t, "ResolveFault with a handler that maps nothing", func() {
		ResolveFault(context.Background(), p, 0x1000, LoadFault)
	})
	if _, ok := ms.Mapping(0x1000); ok {
		t.Errorf("Mapping(0x1000) found after failed resolution")
	}
}

func TestMapOutOfMemory(t *testing.T) {
	mf := newTestMemoryFile(t, 2)
	ms, _ := newTestMemorySpace(t, mf)

	if _, err := ms.Map(NewVMArea(0x10000, 3, hostarch.ReadWrite, nil)); !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("Map got err %v, want ENOMEM", err)
	}
	if got := ms.NumAreas(); got != 0 {
		t.Errorf("NumAreas = %d, want 0", got)
	}
}

func TestStackGrowth(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)

	stack := hostarch.AddrRange{Start: 0x7fff0000, End: 0x80000000}
	ms.SetStackRange(stack)

	if err := ResolveFault(ctx, p, stack.End-8, StoreFault); err != nil {
		t.Fatalf("ResolveFault in stack failed: %v", err)
	}
	m, ok := ms.Mapping(stack.End - 8)
	if !ok || m.Addr != stack.End-hostarch.PageSize || m.Perms != hostarch.ReadWrite {
		t.Errorf("Mapping(stack top) = %v, %t, want RW page at %v", m, ok, stack.End-hostarch.PageSize)
	}
	if err := ResolveFault(ctx, p, stack.End-3*hostarch.PageSize, StoreFault); err != nil {
		t.Fatalf("ResolveFault lower in stack failed: %v", err)
	}
	if got := ms.NumAreas(); got != 2 {
		t.Errorf("NumAreas = %d, want 2", got)
	}
	if err := ResolveFault(ctx, p, stack.Start-1, StoreFault); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("ResolveFault below stack got err %v, want EFAULT", err)
	}
	if !strings.Contains(ms.Maps(), "[stack]") {
		t.Errorf("Maps() = %q, want a [stack] entry", ms.Maps())
	}
	checkInvariantsT(t, ms)
}

func TestFaultMetrics(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms, p := newTestMemorySpace(t, mf)
	ms.AddArea(NewVMArea(0x1000, 2, hostarch.AnyAccess, AnonymousFault{}))

	resolved := faultsResolved.Value(InstructionFault.String())
	spurious := faultsSpurious.Value()
	noArea := faultsDenied.Value(reasonNoArea)

	if err := ResolveFault(ctx, p, 0x1000, InstructionFault); err != nil {
		t.Fatalf("ResolveFault failed: %v", err)
	}
	if err := ResolveFault(ctx, p, 0x1000, InstructionFault); err != nil {
		t.Fatalf("ResolveFault failed: %v", err)
	}
	if err := ResolveFault(ctx, p, 0x9000, LoadFault); err == nil {
		t.Fatalf("ResolveFault outside areas succeeded")
	}

	if got := faultsResolved.Value(InstructionFault.String()) - resolved; got != 1 {
		t.Errorf("faults_resolved{kind=instruction} grew by %d, want 1", got)
	}
	if got := faultsSpurious.Value() - spurious; got != 1 {
		t.Errorf("faults_spurious grew by %d, want 1", got)
	}
	if got := faultsDenied.Value(reasonNoArea) - noArea; got != 1 {
		t.Errorf("faults_denied{reason=no_area} grew by %d, want 1", got)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	mf := newTestMemoryFile(t, 16)
	ms := NewMemorySpace(mf)
	p := &testProcess{ms: ms}
	free := mf.FreeBytes()

	cpus := platform.NewCPUs(1)
	ms.AddressSpace().Activate(cpus[0])
	if _, err := ms.Map(NewVMArea(0x1000, 2, hostarch.ReadWrite, nil)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	ms.Release()
	ms.Release()

	if got := mf.FreeBytes(); got != free {
		t.Errorf("FreeBytes = %d, want %d", got, free)
	}
	if !ms.AddressSpace().Released() {
		t.Errorf("address space not released")
	}
	if cpus[0].Active() != nil {
		t.Errorf("CPU still runs a released address space")
	}
	if err := ResolveFault(ctx, p, 0x1000, LoadFault); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("ResolveFault after Release got err %v, want EFAULT", err)
	}
}

func TestFaultKind(t *testing.T) {
	for _, tc := range []struct {
		kind FaultKind
		name string
		at   hostarch.AccessType
	}{
		{InstructionFault, "instruction", hostarch.Execute},
		{LoadFault, "load", hostarch.Read},
		{StoreFault, "store", hostarch.Write},
	} {
		if got := tc.kind.String(); got != tc.name {
			t.Errorf("%d.String() = %q, want %q", tc.kind, got, tc.name)
		}
		if got := tc.kind.AccessType(); got != tc.at {
			t.Errorf("%s.AccessType() = %s, want %s", tc.kind, got, tc.at)
		}
	}
}
