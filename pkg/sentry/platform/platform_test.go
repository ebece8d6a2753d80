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
	"bytes"
	"errors"
	"testing"

	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

func newTestAddressSpace(t *testing.T) (*AddressSpace, *pgalloc.MemoryFile) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: 16 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	as := NewAddressSpace(mf)
	t.Cleanup(func() {
		as.Release()
		mf.Destroy()
	})
	return as, mf
}

func allocate(t *testing.T, mf *pgalloc.MemoryFile, pages uint64) memmap.FileRange {
	t.Helper()
	fr, err := mf.AllocateContiguous(pages, pgalloc.AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	return fr
}

func TestMapFileTranslate(t *testing.T) {
	as, mf := newTestAddressSpace(t)
	fr := allocate(t, mf, 2)
	if err := as.MapFile(0x10000, fr, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapFile: %v", err)
	}

	for _, tc := range []struct {
		addr hostarch.Addr
		want Translation
	}{
		{0x10000, Translation{Mapped: true, Frame: fr.Page(0), Perms: hostarch.ReadWrite}},
		{0x11fff, Translation{Mapped: true, Frame: fr.Page(1), Perms: hostarch.ReadWrite}},
		{0x12000, Translation{}},
	} {
		if got := as.Translate(tc.addr); got != tc.want {
			t.Errorf("Translate(%v) = %+v, want %+v", tc.addr, got, tc.want)
		}
	}

	as.Unmap(0x10000, hostarch.PageSize)
	if got := as.Translate(0x10000); got.Mapped {
		t.Errorf("Translate after Unmap = %+v, want unmapped", got)
	}
}

func TestTranslateDuringUnmap(t *testing.T) {
	as, mf := newTestAddressSpace(t)
	fr := allocate(t, mf, 1)
	want := Translation{Mapped: true, Frame: fr, Perms: hostarch.ReadWrite}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if err := as.MapFile(0x200000, fr, hostarch.ReadWrite); err != nil {
				t.Errorf("MapFile: %v", err)
				return
			}
			// Unmapping the only page frees its tables.
			as.Unmap(0x200000, hostarch.PageSize)
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		if got := as.Translate(0x200000); got.Mapped && got != want {
			t.Errorf("Translate = %+v, want %+v or unmapped", got, want)
			<-done
			return
		}
	}
}

func TestCursorQuery(t *testing.T) {
	as, mf := newTestAddressSpace(t)
	fr := allocate(t, mf, 1)
	c := as.Cursor(hostarch.AddrRange{Start: 0x4000, End: 0x8000})
	c.Map(0x5000, fr, hostarch.Read)
	if q := c.Query(0x5123); !q.Mapped || q.Frame != fr || q.Perms != hostarch.Read {
		t.Errorf("Query = %+v", q)
	}
	if q := c.Query(0x4000); q.Mapped {
		t.Errorf("Query of unmapped page = %+v", q)
	}
	c.Close()
}

func TestActivateAndInvalidate(t *testing.T) {
	as, mf := newTestAddressSpace(t)
	other, _ := newTestAddressSpace(t)
	cpus := NewCPUs(2)

	as.Activate(cpus[0])
	if cpus[0].Active() != as || cpus[0].Root() == 0 {
		t.Fatalf("cpu0 active = %p root = %#x after Activate", cpus[0].Active(), cpus[0].Root())
	}

	// Mapping an unmapped page changes no live translation.
	fr := allocate(t, mf, 1)
	before := cpus[0].Flushes()
	if err := as.MapFile(0x1000, fr, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	if got := cpus[0].Flushes(); got != before {
		t.Errorf("flushes after fresh map = %d, want %d", got, before)
	}

	// Unmapping does, and only CPUs running the space are flushed.
	other.Activate(cpus[1])
	before0, before1 := cpus[0].Flushes(), cpus[1].Flushes()
	as.Unmap(0x1000, hostarch.PageSize)
	if cpus[0].Flushes() != before0+1 || cpus[1].Flushes() != before1 {
		t.Errorf("flushes = %d, %d; want %d, %d", cpus[0].Flushes(), cpus[1].Flushes(), before0+1, before1)
	}

	// Switching cpu0 away deactivates as there.
	other.Activate(cpus[0])
	before0 = cpus[0].Flushes()
	as.Invalidate()
	if got := cpus[0].Flushes(); got != before0 {
		t.Errorf("cpu0 flushed for an address space it no longer runs")
	}
	if cpus[0].Switches() != 2 {
		t.Errorf("cpu0 switches = %d, want 2", cpus[0].Switches())
	}
}

func TestReleaseUninstalls(t *testing.T) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	defer mf.Destroy()
	as := NewAddressSpace(mf)
	cpu := NewCPUs(1)[0]
	as.Activate(cpu)
	as.Release()
	if cpu.Active() != nil {
		t.Errorf("cpu still runs a released address space")
	}
	if !as.Released() {
		t.Errorf("Released() = false")
	}
	as.Release()
}

func TestCopyInOut(t *testing.T) {
	as, mf := newTestAddressSpace(t)
	fr := allocate(t, mf, 2)
	if err := as.MapFile(0x20000, fr, hostarch.Read); err != nil {
		t.Fatalf("MapFile: %v", err)
	}

	// Straddle the page boundary; permissions are not checked.
	src := []byte("hello, frames")
	addr := hostarch.Addr(0x21000 - 5)
	if n, err := as.CopyOut(addr, src); err != nil || n != len(src) {
		t.Fatalf("CopyOut = %d, %v", n, err)
	}
	dst := make([]byte, len(src))
	if n, err := as.CopyIn(addr, dst); err != nil || n != len(dst) {
		t.Fatalf("CopyIn = %d, %v", n, err)
	}
	if !bytes.Equal(dst, src) {
		t.Errorf("CopyIn = %q, want %q", dst, src)
	}

	// Running off the end stops at the first unmapped page.
	n, err := as.CopyOut(0x22000-2, []byte{1, 2, 3, 4})
	var sf SegmentationFault
	if n != 2 || !errors.As(err, &sf) || sf.Addr != 0x22000 {
		t.Errorf("CopyOut past mapping = %d, %v", n, err)
	}
}

func TestCheckAccess(t *testing.T) {
	as, mf := newTestAddressSpace(t)
	fr := allocate(t, mf, 1)
	if err := as.MapFile(0x3000, fr, hostarch.Read); err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	if err := as.CheckAccess(0x3010, hostarch.Read); err != nil {
		t.Errorf("read of a readable page: %v", err)
	}
	if err := as.CheckAccess(0x3010, hostarch.Write); err == nil {
		t.Errorf("write of a read-only page succeeded")
	}
	if err := as.CheckAccess(0x4000, hostarch.Read); err == nil {
		t.Errorf("read of an unmapped page succeeded")
	}
}
