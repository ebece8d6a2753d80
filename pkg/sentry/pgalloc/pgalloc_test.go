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

package pgalloc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/memmap"
	"vmcore.dev/vmcore/pkg/sentry/usage"
)

const page = hostarch.PageSize

func newTestFile(t *testing.T, pages uint64) *MemoryFile {
	t.Helper()
	mf, err := NewMemoryFile(MemoryFileOpts{Size: pages * page})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	t.Cleanup(mf.Destroy)
	return mf
}

func (f *MemoryFile) extents() []extent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var es []extent
	f.free.Ascend(func(e extent) bool {
		es = append(es, e)
		return true
	})
	return es
}

func TestFindFirstFit(t *testing.T) {
	for _, test := range []struct {
		name string
		// free lists frames to release after allocating the whole file
		// page by page.
		free       []uint64
		pages      uint64
		want       memmap.FileRange
		expectFail bool
	}{
		{
			name:       "Full file rejects allocation",
			pages:      1,
			expectFail: true,
		},
		{
			name:  "Single free frame is found",
			free:  []uint64{5},
			pages: 1,
			want:  memmap.FileRange{Start: 5 * page, End: 6 * page},
		},
		{
			name:  "Lowest free frame is preferred",
			free:  []uint64{6, 2},
			pages: 1,
			want:  memmap.FileRange{Start: 2 * page, End: 3 * page},
		},
		{
			name:  "Adjacent frees merge into one run",
			free:  []uint64{3, 5, 4},
			pages: 3,
			want:  memmap.FileRange{Start: 3 * page, End: 6 * page},
		},
		{
			name:  "Inadequately-sized gaps are rejected",
			free:  []uint64{1, 3, 4},
			pages: 2,
			want:  memmap.FileRange{Start: 3 * page, End: 5 * page},
		},
		{
			name:       "No run is long enough",
			free:       []uint64{1, 3, 5},
			pages:      2,
			expectFail: true,
		},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mf := newTestFile(t, 8)
			for i := 0; i < 8; i++ {
				if _, err := mf.Allocate(AllocOpts{Kind: usage.Anonymous}); err != nil {
					t.Fatalf("Allocate %d: %v", i, err)
				}
			}
			for _, fn := range test.free {
				mf.DecRef(memmap.FileRange{Start: fn * page, End: (fn + 1) * page})
			}
			fr, err := mf.AllocateContiguous(test.pages, AllocOpts{Kind: usage.Anonymous})
			if test.expectFail {
				if !linuxerr.Equals(linuxerr.ENOMEM, err) {
					t.Fatalf("AllocateContiguous = %v, %v; want ENOMEM", fr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AllocateContiguous: %v", err)
			}
			if fr != test.want {
				t.Errorf("AllocateContiguous = %v, want %v", fr, test.want)
			}
		})
	}
}

func TestFreeAllMerges(t *testing.T) {
	mf := newTestFile(t, 4)
	var frs []memmap.FileRange
	for i := 0; i < 4; i++ {
		fr, err := mf.Allocate(AllocOpts{Kind: usage.Anonymous})
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		frs = append(frs, fr)
	}
	if got := mf.FreeBytes(); got != 0 {
		t.Errorf("FreeBytes = %d, want 0", got)
	}
	for _, i := range []int{2, 0, 3, 1} {
		mf.DecRef(frs[i])
	}
	if diff := cmp.Diff([]extent{{0, 4 * page}}, mf.extents(), cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("free extents mismatch (-want +got):\n%s", diff)
	}
	if got := mf.FreeBytes(); got != mf.TotalSize() {
		t.Errorf("FreeBytes = %d, want %d", got, mf.TotalSize())
	}
}

func TestRefCounting(t *testing.T) {
	mf := newTestFile(t, 2)
	fr, err := mf.Allocate(AllocOpts{Kind: usage.PageCache})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	mf.IncRef(fr)
	mf.DecRef(fr)
	if got := mf.FreeBytes(); got != page {
		t.Errorf("FreeBytes with a reference outstanding = %d, want %d", got, page)
	}
	mf.DecRef(fr)
	if got := mf.FreeBytes(); got != 2*page {
		t.Errorf("FreeBytes after final DecRef = %d, want %d", got, 2*page)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("DecRef of a free frame did not panic")
		}
	}()
	mf.DecRef(fr)
}

func TestMapInternal(t *testing.T) {
	mf := newTestFile(t, 2)
	fr, err := mf.AllocateContiguous(2, AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	whole, err := mf.MapInternal(fr, hostarch.ReadWrite)
	if err != nil {
		t.Fatalf("MapInternal: %v", err)
	}
	if len(whole) != 2*page {
		t.Fatalf("len = %d, want %d", len(whole), 2*page)
	}
	whole[page+7] = 0x5a

	second, err := mf.MapInternal(fr.Page(1), hostarch.Read)
	if err != nil {
		t.Fatalf("MapInternal: %v", err)
	}
	if second[7] != 0x5a {
		t.Errorf("second page byte 7 = %#x, want 0x5a", second[7])
	}
	if _, err := mf.MapInternal(memmap.FileRange{Start: 0, End: 3 * page}, hostarch.Read); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("MapInternal past the arena = %v, want EFAULT", err)
	}
}

func TestFreedFramesKeepContents(t *testing.T) {
	mf := newTestFile(t, 1)
	fr, err := mf.Allocate(AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bs, _ := mf.MapInternal(fr, hostarch.ReadWrite)
	bs[0] = 0xaa
	mf.DecRef(fr)

	fr2, err := mf.Allocate(AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	bs2, _ := mf.MapInternal(fr2, hostarch.Read)
	if fr2 != fr || bs2[0] != 0xaa {
		t.Errorf("recycled frame %v byte 0 = %#x; want %v with 0xaa", fr2, bs2[0], fr)
	}
}

func TestFreeChunkReleasedToHost(t *testing.T) {
	chunkPages := uint64(decommitChunk / page)
	mf := newTestFile(t, 2*chunkPages)
	fr, err := mf.AllocateContiguous(chunkPages, AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	bs, _ := mf.MapInternal(fr, hostarch.ReadWrite)
	for i := range bs {
		bs[i] = 0xaa
	}
	// Keep one frame of the chunk allocated: nothing is released.
	mf.DecRef(memmap.FileRange{Start: fr.Start + page, End: fr.End})
	if bs[page] != 0xaa {
		t.Fatalf("frame in a partly free chunk was cleared")
	}

	// Freeing the last frame releases the whole chunk.
	mf.DecRef(memmap.FileRange{Start: fr.Start, End: fr.Start + page})
	fr2, err := mf.AllocateContiguous(chunkPages, AllocOpts{Kind: usage.Anonymous})
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	bs2, _ := mf.MapInternal(fr2, hostarch.Read)
	if fr2 != fr {
		t.Fatalf("AllocateContiguous = %v, want %v", fr2, fr)
	}
	for i, b := range bs2 {
		if b != 0 {
			t.Fatalf("byte %#x of released chunk = %#x, want 0", i, b)
		}
	}
	mf.DecRef(fr2)
}

func TestMapInternalAfterDestroy(t *testing.T) {
	mf, err := NewMemoryFile(MemoryFileOpts{Size: page})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	mf.Destroy()
	if _, err := mf.MapInternal(memmap.FileRange{Start: 0, End: page}, hostarch.Read); !errors.Is(err, linuxerr.EFAULT) {
		t.Errorf("MapInternal after Destroy = %v, want EFAULT", err)
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := NewMemoryFile(MemoryFileOpts{}); !errors.Is(err, linuxerr.EINVAL) {
		t.Errorf("NewMemoryFile(0) = %v, want EINVAL", err)
	}
}
