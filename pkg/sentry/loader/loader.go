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

// Package loader loads ELF binaries into a MemorySpace.
package loader

import (
	"context"
	"fmt"
	"io"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/mm"
)

const (
	// StackTop is the address just above the initial user stack. The
	// topmost pages of the user address range are left unmapped.
	StackTop = hostarch.MaxUserAddress - 10*hostarch.PageSize

	// StackSize is the default size of the user stack area.
	StackSize = 8 << 20

	// HeapLimit bounds the size of the brk heap.
	HeapLimit = 1024 * hostarch.PageSize
)

// LoadOpts controls Load.
type LoadOpts struct {
	// GrowStack makes the stack grow one page at a time on faults below
	// StackTop instead of being registered as a single area up front.
	GrowStack bool

	// StackSize overrides the size of the stack area. It must be a
	// multiple of the page size. Zero means StackSize.
	StackSize uint64
}

// Image describes a loaded binary.
type Image struct {
	// Entry is the entry point of the binary.
	Entry hostarch.Addr

	// StackPointer is the initial stack pointer.
	StackPointer hostarch.Addr

	// Stack is the range reserved for the stack.
	Stack hostarch.AddrRange

	// BrkBase is the start of the heap, just above the highest segment.
	BrkBase hostarch.Addr

	// Segments are the ranges mapped for PT_LOAD segments, in file order.
	Segments []hostarch.AddrRange
}

// Load maps every loadable segment of the ELF binary read from r into ms,
// and sets up the stack and heap. ms should be empty.
//
// Segments are mapped eagerly with their file contents; the rest of each
// segment (bss) is zero. The stack is resolved lazily. On error ms may hold
// some of the segments; the caller should clear it.
func Load(ctx context.Context, ms *mm.MemorySpace, r io.ReaderAt, opts LoadOpts) (Image, error) {
	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = StackSize
	}
	if stackSize%hostarch.PageSize != 0 || stackSize > uint64(StackTop) {
		return Image{}, fmt.Errorf("invalid stack size %#x: %w", stackSize, linuxerr.EINVAL)
	}

	info, err := parseHeader(r)
	if err != nil {
		return Image{}, err
	}

	img := Image{Entry: hostarch.Addr(info.entry)}
	for _, seg := range info.segments {
		if err := mapSegment(ms, seg); err != nil {
			return Image{}, err
		}
		img.Segments = append(img.Segments, seg.ar)
		if seg.ar.End > img.BrkBase {
			img.BrkBase = seg.ar.End
		}
	}

	img.Stack = hostarch.AddrRange{Start: StackTop - hostarch.Addr(stackSize), End: StackTop}
	if img.BrkBase+HeapLimit > img.Stack.Start {
		return Image{}, fmt.Errorf("segments end at %v, too close to the stack: %w", img.BrkBase, errNoExec)
	}
	if opts.GrowStack {
		ms.SetStackRange(img.Stack)
	} else {
		stack := mm.NewVMArea(img.Stack.Start, img.Stack.Pages(), hostarch.ReadWrite, mm.AnonymousFault{})
		stack.SetName("[stack]")
		ms.AddArea(stack)
	}
	img.StackPointer = StackTop - 32
	ms.BrkSetup(img.BrkBase, img.BrkBase+HeapLimit)

	log.Infof("Loaded binary: entry %v, %d segments, brk %v", img.Entry, len(img.Segments), img.BrkBase)
	return img, nil
}

// mapSegment maps seg eagerly and copies its file contents into place.
func mapSegment(ms *mm.MemorySpace, seg segment) error {
	vma := mm.NewVMArea(seg.ar.Start, seg.ar.Pages(), seg.perms, nil)
	vma.SetName("[image]")
	fr, err := ms.Map(vma)
	if err != nil {
		return fmt.Errorf("mapping segment %v: %w", seg.ar, err)
	}
	if seg.filesz == 0 {
		return nil
	}
	b, err := ms.MemoryFile().MapInternal(fr, hostarch.Write)
	if err != nil {
		return err
	}
	off := uint64(seg.vaddr - seg.ar.Start)
	if _, err := io.ReadFull(seg.data, b[off:off+seg.filesz]); err != nil {
		return fmt.Errorf("reading segment %v: %w", seg.ar, err)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Mapped segment %v %s: %d bytes from file, %d zero", seg.ar, seg.perms, seg.filesz, uint64(seg.ar.Length())-seg.filesz)
	}
	return nil
}
