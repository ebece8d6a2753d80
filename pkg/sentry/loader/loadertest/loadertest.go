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

// Package loadertest builds small ELF executables for tests and demos.
package loadertest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"vmcore.dev/vmcore/pkg/hostarch"
)

// Segment describes one PT_LOAD segment.
type Segment struct {
	// Vaddr is the address of the first byte of Data.
	Vaddr uint64

	// Flags are the segment permissions.
	Flags elf.ProgFlag

	// Data are the file bytes of the segment.
	Data []byte

	// Memsz is the in-memory size. If zero, it is len(Data).
	Memsz uint64
}

const (
	ehsize    = 64
	phentsize = 56
)

// BuildELF returns a 64-bit little-endian ET_EXEC binary with the given
// entry point and segments. The data of segment i is placed at file offset
// (i+1) pages.
func BuildELF(entry uint64, segs []Segment) ([]byte, error) {
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(segs)),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	for i, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		ph := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    uint64(i+1) * hostarch.PageSize,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  hostarch.PageSize,
		}
		if err := binary.Write(&buf, binary.LittleEndian, ph); err != nil {
			return nil, err
		}
	}
	for i, s := range segs {
		buf.Write(make([]byte, (i+1)*hostarch.PageSize-buf.Len()))
		buf.Write(s.Data)
	}
	return buf.Bytes(), nil
}

// TextAndData returns a binary with a read-execute text segment holding
// text at 0x400000, which is also the entry point, and a read-write data
// segment holding data at 0x600000 followed by bss bytes of zeroes.
func TextAndData(text, data []byte, bss uint64) ([]byte, error) {
	return BuildELF(0x400000, []Segment{
		{Vaddr: 0x400000, Flags: elf.PF_R | elf.PF_X, Data: text},
		{Vaddr: 0x600000, Flags: elf.PF_R | elf.PF_W, Data: data, Memsz: uint64(len(data)) + bss},
	})
}
