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

package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
)

// errNoExec is returned for binaries that cannot be loaded.
var errNoExec = linuxerr.ENOEXEC

// segment is one PT_LOAD segment.
type segment struct {
	// ar is the page-aligned range covering the segment.
	ar hostarch.AddrRange

	// vaddr is the unaligned address of the first file byte.
	vaddr hostarch.Addr

	// filesz is the number of bytes copied from the file.
	filesz uint64

	// perms are the segment's permissions.
	perms hostarch.AccessType

	// data reads the file bytes of the segment.
	data io.Reader
}

// elfInfo contains the metadata needed to load an ELF binary.
type elfInfo struct {
	// entry is the program entry point.
	entry uint64

	// segments are the PT_LOAD segments in file order.
	segments []segment
}

// progFlagsAsPerms returns the permissions of a segment with flags f.
func progFlagsAsPerms(f elf.ProgFlag) hostarch.AccessType {
	var p hostarch.AccessType
	if f&elf.PF_R == elf.PF_R {
		p.Read = true
	}
	if f&elf.PF_W == elf.PF_W {
		p.Write = true
	}
	if f&elf.PF_X == elf.PF_X {
		p.Execute = true
	}
	return p
}

// parseHeader parses the ELF header and validates the PT_LOAD segments: each
// must fit in the user address range, carry no more file bytes than memory
// bytes, and occupy pages no other segment occupies.
func parseHeader(r io.ReaderAt) (elfInfo, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		log.Infof("Error parsing ELF header: %v", err)
		return elfInfo{}, fmt.Errorf("%v: %w", err, errNoExec)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		log.Infof("Unsupported ELF class %v", f.Class)
		return elfInfo{}, errNoExec
	}
	if f.Type != elf.ET_EXEC {
		log.Infof("Unsupported ELF type %v", f.Type)
		return elfInfo{}, errNoExec
	}

	info := elfInfo{entry: f.Entry}
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			log.Infof("PT_LOAD segment %d filesz %#x > memsz %#x", i, prog.Filesz, prog.Memsz)
			return elfInfo{}, errNoExec
		}
		vaddr := hostarch.Addr(prog.Vaddr)
		end, ok := vaddr.AddLength(prog.Memsz)
		if !ok || end > hostarch.MaxUserAddress {
			log.Infof("PT_LOAD segment %d at %#x of %#x bytes exceeds the user address range", i, prog.Vaddr, prog.Memsz)
			return elfInfo{}, errNoExec
		}
		ar := hostarch.AddrRange{Start: vaddr.RoundDown(), End: end.MustRoundUp()}
		for _, other := range info.segments {
			if other.ar.Overlaps(ar) {
				log.Infof("PT_LOAD segment %d at %v shares pages with segment at %v", i, ar, other.ar)
				return elfInfo{}, errNoExec
			}
		}
		info.segments = append(info.segments, segment{
			ar:     ar,
			vaddr:  vaddr,
			filesz: prog.Filesz,
			perms:  progFlagsAsPerms(prog.Flags),
			data:   prog.Open(),
		})
	}
	if len(info.segments) == 0 {
		log.Infof("ELF has no loadable segments")
		return elfInfo{}, errNoExec
	}
	entry := hostarch.Addr(info.entry)
	found := false
	for _, seg := range info.segments {
		if seg.ar.Contains(entry) {
			found = true
			break
		}
	}
	if !found {
		log.Infof("Entry point %v is not in a loadable segment", entry)
		return elfInfo{}, errNoExec
	}
	return info, nil
}
