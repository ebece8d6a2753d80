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
	"fmt"
	"strings"
)

// Maps returns a description of every area in ms, one per line, in the
// spirit of /proc/[pid]/maps:
//
//	start-end perms resident/pages handler name
func (ms *MemorySpace) Maps() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var b bytes.Buffer
	ms.areas.Ascend(func(vma *VMArea) bool {
		b.Write(vma.mapsEntry())
		return true
	})
	return b.String()
}

// mapsEntry returns the Maps line for vma, including the trailing newline.
//
// Preconditions: The owning MemorySpace's mu must be locked.
func (vma *VMArea) mapsEntry() []byte {
	var b bytes.Buffer
	r := vma.Range()
	fmt.Fprintf(&b, "%08x-%08x %s %d/%d %v", uint64(r.Start), uint64(r.End), vma.perms, len(vma.mappings), vma.pages, vma.handler)
	if vma.name != "" {
		// Pad names to a common column.
		if pad := 48 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		} else {
			b.WriteByte(' ')
		}
		b.WriteString(vma.name)
	}
	b.WriteByte('\n')
	return b.Bytes()
}
