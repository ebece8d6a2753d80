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

package memmap

import (
	"errors"
	"io"
	"testing"
)

func TestFileRangePage(t *testing.T) {
	fr := FileRange{0x3000, 0x6000}
	if got, want := fr.Page(1), (FileRange{0x4000, 0x5000}); got != want {
		t.Errorf("Page(1) = %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Page(3) did not panic")
		}
	}()
	fr.Page(3)
}

func TestFileRangeOverlaps(t *testing.T) {
	for _, tc := range []struct {
		a, b FileRange
		want bool
	}{
		{FileRange{0, 0x1000}, FileRange{0x1000, 0x2000}, false},
		{FileRange{0, 0x2000}, FileRange{0x1000, 0x2000}, true},
		{FileRange{0x3000, 0x4000}, FileRange{0, 0x2000}, false},
	} {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestBusErrorUnwrap(t *testing.T) {
	err := error(&BusError{Err: io.ErrUnexpectedEOF})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("errors.Is(%v, io.ErrUnexpectedEOF) = false", err)
	}
	var be *BusError
	if !errors.As(err, &be) {
		t.Errorf("errors.As(%v, *BusError) = false", err)
	}
}
