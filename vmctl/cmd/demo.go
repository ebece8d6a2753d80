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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/pkg/errors/linuxerr"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/pkg/sentry/loader/loadertest"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/vmctl/config"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	maps bool
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "walk through page fault, fork, clear and exec scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [-maps] - runs each scenario against a fresh kernel and reports the result.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.maps, "maps", false, "print the area list of each process after its scenario.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := RunDemo(ctx, conf, os.Stdout, d.maps); err != nil {
		Fatalf("demo: %v", err)
	}
	return subcommands.ExitSuccess
}

// scenario is one step of the demo. run returns the area list of the
// process it used, or an error if the observed behavior differs from the
// expected one.
type scenario struct {
	name string
	run  func(ctx context.Context, k *kernel.Kernel, conf *config.Config) (string, error)
}

var scenarios = []scenario{
	{"anonymous page faults in once", anonymousScenario},
	{"inode pages are read on fault", inodeScenario},
	{"fork copies pages eagerly", forkScenario},
	{"clear unmaps everything", clearScenario},
	{"faults outside every area fail", outsideScenario},
	{"exec loads a binary and enforces its protections", execScenario},
}

// RunDemo runs every scenario, each on its own kernel, and writes one line
// per scenario to w. If maps is set, the area list of the process each
// scenario used follows its line.
func RunDemo(ctx context.Context, conf *config.Config, w io.Writer, maps bool) error {
	for i, s := range scenarios {
		k, done, err := newKernel(conf)
		if err != nil {
			return err
		}
		areas, err := s.run(ctx, k, conf)
		if err != nil {
			done()
			return fmt.Errorf("scenario %d (%s): %w", i+1, s.name, err)
		}
		fmt.Fprintf(w, "scenario %d: %s: ok\n", i+1, s.name)
		if maps {
			fmt.Fprint(w, areas)
		}
		done()
	}
	return nil
}

func anonymousScenario(ctx context.Context, k *kernel.Kernel, _ *config.Config) (string, error) {
	t := k.NewTask()
	ms := t.MemorySpace()
	ms.AddArea(mm.NewVMArea(0x1000, 1, hostarch.ReadWrite, mm.AnonymousFault{}))

	free := k.MemoryFile().FreeBytes()
	if err := mm.ResolveFault(ctx, t, 0x1000, mm.StoreFault); err != nil {
		return "", err
	}
	if used := free - k.MemoryFile().FreeBytes(); used != hostarch.PageSize {
		return "", fmt.Errorf("first touch used %d bytes, want one page", used)
	}
	m, ok := ms.Mapping(0x1000)
	if !ok || m.Addr != 0x1000 {
		return "", fmt.Errorf("no mapping at 0x1000 after fault")
	}
	if tr := ms.AddressSpace().Translate(0x1000); !tr.Mapped || tr.Perms != hostarch.ReadWrite {
		return "", fmt.Errorf("translation at 0x1000 is %+v, want mapped rw", tr)
	}

	free = k.MemoryFile().FreeBytes()
	if err := mm.ResolveFault(ctx, t, 0x1fff, mm.LoadFault); err != nil {
		return "", err
	}
	if k.MemoryFile().FreeBytes() != free {
		return "", fmt.Errorf("second touch of the same page allocated a frame")
	}
	return t.MemorySpace().Maps(), nil
}

func inodeScenario(ctx context.Context, k *kernel.Kernel, _ *config.Config) (string, error) {
	contents := append(bytes.Repeat([]byte{'A'}, hostarch.PageSize), bytes.Repeat([]byte{'B'}, hostarch.PageSize)...)
	t := k.NewTask()
	ms := t.MemorySpace()
	vma := mm.NewVMArea(0x2000, 2, hostarch.Read, mm.InodeFault{Inode: bytes.NewReader(contents)})
	vma.SetName("inode")
	ms.AddArea(vma)

	for i, addr := range []hostarch.Addr{0x2000, 0x3000} {
		if err := mm.ResolveFault(ctx, t, addr, mm.LoadFault); err != nil {
			return "", err
		}
		got := make([]byte, hostarch.PageSize)
		if _, err := ms.CopyIn(addr, got); err != nil {
			return "", err
		}
		if want := contents[i*hostarch.PageSize : (i+1)*hostarch.PageSize]; !bytes.Equal(got, want) {
			return "", fmt.Errorf("page at %v starts with %q, want %q", addr, got[:4], want[:4])
		}
	}
	return t.MemorySpace().Maps(), nil
}

func forkScenario(ctx context.Context, k *kernel.Kernel, _ *config.Config) (string, error) {
	parent := k.NewTask()
	parent.MemorySpace().AddArea(mm.NewVMArea(0x1000, 1, hostarch.ReadWrite, mm.AnonymousFault{}))
	pattern := make([]byte, 256)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	if err := parent.Store(ctx, 0x1000, pattern); err != nil {
		return "", err
	}

	child, err := parent.Fork()
	if err != nil {
		return "", err
	}
	got := make([]byte, len(pattern))
	if err := child.Load(ctx, 0x1000, got); err != nil {
		return "", err
	}
	if !bytes.Equal(got, pattern) {
		return "", fmt.Errorf("child does not see the parent's bytes")
	}

	if err := parent.Store(ctx, 0x1000, []byte{0xff}); err != nil {
		return "", err
	}
	if err := child.Store(ctx, 0x1000, []byte{0xee}); err != nil {
		return "", err
	}
	pb, cb := make([]byte, 1), make([]byte, 1)
	if err := parent.Load(ctx, 0x1000, pb); err != nil {
		return "", err
	}
	if err := child.Load(ctx, 0x1000, cb); err != nil {
		return "", err
	}
	if pb[0] != 0xff || cb[0] != 0xee {
		return "", fmt.Errorf("parent byte %#x, child byte %#x, want 0xff and 0xee", pb[0], cb[0])
	}
	return child.MemorySpace().Maps(), nil
}

func clearScenario(ctx context.Context, k *kernel.Kernel, _ *config.Config) (string, error) {
	t := k.NewTask()
	ms := t.MemorySpace()
	ms.AddArea(mm.NewVMArea(0x1000, 2, hostarch.ReadWrite, mm.AnonymousFault{}))
	for _, addr := range []hostarch.Addr{0x1000, 0x2000} {
		if err := mm.ResolveFault(ctx, t, addr, mm.StoreFault); err != nil {
			return "", err
		}
	}
	ms.Clear()
	if n := ms.NumAreas(); n != 0 {
		return "", fmt.Errorf("%d areas left after clear", n)
	}
	for _, addr := range []hostarch.Addr{0x1000, 0x2000} {
		if ms.AddressSpace().Translate(addr).Mapped {
			return "", fmt.Errorf("%v still mapped after clear", addr)
		}
	}
	if free, total := k.MemoryFile().FreeBytes(), k.MemoryFile().TotalSize(); free != total {
		return "", fmt.Errorf("%d of %d bytes free after clear", free, total)
	}
	return t.MemorySpace().Maps(), nil
}

func outsideScenario(ctx context.Context, k *kernel.Kernel, _ *config.Config) (string, error) {
	t := k.NewTask()
	ms := t.MemorySpace()
	ms.AddArea(mm.NewVMArea(0x1000, 1, hostarch.ReadWrite, mm.AnonymousFault{}))
	if err := mm.ResolveFault(ctx, t, 0x5000, mm.LoadFault); !errors.Is(err, linuxerr.EFAULT) {
		return "", fmt.Errorf("fault at 0x5000 returned %v, want EFAULT", err)
	}
	if n := ms.ResidentPages(); n != 0 {
		return "", fmt.Errorf("%d pages resident after a rejected fault", n)
	}
	return t.MemorySpace().Maps(), nil
}

func execScenario(ctx context.Context, k *kernel.Kernel, conf *config.Config) (string, error) {
	text := []byte("\x90\x90\x90\xc3")
	bin, err := loadertest.TextAndData(text, []byte("hello"), hostarch.PageSize)
	if err != nil {
		return "", err
	}
	t, err := k.CreateProcess(ctx, bytes.NewReader(bin), conf.LoadOpts())
	if err != nil {
		return "", err
	}
	img := t.Image()
	code := make([]byte, len(text))
	if err := t.Fetch(ctx, img.Entry, code); err != nil {
		return "", err
	}
	if !bytes.Equal(code, text) {
		return "", fmt.Errorf("fetched %x at entry, want %x", code, text)
	}
	if err := t.Store(ctx, img.StackPointer, []byte("argv")); err != nil {
		return "", err
	}
	if _, err := t.MemorySpace().Brk(img.BrkBase + hostarch.PageSize); err != nil {
		return "", err
	}
	if err := t.Store(ctx, img.BrkBase, []byte("heap")); err != nil {
		return "", err
	}
	// Display the process before the fatal store releases it.
	maps := t.MemorySpace().Maps()

	var ff *kernel.FatalFault
	if err := t.Store(ctx, img.Entry, []byte{0}); !errors.As(err, &ff) {
		return "", fmt.Errorf("store to text returned %v, want a fatal fault", err)
	}
	if status, exited := t.ExitStatus(); !exited || status != kernel.FaultExitStatus {
		return "", fmt.Errorf("exit status %d (exited %t), want %d", status, exited, kernel.FaultExitStatus)
	}
	return maps, nil
}
