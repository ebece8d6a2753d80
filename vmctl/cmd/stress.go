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
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vmcore.dev/vmcore/pkg/hostarch"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/pkg/sentry/mm"
	"vmcore.dev/vmcore/vmctl/config"
)

// stressBase is where each stress process maps its working set.
const stressBase = hostarch.Addr(0x100000)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts StressOpts
}

// StressOpts configures RunStress.
type StressOpts struct {
	// Procs is the number of concurrent processes.
	Procs int

	// Pages is the size of each process's working set.
	Pages uint64

	// Rounds is the number of fork/verify rounds each process runs.
	Rounds int
}

// StressResult summarizes a stress run.
type StressResult struct {
	Forks    uint64
	Faults   uint64
	Duration time.Duration

	// BytesIn and BytesOut count user memory read and written by the
	// processes of k, including those of earlier runs.
	BytesIn  uint64
	BytesOut uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent processes that fault, fork and check isolation"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-procs=N] [-pages=N] [-rounds=N] - runs N processes concurrently, each repeatedly forking and checking that parent and child memory stay separate.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Procs, "procs", 8, "number of concurrent processes.")
	f.Uint64Var(&s.opts.Pages, "pages", 16, "pages in each process's working set.")
	f.IntVar(&s.opts.Rounds, "rounds", 10, "fork rounds per process.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.Procs <= 0 || s.opts.Pages == 0 || s.opts.Rounds < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, done, err := newKernel(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer done()
	res, err := RunStress(ctx, k, s.opts)
	if err != nil {
		Fatalf("stress: %v", err)
	}
	printStressResult(os.Stdout, s.opts, res)
	return subcommands.ExitSuccess
}

func printStressResult(w io.Writer, opts StressOpts, res StressResult) {
	fmt.Fprintf(w, "%d processes x %d pages x %d rounds: %d forks, %d faults, %d bytes read, %d bytes written in %v\n",
		opts.Procs, opts.Pages, opts.Rounds, res.Forks, res.Faults, res.BytesIn, res.BytesOut, res.Duration)
}

// RunStress runs opts.Procs processes on k concurrently. Each fills its
// working set with a pattern of its own, then for every round forks a child
// that overwrites the whole set and checks that the parent's pattern is
// intact. The first failure cancels the remaining processes.
func RunStress(ctx context.Context, k *kernel.Kernel, opts StressOpts) (StressResult, error) {
	start := time.Now()
	results := make([]StressResult, opts.Procs)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Procs; i++ {
		i := i
		g.Go(func() error {
			return stressProcess(ctx, k, i, opts, &results[i])
		})
	}
	err := g.Wait()

	var total StressResult
	for _, r := range results {
		total.Forks += r.Forks
		total.Faults += r.Faults
	}
	total.Duration = time.Since(start)
	acct := k.IOUsage()
	total.BytesIn = acct.BytesCopiedIn.Load()
	total.BytesOut = acct.BytesCopiedOut.Load()
	if err != nil {
		return total, err
	}
	log.Infof("Stress run finished: %d forks, %d faults in %v", total.Forks, total.Faults, total.Duration)
	return total, nil
}

func stressProcess(ctx context.Context, k *kernel.Kernel, id int, opts StressOpts, res *StressResult) error {
	parent := k.NewTask()
	defer reap(k, parent)
	parent.MemorySpace().AddArea(mm.NewVMArea(stressBase, opts.Pages, hostarch.ReadWrite, mm.AnonymousFault{}))
	if err := k.Switch(id%len(k.CPUs()), parent); err != nil {
		return err
	}

	size := int(opts.Pages * hostarch.PageSize)
	pattern := bytes.Repeat([]byte{byte(id)}, size)
	if err := parent.Store(ctx, stressBase, pattern); err != nil {
		return err
	}
	res.Faults += opts.Pages

	got := make([]byte, size)
	for round := 0; round < opts.Rounds; round++ {
		round := round
		if err := ctx.Err(); err != nil {
			return err
		}
		child, err := parent.Fork()
		if err != nil {
			return err
		}
		res.Forks++
		err = func() error {
			defer reap(k, child)
			if err := child.Store(ctx, stressBase, bytes.Repeat([]byte{^byte(id)}, size)); err != nil {
				return err
			}
			if err := parent.Load(ctx, stressBase, got); err != nil {
				return err
			}
			if !bytes.Equal(got, pattern) {
				return fmt.Errorf("%v: round %d: parent memory changed by child %v", parent, round, child)
			}
			return nil
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// reap exits t if it is still running and removes it from k.
func reap(k *kernel.Kernel, t *kernel.Task) {
	t.Exit(0)
	if _, err := k.Reap(t.ThreadID()); err != nil {
		log.Warningf("Reaping %v: %v", t, err)
	}
}
