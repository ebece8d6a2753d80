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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/metric"
	"vmcore.dev/vmcore/vmctl/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	workload string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a workload and print metric data in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-workload=demo|stress|none] - runs the workload, then prints every metric in Prometheus text format.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.workload, "workload", "demo", "workload to run before exporting: demo, stress, or none.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := RunMetrics(ctx, conf, m.workload, os.Stdout); err != nil {
		Fatalf("metrics: %v", err)
	}
	return subcommands.ExitSuccess
}

// RunMetrics runs the named workload and writes all metrics to w.
func RunMetrics(ctx context.Context, conf *config.Config, workload string, w io.Writer) error {
	switch workload {
	case "none":
	case "demo":
		if err := RunDemo(ctx, conf, io.Discard, false); err != nil {
			return err
		}
	case "stress":
		k, done, err := newKernel(conf)
		if err != nil {
			return err
		}
		_, err = RunStress(ctx, k, StressOpts{Procs: 4, Pages: 4, Rounds: 4})
		done()
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown workload %q", workload)
	}
	log.Debugf("Exporting metrics after %q workload", workload)
	return metric.WritePrometheus(w)
}
