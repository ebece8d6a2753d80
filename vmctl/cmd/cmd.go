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

// Package cmd holds implementations of the vmctl commands.
package cmd

import (
	"fmt"
	"os"

	"vmcore.dev/vmcore/pkg/log"
	"vmcore.dev/vmcore/pkg/sentry/kernel"
	"vmcore.dev/vmcore/pkg/sentry/pgalloc"
	"vmcore.dev/vmcore/vmctl/config"
)

// Fatalf logs the same message to stderr and to the log, and exits with
// status 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "vmctl: %s\n", msg)
	os.Exit(128)
}

// newKernel boots a kernel as configured by conf. The returned function
// shuts it down and unmaps its frame arena.
func newKernel(conf *config.Config) (*kernel.Kernel, func(), error) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: conf.ArenaSize})
	if err != nil {
		return nil, nil, fmt.Errorf("creating memory file: %w", err)
	}
	k, err := kernel.NewKernel(kernel.InitKernelArgs{
		MemoryFile:       mf,
		ApplicationCores: conf.CPUs,
	})
	if err != nil {
		mf.Destroy()
		return nil, nil, fmt.Errorf("creating kernel: %w", err)
	}
	return k, func() {
		k.Shutdown()
		mf.Destroy()
	}, nil
}
