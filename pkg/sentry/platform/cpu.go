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

package platform

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// CPU is a processor on which address spaces are activated. Activation loads
// the address space's root table into the CPU's translation base.
type CPU struct {
	// ID is the CPU number.
	ID int

	mu sync.Mutex

	// active is the installed address space, or nil.
	//
	// +checklocks:mu
	active *AddressSpace

	// root is the installed root table address.
	//
	// +checklocks:mu
	root uintptr

	// switches counts activations.
	switches atomic.Uint64

	// flushes counts translation flushes.
	flushes atomic.Uint64
}

// NewCPUs returns n CPUs numbered from zero.
func NewCPUs(n int) []*CPU {
	cpus := make([]*CPU, n)
	for i := range cpus {
		cpus[i] = &CPU{ID: i}
	}
	return cpus
}

// install makes as the active address space.
func (c *CPU) install(as *AddressSpace) {
	c.mu.Lock()
	prev := c.active
	c.active = as
	c.root = as.pageTables.RootPhysical()
	c.mu.Unlock()
	c.switches.Add(1)
	c.flush()
	if prev != nil && prev != as {
		prev.deactivate(c)
	}
}

// uninstall clears the active address space if it is as.
func (c *CPU) uninstall(as *AddressSpace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == as {
		c.active = nil
		c.root = 0
	}
}

// flush discards cached translations.
func (c *CPU) flush() {
	c.flushes.Add(1)
}

// Active returns the active address space, or nil.
func (c *CPU) Active() *AddressSpace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Root returns the installed root table address.
func (c *CPU) Root() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Switches returns the number of activations on c.
func (c *CPU) Switches() uint64 {
	return c.switches.Load()
}

// Flushes returns the number of translation flushes on c.
func (c *CPU) Flushes() uint64 {
	return c.flushes.Load()
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.ID)
}
