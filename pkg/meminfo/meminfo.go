// Copyright 2024 The Memfill Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package meminfo reports how much memory is available to the process,
// either system-wide or scoped to the process's cgroup.
package meminfo

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/steadybit/memfill/pkg/cgroup"
)

// MemInfo is one snapshot of memory availability, in bytes.
type MemInfo struct {
	Available uint64
	Total     uint64
}

// Provider produces MemInfo snapshots on demand.
type Provider interface {
	MemInfo() (MemInfo, error)
}

// System reports the kernel's system-wide meminfo figures.
type System struct {
	fs procfs.FS
}

// NewSystem opens procfs and verifies that meminfo is readable and
// carries MemAvailable. A host without it cannot be sized against.
func NewSystem() (*System, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	s := &System{fs: fs}
	if _, err := s.MemInfo(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *System) MemInfo() (MemInfo, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return MemInfo{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return MemInfo{}, errors.New("meminfo lacks MemTotal or MemAvailable")
	}
	// Values in /proc/meminfo are in kB.
	return MemInfo{
		Available: *mi.MemAvailable * 1024,
		Total:     *mi.MemTotal * 1024,
	}, nil
}

type memoryReader interface {
	Memory() (cgroup.Memory, error)
}

// Cgroup reports the accounting of the caller's cgroup. An unlimited
// cgroup is sized against the system total instead of its limit.
type Cgroup struct {
	reader   memoryReader
	fallback Provider
}

// NewCgroup builds a cgroup-scoped provider and probes it once so a
// missing controller fails at startup rather than mid-run.
func NewCgroup() (*Cgroup, error) {
	system, err := NewSystem()
	if err != nil {
		return nil, err
	}
	c := &Cgroup{reader: cgroup.NewReader(), fallback: system}
	if _, err := c.MemInfo(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cgroup) MemInfo() (MemInfo, error) {
	mem, err := c.reader.Memory()
	if err != nil {
		return MemInfo{}, fmt.Errorf("read cgroup memory: %w", err)
	}

	total := mem.Limit
	if mem.Unlimited {
		system, err := c.fallback.MemInfo()
		if err != nil {
			return MemInfo{}, err
		}
		total = system.Total
	}

	var available uint64
	if mem.Usage < total {
		available = total - mem.Usage
	}
	return MemInfo{Available: available, Total: total}, nil
}
