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

// Package cgroup reads the memory accounting of the calling process's
// cgroup, for both the unified (v2) and the legacy (v1) hierarchy.
package cgroup

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// DefaultMountPoint is where the kernel exposes the cgroup hierarchy.
const DefaultMountPoint = "/sys/fs/cgroup"

// ErrControllerNotFound is returned when no memory controller can be
// located for the calling process.
var ErrControllerNotFound = errors.New("cgroup memory controller not found")

// Memory is one snapshot of the cgroup memory accounting. If Unlimited
// is set, Limit carries no meaning.
type Memory struct {
	Usage     uint64
	Limit     uint64
	Unlimited bool
}

// Reader reads Memory snapshots fresh from the kernel on each request.
type Reader struct {
	mountPoint string
	cgroups    func() ([]procfs.Cgroup, error)
	pageSize   uint64
}

func NewReader() *Reader {
	return &Reader{
		mountPoint: DefaultMountPoint,
		cgroups:    selfCgroups,
		pageSize:   uint64(unix.Getpagesize()),
	}
}

func selfCgroups() ([]procfs.Cgroup, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("open /proc/self: %w", err)
	}
	return proc.Cgroups()
}

// Memory returns the current usage and limit of the caller's cgroup.
func (r *Reader) Memory() (Memory, error) {
	if r.usesV2() {
		return r.v2Memory()
	}
	return r.v1Memory()
}

func (r *Reader) usesV2() bool {
	_, err := os.Stat(filepath.Join(r.mountPoint, "cgroup.controllers"))
	return err == nil
}

// v2Memory walks from the caller's cgroup directory up toward the mount
// point until a directory carries both memory.max and memory.current.
// Delegated sub-trees commonly lack the memory files at the leaf.
func (r *Reader) v2Memory() (Memory, error) {
	rel, err := r.controllerPath(func(cg procfs.Cgroup) bool {
		return cg.HierarchyID == 0
	})
	if err != nil {
		return Memory{}, err
	}

	dir := filepath.Join(r.mountPoint, strings.TrimPrefix(rel, "/"))
	for {
		maxPath := filepath.Join(dir, "memory.max")
		currentPath := filepath.Join(dir, "memory.current")

		if exists(maxPath) && exists(currentPath) {
			limit, unlimited, err := readValue(maxPath)
			if err != nil {
				return Memory{}, err
			}
			usage, _, err := readValue(currentPath)
			if err != nil {
				return Memory{}, err
			}
			return Memory{Usage: usage, Limit: limit, Unlimited: unlimited}, nil
		}

		if dir == r.mountPoint {
			return Memory{}, ErrControllerNotFound
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Memory{}, ErrControllerNotFound
		}
		dir = parent
	}
}

func (r *Reader) v1Memory() (Memory, error) {
	rel, err := r.controllerPath(func(cg procfs.Cgroup) bool {
		return slices.Contains(cg.Controllers, "memory")
	})
	if err != nil {
		return Memory{}, err
	}

	dir := filepath.Join(r.mountPoint, "memory", strings.TrimPrefix(rel, "/"))
	usage, _, err := readValue(filepath.Join(dir, "memory.usage_in_bytes"))
	if err != nil {
		return Memory{}, err
	}
	limit, _, err := readValue(filepath.Join(dir, "memory.limit_in_bytes"))
	if err != nil {
		return Memory{}, err
	}

	return Memory{Usage: usage, Limit: limit, Unlimited: limit == r.v1Unlimited()}, nil
}

// v1Unlimited is the value memory.limit_in_bytes reports when no limit
// is configured: INT64_MAX rounded down to a multiple of the page size.
func (r *Reader) v1Unlimited() uint64 {
	return uint64(math.MaxInt64) / r.pageSize * r.pageSize
}

func (r *Reader) controllerPath(match func(procfs.Cgroup) bool) (string, error) {
	cgroups, err := r.cgroups()
	if err != nil {
		return "", fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	for _, cg := range cgroups {
		if match(cg) {
			return cg.Path, nil
		}
	}
	return "", ErrControllerNotFound
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readValue(path string) (value uint64, unlimited bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	content := strings.TrimSpace(string(data))
	if content == "max" {
		return 0, true, nil
	}
	value, err = strconv.ParseUint(content, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, false, nil
}
