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

package cgroup

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestReader(t *testing.T, cgroups []procfs.Cgroup) *Reader {
	t.Helper()
	return &Reader{
		mountPoint: t.TempDir(),
		cgroups: func() ([]procfs.Cgroup, error) {
			return cgroups, nil
		},
		pageSize: testPageSize,
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func markV2(t *testing.T, r *Reader) {
	t.Helper()
	writeFiles(t, r.mountPoint, map[string]string{"cgroup.controllers": "memory pids\n"})
}

func TestV2ReadAtLeaf(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 0, Path: "/system.slice/pressure.service"},
	})
	markV2(t, r)
	writeFiles(t, filepath.Join(r.mountPoint, "system.slice/pressure.service"), map[string]string{
		"memory.max":     "1073741824\n",
		"memory.current": "268435456\n",
	})

	mem, err := r.Memory()
	require.NoError(t, err)
	require.Equal(t, Memory{Usage: 268435456, Limit: 1073741824}, mem)
}

func TestV2WalksUpToAncestor(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 0, Path: "/kubepods.slice/pod1/container2"},
	})
	markV2(t, r)
	// Leaf exists but the memory files only show up at the pod level.
	require.NoError(t, os.MkdirAll(filepath.Join(r.mountPoint, "kubepods.slice/pod1/container2"), 0o755))
	writeFiles(t, filepath.Join(r.mountPoint, "kubepods.slice/pod1"), map[string]string{
		"memory.max":     "536870912",
		"memory.current": "1024",
	})

	mem, err := r.Memory()
	require.NoError(t, err)
	require.Equal(t, Memory{Usage: 1024, Limit: 536870912}, mem)
}

func TestV2UnlimitedMax(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 0, Path: "/user.slice"},
	})
	markV2(t, r)
	writeFiles(t, filepath.Join(r.mountPoint, "user.slice"), map[string]string{
		"memory.max":     "max\n",
		"memory.current": "42\n",
	})

	mem, err := r.Memory()
	require.NoError(t, err)
	require.True(t, mem.Unlimited)
	require.Equal(t, uint64(42), mem.Usage)
}

func TestV2ControllerNotFoundAtRoot(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 0, Path: "/a/b/c"},
	})
	markV2(t, r)

	_, err := r.Memory()
	require.ErrorIs(t, err, ErrControllerNotFound)
}

func TestV2PicksUnifiedHierarchyLine(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 5, Controllers: []string{"memory"}, Path: "/legacy/path"},
		{HierarchyID: 0, Path: "/unified/path"},
	})
	markV2(t, r)
	writeFiles(t, filepath.Join(r.mountPoint, "unified/path"), map[string]string{
		"memory.max":     "2048",
		"memory.current": "512",
	})

	mem, err := r.Memory()
	require.NoError(t, err)
	require.Equal(t, uint64(2048), mem.Limit)
}

func TestV2MissingControllerLine(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 3, Controllers: []string{"cpu"}, Path: "/x"},
	})
	markV2(t, r)

	_, err := r.Memory()
	require.ErrorIs(t, err, ErrControllerNotFound)
}

func TestV1Read(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 4, Controllers: []string{"cpu", "cpuacct"}, Path: "/other"},
		{HierarchyID: 5, Controllers: []string{"memory"}, Path: "/docker/abc"},
	})
	writeFiles(t, filepath.Join(r.mountPoint, "memory/docker/abc"), map[string]string{
		"memory.usage_in_bytes": "134217728\n",
		"memory.limit_in_bytes": "268435456\n",
	})

	mem, err := r.Memory()
	require.NoError(t, err)
	require.Equal(t, Memory{Usage: 134217728, Limit: 268435456}, mem)
}

func TestV1UnlimitedSentinel(t *testing.T) {
	sentinel := uint64(math.MaxInt64) / testPageSize * testPageSize

	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 5, Controllers: []string{"memory"}, Path: "/"},
	})
	writeFiles(t, filepath.Join(r.mountPoint, "memory"), map[string]string{
		"memory.usage_in_bytes": "64",
		"memory.limit_in_bytes": "9223372036854771712",
	})

	require.Equal(t, sentinel, r.v1Unlimited())

	mem, err := r.Memory()
	require.NoError(t, err)
	require.True(t, mem.Unlimited)
	require.Equal(t, uint64(64), mem.Usage)
}

func TestV1MissingMemoryController(t *testing.T) {
	r := newTestReader(t, []procfs.Cgroup{
		{HierarchyID: 4, Controllers: []string{"cpu"}, Path: "/other"},
	})

	_, err := r.Memory()
	require.ErrorIs(t, err, ErrControllerNotFound)
}

func TestReadValueParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.current")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))

	_, _, err := readValue(path)
	require.Error(t, err)
}
