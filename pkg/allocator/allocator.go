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

// Package allocator drives a chunk pool toward a configured goal.
package allocator

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/steadybit/memfill/pkg/chunk"
	"github.com/steadybit/memfill/pkg/meminfo"
)

// Mode selects the allocation strategy.
type Mode string

const (
	// ModeAbsolute targets a fixed byte count.
	ModeAbsolute Mode = "absolute"
	// ModeUsage targets a fixed remaining-available floor, tracking
	// external consumers.
	ModeUsage Mode = "usage"
)

// Size is the configured amount of memory to fill, either as a byte
// count or as a percentage of total memory at startup.
type Size struct {
	Bytes     uint64
	Percent   uint64
	IsPercent bool
}

func (s Size) resolve(total uint64) uint64 {
	if s.IsPercent {
		return uint64(float64(total) * float64(s.Percent) / 100.0)
	}
	return s.Bytes
}

// Allocator is updated once per control-loop tick.
type Allocator interface {
	Update() error
	Allocated() uint64
}

// New builds the allocator for the given mode. The target is resolved
// against the provider once, at construction; it does not follow later
// changes of the total.
func New(logger log.Logger, mode Mode, size Size, provider meminfo.Provider, pool *chunk.Pool) (Allocator, error) {
	switch mode {
	case ModeAbsolute:
		return NewAbsolute(logger, size, provider, pool)
	case ModeUsage:
		return NewUsage(logger, size, provider, pool)
	default:
		return nil, fmt.Errorf("unknown allocation mode %q", mode)
	}
}

// Absolute resizes the pool to a fixed byte target on every tick.
type Absolute struct {
	target uint64
	pool   *chunk.Pool
}

func NewAbsolute(logger log.Logger, size Size, provider meminfo.Provider, pool *chunk.Pool) (*Absolute, error) {
	mem, err := provider.MemInfo()
	if err != nil {
		return nil, fmt.Errorf("read memory info: %w", err)
	}

	target := size.resolve(mem.Total)
	level.Info(logger).Log(
		"msg", "allocating fixed amount",
		"target", humanize.IBytes(target),
		"percent", percentOfTotal(float64(target), mem.Total),
	)

	return &Absolute{target: target, pool: pool}, nil
}

func (a *Absolute) Update() error {
	a.pool.Check()
	a.pool.Resize(a.target)
	return nil
}

func (a *Absolute) Allocated() uint64 {
	return a.pool.TotalSize()
}

// Usage allocates whatever keeps the available memory at a fixed floor,
// growing when others release memory and shrinking when they allocate.
type Usage struct {
	floor    int64
	provider meminfo.Provider
	pool     *chunk.Pool
}

func NewUsage(logger log.Logger, size Size, provider meminfo.Provider, pool *chunk.Pool) (*Usage, error) {
	mem, err := provider.MemInfo()
	if err != nil {
		return nil, fmt.Errorf("read memory info: %w", err)
	}

	// The floor may go negative when the requested fill exceeds the
	// total; the pool then grows until the OOM killer pushes back.
	floor := int64(mem.Total) - int64(size.resolve(mem.Total))
	level.Info(logger).Log(
		"msg", "allocating until availability floor",
		"floor", signedBytes(floor),
		"percent", percentOfTotal(float64(floor), mem.Total),
	)

	return &Usage{floor: floor, provider: provider, pool: pool}, nil
}

func (u *Usage) Update() error {
	mem, err := u.provider.MemInfo()
	if err != nil {
		return fmt.Errorf("read memory info: %w", err)
	}

	delta := int64(mem.Available) - u.floor
	u.pool.Check()
	u.pool.AdjustBy(delta)
	return nil
}

func (u *Usage) Allocated() uint64 {
	return u.pool.TotalSize()
}

func signedBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

func percentOfTotal(n float64, total uint64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(n / float64(total) * 100))
}
