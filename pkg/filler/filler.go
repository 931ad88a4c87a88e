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

// Package filler runs the control loop that keeps the allocator on
// target until the configured deadline.
package filler

import (
	"context"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/steadybit/memfill/pkg/allocator"
	"github.com/steadybit/memfill/pkg/chunk"
	"github.com/steadybit/memfill/pkg/meminfo"
)

const (
	tickInterval   = 50 * time.Millisecond
	statusInterval = 5 * time.Second
)

// Filler updates the allocator once per tick and reports a status line
// at most every five seconds.
type Filler struct {
	logger    log.Logger
	allocator allocator.Allocator
	provider  meminfo.Provider
	pool      *chunk.Pool
	duration  time.Duration

	allocatedBytes prometheus.Gauge
	availableBytes prometheus.Gauge
	chunks         prometheus.Gauge
}

func New(
	logger log.Logger,
	reg prometheus.Registerer,
	alloc allocator.Allocator,
	provider meminfo.Provider,
	pool *chunk.Pool,
	duration time.Duration,
) *Filler {
	return &Filler{
		logger:    logger,
		allocator: alloc,
		provider:  provider,
		pool:      pool,
		duration:  duration,
		allocatedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "memfill_allocated_bytes",
			Help: "Bytes currently held by chunk processes.",
		}),
		availableBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "memfill_available_bytes",
			Help: "Available memory as seen by the configured source.",
		}),
		chunks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "memfill_chunks",
			Help: "Number of chunks in the pool, inert ones included.",
		}),
	}
}

// Run loops until the deadline or until ctx is cancelled, then drains
// the pool so every child exits deterministically.
func (f *Filler) Run(ctx context.Context) error {
	defer f.drain()

	deadline := time.Now().Add(f.duration)
	level.Info(f.logger).Log("msg", "filling memory", "duration", f.duration.String())

	var lastStatus time.Time
	for time.Now().Before(deadline) {
		if err := f.allocator.Update(); err != nil {
			level.Warn(f.logger).Log("msg", "allocation update failed", "err", err)
		}

		if time.Since(lastStatus) > statusInterval {
			f.logStatus()
			lastStatus = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tickInterval):
		}
	}

	return nil
}

func (f *Filler) drain() {
	freed := f.pool.Drain()
	level.Info(f.logger).Log("msg", "released all chunks", "freed", humanize.IBytes(freed))
}

func (f *Filler) logStatus() {
	mem, err := f.provider.MemInfo()
	if err != nil {
		level.Warn(f.logger).Log("msg", "failed to read memory info", "err", err)
		return
	}

	allocated := f.allocator.Allocated()
	f.allocatedBytes.Set(float64(allocated))
	f.availableBytes.Set(float64(mem.Available))
	f.chunks.Set(float64(f.pool.Len()))

	level.Info(f.logger).Log(
		"msg", "status",
		"available", humanize.IBytes(mem.Available),
		"available_percent", percent(mem.Available, mem.Total),
		"allocated", humanize.IBytes(allocated),
		"allocated_percent", percent(allocated, mem.Total),
	)
}

func percent(n, total uint64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}
