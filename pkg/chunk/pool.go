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

package chunk

import (
	"time"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Adjustments below both thresholds are damped to keep the usage
	// strategy from thrashing under near-stable availability.
	guardWindow    = time.Second
	guardThreshold = 2 * units.MiB

	// Allocations below this are served by a single chunk.
	growSplitThreshold = 16 * units.MiB
	// Above, one chunk per GiB (at least two) so OOM kills free memory
	// in reasonable increments without thousands of tiny processes.
	maxChunkSpan = units.GiB
)

// SpawnFunc starts a new holder of the requested size. It must not
// fail: on error it returns an inert holder of size 0.
type SpawnFunc func(size uint64) Holder

// Pool is an ordered set of holders driven toward a byte target.
// Shrinking releases the most recently added holders first; holders are
// never resized in place.
type Pool struct {
	logger log.Logger
	spawn  SpawnFunc

	chunks     []Holder
	lastAdjust time.Time
	now        func() time.Time

	spawned  prometheus.Counter
	released prometheus.Counter
}

// PoolOption adjusts a Pool at construction.
type PoolOption func(*Pool)

// WithNowFunc replaces the rate-limit clock source.
func WithNowFunc(now func() time.Time) PoolOption {
	return func(p *Pool) {
		p.now = now
	}
}

func NewPool(logger log.Logger, reg prometheus.Registerer, spawn SpawnFunc, options ...PoolOption) *Pool {
	p := &Pool{
		logger: logger,
		spawn:  spawn,
		now:    time.Now,
		spawned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memfill_chunks_spawned_total",
			Help: "Total number of chunk processes started.",
		}),
		released: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "memfill_chunks_released_total",
			Help: "Total number of chunks released during shrink or drain.",
		}),
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// TotalSize is the sum of all live holder sizes.
func (p *Pool) TotalSize() uint64 {
	var total uint64
	for _, c := range p.chunks {
		total += c.Size()
	}
	return total
}

// Len is the number of holders in the pool, inert ones included.
func (p *Pool) Len() int {
	return len(p.chunks)
}

// Check reaps dead holders without blocking.
func (p *Pool) Check() {
	for _, c := range p.chunks {
		c.Check()
	}
}

// Resize adjusts the pool toward an absolute byte target.
func (p *Pool) Resize(target uint64) {
	p.AdjustBy(int64(target) - int64(p.TotalSize()))
}

// AdjustBy grows (positive delta) or shrinks (negative delta) the pool.
// The rate-limit clock only advances when the pool actually changed, so
// a permitted-but-empty adjustment cannot stall later ones.
func (p *Pool) AdjustBy(delta int64) {
	if p.now().Sub(p.lastAdjust) < guardWindow && delta < guardThreshold {
		return
	}

	changed := false

	var freed int64
	for freed < -delta {
		n := len(p.chunks)
		if n == 0 {
			break
		}
		c := p.chunks[n-1]
		p.chunks = p.chunks[:n-1]
		freed += int64(c.Free())
		p.released.Inc()
		changed = true
	}

	if allocate := freed + delta; allocate > 0 {
		count := int64(1)
		if allocate >= growSplitThreshold {
			count = max(2, allocate/maxChunkSpan)
		}
		for i := int64(0); i < count; i++ {
			p.chunks = append(p.chunks, p.spawn(uint64(allocate/count)))
			p.spawned.Inc()
		}
		changed = true
	}

	if changed {
		p.lastAdjust = p.now()
	}
}

// Drain releases every holder, newest first, and returns the freed byte
// count. Used for deterministic shutdown; the parent-death signal
// remains the backstop.
func (p *Pool) Drain() uint64 {
	var freed uint64
	for n := len(p.chunks); n > 0; n = len(p.chunks) {
		c := p.chunks[n-1]
		p.chunks = p.chunks[:n-1]
		freed += c.Free()
		p.released.Inc()
	}
	if freed > 0 {
		level.Debug(p.logger).Log("msg", "drained pool", "freed", humanize.IBytes(freed))
	}
	return freed
}
