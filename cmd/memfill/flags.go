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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/docker/go-units"
	"github.com/prometheus/common/model"

	"github.com/steadybit/memfill/pkg/allocator"
)

type flags struct {
	Fill  flagsFill  `cmd:"" default:"withargs" help:"Fill memory for a fixed duration."`
	Chunk flagsChunk `cmd:"" hidden:"" help:"Hold one memory chunk until signalled (internal)."`

	LogLevel string           `enum:"error,warn,info,debug" default:"info" help:"Log level."`
	Version  kong.VersionFlag `help:"Show application version."`
}

type flagsFill struct {
	Size      sizeFlag       `arg:"" help:"Memory to fill: <int>[K|M|G|T] bytes or <int>%% of total."`
	AllocMode string         `arg:"" enum:"absolute,usage" help:"Allocation mode: absolute targets a fixed amount, usage targets a remaining-available floor."`
	Duration  model.Duration `arg:"" help:"How long to hold the memory; suffixes s, m, h, d."`

	IgnoreCgroup bool   `help:"Compute total/usage from system meminfo instead of cgroup accounting."`
	HTTPAddress  string `default:"" help:"Serve metrics and pprof on this address while filling."`
}

type flagsChunk struct {
	Bytes uint64 `arg:"" help:"Chunk size in bytes."`
}

// sizeFlag parses either a binary-suffixed byte count ("512M") or a
// percentage of total memory ("80%").
type sizeFlag allocator.Size

func (s *sizeFlag) UnmarshalText(text []byte) error {
	in := strings.TrimSpace(string(text))

	if value, ok := strings.CutSuffix(in, "%"); ok {
		percent, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid percent size %q: %w", in, err)
		}
		*s = sizeFlag{Percent: percent, IsPercent: true}
		return nil
	}

	bytes, err := units.RAMInBytes(in)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", in, err)
	}
	if bytes < 0 {
		return fmt.Errorf("invalid size %q: must not be negative", in)
	}
	*s = sizeFlag{Bytes: uint64(bytes)}
	return nil
}

func (s sizeFlag) String() string {
	if s.IsPercent {
		return strconv.FormatUint(s.Percent, 10) + "%"
	}
	return units.BytesSize(float64(s.Bytes))
}
