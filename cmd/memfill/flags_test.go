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
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func TestSizeFlagUnmarshal(t *testing.T) {
	tests := []struct {
		input   string
		want    sizeFlag
		wantErr bool
	}{
		{input: "100", want: sizeFlag{Bytes: 100}},
		{input: "1K", want: sizeFlag{Bytes: 1024}},
		{input: "100M", want: sizeFlag{Bytes: 100 * 1024 * 1024}},
		{input: "2G", want: sizeFlag{Bytes: 2 * 1024 * 1024 * 1024}},
		{input: "50%", want: sizeFlag{Percent: 50, IsPercent: true}},
		{input: "150%", want: sizeFlag{Percent: 150, IsPercent: true}},
		{input: " 1M ", want: sizeFlag{Bytes: 1024 * 1024}},
		{input: "abc", wantErr: true},
		{input: "%", wantErr: true},
		{input: "-1", wantErr: true},
		{input: "-5%", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var got sizeFlag
			err := got.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSizeFlagString(t *testing.T) {
	require.Equal(t, "80%", sizeFlag{Percent: 80, IsPercent: true}.String())
	require.Equal(t, "1KiB", sizeFlag{Bytes: 1024}.String())
}

func TestParseFillArguments(t *testing.T) {
	flags := flags{}
	parser, err := kong.New(&flags, kong.Vars{"version": "test"})
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{"fill", "512M", "absolute", "30s"})
	require.NoError(t, err)
	require.Equal(t, "fill <size> <alloc-mode> <duration>", ctx.Command())
	require.Equal(t, uint64(512*1024*1024), flags.Fill.Size.Bytes)
	require.Equal(t, "absolute", flags.Fill.AllocMode)
	require.Equal(t, 30*time.Second, time.Duration(flags.Fill.Duration))
	require.False(t, flags.Fill.IgnoreCgroup)
}

func TestParseFillIsDefaultCommand(t *testing.T) {
	flags := flags{}
	parser, err := kong.New(&flags, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"80%", "usage", "2d", "--ignore-cgroup"})
	require.NoError(t, err)
	require.True(t, flags.Fill.Size.IsPercent)
	require.Equal(t, uint64(80), flags.Fill.Size.Percent)
	require.Equal(t, "usage", flags.Fill.AllocMode)
	require.Equal(t, 48*time.Hour, time.Duration(flags.Fill.Duration))
	require.True(t, flags.Fill.IgnoreCgroup)
}

func TestParseRejectsUnknownMode(t *testing.T) {
	flags := flags{}
	parser, err := kong.New(&flags, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"512M", "relative", "30s"})
	require.Error(t, err)
}

func TestParseChunkCommand(t *testing.T) {
	flags := flags{}
	parser, err := kong.New(&flags, kong.Vars{"version": "test"})
	require.NoError(t, err)

	ctx, err := parser.Parse([]string{"chunk", "1048576"})
	require.NoError(t, err)
	require.Equal(t, "chunk <bytes>", ctx.Command())
	require.Equal(t, uint64(1048576), flags.Chunk.Bytes)
}
