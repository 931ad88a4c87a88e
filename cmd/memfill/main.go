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

// memfill allocates and holds a controlled amount of memory in killable
// child processes, for validating OOM behavior, eviction policies,
// autoscaler reactions and cgroup limits.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"

	"github.com/steadybit/memfill/pkg/allocator"
	"github.com/steadybit/memfill/pkg/buildinfo"
	"github.com/steadybit/memfill/pkg/chunk"
	"github.com/steadybit/memfill/pkg/filler"
	"github.com/steadybit/memfill/pkg/logger"
	"github.com/steadybit/memfill/pkg/meminfo"
	"github.com/steadybit/memfill/pkg/oomscore"
)

// Set on build.
var version = "dev"

func main() {
	flags := flags{}
	ctx := kong.Parse(&flags,
		kong.Name("memfill"),
		kong.Description("Fills memory with killable chunk processes for a fixed duration."),
		kong.Vars{"version": version},
	)

	logger := logger.NewLogger(flags.LogLevel, logger.LogFormatLogfmt, "memfill")

	var err error
	if strings.HasPrefix(ctx.Command(), "chunk ") {
		err = chunk.Hold(logger, flags.Chunk.Bytes)
	} else {
		err = run(logger, flags.Fill)
	}
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, flags flagsFill) error {
	if info, err := buildinfo.Fetch(); err == nil {
		level.Debug(logger).Log("msg", "starting", "version", version, "revision", info.VCSRevision, "arch", info.GoArch)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	// Bias the OOM killer away from the controller; its children stay
	// at the default score and remain the preferred victims.
	if err := oomscore.Set(oomscore.Preferred()); err != nil {
		level.Warn(logger).Log("msg", "failed to adjust OOM score", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		provider meminfo.Provider
		err      error
	)
	if flags.IgnoreCgroup {
		provider, err = meminfo.NewSystem()
	} else {
		provider, err = meminfo.NewCgroup()
	}
	if err != nil {
		return fmt.Errorf("initialize memory info source: %w", err)
	}

	spawner := chunk.NewSpawner(logger)
	pool := chunk.NewPool(logger, reg, spawner.Spawn)

	alloc, err := allocator.New(logger, allocator.Mode(flags.AllocMode), allocator.Size(flags.Size), provider, pool)
	if err != nil {
		return err
	}

	f := filler.New(logger, reg, alloc, provider, pool, time.Duration(flags.Duration))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g okrun.Group
	g.Add(func() error {
		return f.Run(ctx)
	}, func(error) {
		cancel()
	})

	if flags.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server := &http.Server{Addr: flags.HTTPAddress, Handler: mux}
		g.Add(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", flags.HTTPAddress)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		})
	}

	g.Add(okrun.SignalHandler(ctx, unix.SIGINT, unix.SIGTERM))

	if err := g.Run(); err != nil {
		var signalErr okrun.SignalError
		if errors.As(err, &signalErr) {
			level.Info(logger).Log("msg", "terminated", "signal", signalErr.Signal.String())
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
