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

// Package chunk holds memory in separate child processes so that each
// unit is individually reclaimable by the kernel's OOM killer.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const (
	// How long a freshly started child may take to park itself.
	parkDeadline = 5 * time.Second
	parkInterval = 50 * time.Millisecond

	selfExecutable = "/proc/self/exe"
)

// Holder is one releasable unit of held memory.
type Holder interface {
	// Size returns the held byte count, 0 once the holder is inert.
	Size() uint64
	// Check reaps the holder without blocking if it has died.
	Check()
	// Free releases the holder and returns the freed byte count.
	Free() uint64
}

// Chunk owns one child process that holds one contiguous buffer and
// sleeps until signalled. A Chunk with pid 0 is inert and holds nothing.
type Chunk struct {
	logger log.Logger
	size   uint64
	pid    int
}

// Spawner starts chunk processes by re-executing the running binary
// with the internal chunk subcommand.
type Spawner struct {
	logger     log.Logger
	executable string
	args       []string
}

func NewSpawner(logger log.Logger) *Spawner {
	return &Spawner{
		logger:     logger,
		executable: selfExecutable,
		args:       []string{"chunk"},
	}
}

// Spawn forks a child holding size bytes and waits until the child has
// faulted its buffer in and parked. Any failure is absorbed: the pool
// keeps trying on the next tick, so an inert Chunk is returned instead
// of an error.
func (s *Spawner) Spawn(size uint64) Holder {
	if size == 0 {
		return &Chunk{logger: s.logger}
	}

	args := append(slices.Clone(s.args), strconv.FormatUint(size, 10))
	cmd := exec.Command(s.executable, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The kernel delivers SIGTERM to the child when this process dies,
	// so chunks never outlive the controller.
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}

	if err := cmd.Start(); err != nil {
		level.Error(s.logger).Log("msg", "failed to start chunk process", "err", err)
		return &Chunk{logger: s.logger}
	}

	pid := cmd.Process.Pid
	if err := waitParked(pid); err != nil {
		level.Error(s.logger).Log("msg", "chunk process did not reach sleeping state", "pid", pid, "err", err)
		return &Chunk{logger: s.logger}
	}

	return &Chunk{logger: s.logger, size: size, pid: pid}
}

// waitParked polls the child's procfs state until it sleeps.
func waitParked(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), parkDeadline)
	defer cancel()

	return backoff.Retry(func() error {
		proc, err := procfs.NewProc(pid)
		if err != nil {
			return fmt.Errorf("open /proc/%d: %w", pid, err)
		}
		stat, err := proc.Stat()
		if err != nil {
			return fmt.Errorf("stat pid %d: %w", pid, err)
		}
		if stat.State != "S" {
			return fmt.Errorf("pid %d in unexpected state %q", pid, stat.State)
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(parkInterval), ctx))
}

func (c *Chunk) Size() uint64 {
	if c.pid == 0 {
		return 0
	}
	return c.size
}

// Check reaps the child if it exited or was killed, e.g. by the OOM
// killer. It never blocks.
func (c *Chunk) Check() {
	c.reap(unix.WNOHANG)
}

// Free wakes the parked child with SIGCONT and reaps it.
func (c *Chunk) Free() uint64 {
	if c.pid == 0 {
		return 0
	}
	if err := unix.Kill(c.pid, unix.SIGCONT); err != nil {
		level.Warn(c.logger).Log("msg", "failed to signal chunk process", "pid", c.pid, "err", err)
	}
	c.reap(0)
	return c.size
}

func (c *Chunk) reap(options int) {
	if c.pid == 0 {
		return
	}

	var status unix.WaitStatus
	pid, err := unix.Wait4(c.pid, &status, options, nil)
	for errors.Is(err, unix.EINTR) {
		pid, err = unix.Wait4(c.pid, &status, options, nil)
	}

	switch {
	case errors.Is(err, unix.ECHILD):
		c.pid = 0
	case err != nil:
		level.Warn(c.logger).Log("msg", "failed to wait for chunk process", "pid", c.pid, "err", err)
		c.pid = 0
	case pid == 0:
		// Still parked.
	case status.Exited():
		level.Info(c.logger).Log("msg", "chunk process exited", "pid", pid, "code", status.ExitStatus(), "deallocated", humanize.IBytes(c.size))
		c.pid = 0
	case status.Signaled():
		level.Info(c.logger).Log("msg", "chunk process killed", "pid", pid, "signal", unix.SignalName(status.Signal()), "deallocated", humanize.IBytes(c.size))
		c.pid = 0
	}
}
