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
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Hold is the child side of a Chunk: allocate size bytes, fault every
// page in, and park until SIGCONT arrives from the parent (or SIGTERM
// from the kernel when the parent dies, which terminates us outright).
//
// Filling the whole buffer makes the allocation resident rather than a
// bare virtual mapping; reading byte 0 back catches an uncommitted
// range without a full verify pass.
func Hold(logger log.Logger, size uint64) error {
	if size == 0 {
		return errors.New("chunk size must be positive")
	}

	// Installed before allocating so a wake-up can never be dropped;
	// buffered so a SIGCONT racing the fill below is not lost.
	park := make(chan os.Signal, 1)
	signal.Notify(park, unix.SIGCONT)

	// Allocation failure aborts the child with a non-zero exit; the
	// parent observes it on the next reap.
	buf := make([]byte, size)

	pattern := byte(rand.IntN(256))
	for i := range buf {
		buf[i] = pattern
	}
	if buf[0] != pattern {
		return fmt.Errorf("memory pattern mismatch at byte 0: got %#x, want %#x", buf[0], pattern)
	}

	level.Info(logger).Log("msg", "allocated", "pid", os.Getpid(), "size", humanize.IBytes(size))

	<-park

	runtime.KeepAlive(buf)
	return nil
}
