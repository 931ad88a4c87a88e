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

// Package oomscore adjusts the kernel OOM killer preference of the
// calling process through /proc/self/oom_score_adj.
package oomscore

import (
	"fmt"
	"os"
	"strconv"
)

const scorePath = "/proc/self/oom_score_adj"

// Preferred returns the score for the controller process. Exempting a
// process entirely requires privileges, so unprivileged runs keep the
// kernel default.
func Preferred() int {
	if os.Getuid() == 0 || os.Geteuid() == 0 {
		return -1000
	}
	return 0
}

// Set writes the given score for the current process.
func Set(score int) error {
	if err := os.WriteFile(scorePath, []byte(strconv.Itoa(score)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", scorePath, err)
	}
	return nil
}
