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

package buildinfo

import (
	"errors"
	"runtime/debug"
)

// BuildInfo describes the binary as recorded by the Go toolchain.
type BuildInfo struct {
	GoArch      string
	GoOS        string
	VCSRevision string
	VCSTime     string
	VCSModified bool
}

// Fetch reads the build information embedded in the running binary.
func Fetch() (*BuildInfo, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return nil, errors.New("build info is not embedded in the binary")
	}

	info := &BuildInfo{}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOS = setting.Value
		case "vcs.revision":
			info.VCSRevision = setting.Value
		case "vcs.time":
			info.VCSTime = setting.Value
		case "vcs.modified":
			info.VCSModified = setting.Value == "true"
		}
	}

	return info, nil
}
