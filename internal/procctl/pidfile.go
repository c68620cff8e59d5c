// Copyright 2024 The dlogd Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package procctl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultPidfile is where the daemon records its pid unless configured
// otherwise.
const DefaultPidfile = "/var/tmp/dlog.pid"

// WritePidfile records the current pid as decimal text at path,
// replacing any stale file.
func WritePidfile(path string) error {
	DeletePidfile(path)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("procctl: write pidfile %s: %w", path, err)
	}
	return nil
}

// DeletePidfile removes path if it exists.
func DeletePidfile(path string) {
	if _, err := os.Stat(path); err == nil {
		os.Remove(path)
	}
}

// ReadPidfile parses the pid recorded at path.
func ReadPidfile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return -1, fmt.Errorf("procctl: read pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return -1, fmt.Errorf("procctl: pidfile %s: %w", path, err)
	}
	return pid, nil
}
