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

// Package rotatelog holds the rename-and-reopen decision and naming
// logic behind rotated-log sinks: size-triggered rotation of a
// file-write descriptor's underlying path, with a timestamp suffix.
// lumberjack covers the same close-rename-reopen dance for dlogd's own
// diagnostic log file, but routed sinks need their fd owned by the
// descriptor state machine and rotation forcible by signal, so the
// sink-side naming and threshold check live here.
package rotatelog

import (
	"fmt"
	"os"
	"time"
)

// suffixLayout is ".%y%m%d.%H%M%S" as a Go reference-time layout.
const suffixLayout = ".060102.150405"

// Suffix formats the rotation timestamp suffix for t.
func Suffix(t time.Time) string {
	return t.Format(suffixLayout)
}

// ShouldRotate reports whether bytesWritten has crossed threshold. A
// non-positive threshold disables rotation entirely.
func ShouldRotate(bytesWritten, threshold int64) bool {
	return threshold > 0 && bytesWritten >= threshold
}

// RotatedPath returns the renamed path a rotation of path at time t
// produces.
func RotatedPath(path string, t time.Time) string {
	return path + Suffix(t)
}

// Rotate renames path to its timestamped backup name. It is a no-op
// returning ("", nil) if path does not currently exist (nothing to
// rotate yet — first activation before any write). The caller is
// responsible for reopening path through the common descriptor path,
// which recreates it for appending.
func Rotate(path string, now time.Time) (renamedTo string, err error) {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return "", nil
	}
	renamedTo = RotatedPath(path, now)
	if err := os.Rename(path, renamedTo); err != nil {
		return "", fmt.Errorf("rotatelog: rename %s -> %s: %w", path, renamedTo, err)
	}
	return renamedTo, nil
}
