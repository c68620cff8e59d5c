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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlog.pid")

	require.NoError(t, WritePidfile(path))
	pid, err := ReadPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	DeletePidfile(path)
	_, err = ReadPidfile(path)
	assert.Error(t, err)
}

func TestWritePidfileReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlog.pid")
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0o644))

	require.NoError(t, WritePidfile(path))
	pid, err := ReadPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestSaveCmdAppendsRestartFlagOnce(t *testing.T) {
	c := SaveCmd()
	count := 0
	for _, a := range c.Argv {
		if a == RestartChildFlag {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Saving again from an argv that already carries -x must not
	// duplicate it.
	oldArgs := os.Args
	os.Args = c.Argv
	defer func() { os.Args = oldArgs }()
	c2 := SaveCmd()
	count = 0
	for _, a := range c2.Argv {
		if a == RestartChildFlag {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestFlagsTakeSemantics(t *testing.T) {
	f := &Flags{}
	f.RequestShutdown()
	assert.True(t, f.Delivered())
	assert.False(t, f.Delivered())
	assert.True(t, f.TakeShutdown())
	assert.False(t, f.TakeShutdown())
	assert.False(t, f.TakeRestart())
	assert.False(t, f.TakeRotate())
}
