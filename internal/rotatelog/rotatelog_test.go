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

package rotatelog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRotate(t *testing.T) {
	assert.False(t, ShouldRotate(100, 0))
	assert.False(t, ShouldRotate(99, 100))
	assert.True(t, ShouldRotate(100, 100))
	assert.True(t, ShouldRotate(150, 100))
}

func TestSuffixLayout(t *testing.T) {
	ts := time.Date(2026, time.July, 29, 13, 5, 9, 0, time.UTC)
	assert.Equal(t, ".260729.130509", Suffix(ts))
}

func TestRotateRenamesAndIsIdempotentWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	ts := time.Date(2026, time.July, 29, 13, 5, 9, 0, time.UTC)
	renamed, err := Rotate(path, ts)
	require.NoError(t, err)
	assert.Equal(t, path+".260729.130509", renamed)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(renamed)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// Rotating again with nothing at path is a no-op, not an error.
	renamed2, err := Rotate(path, ts)
	require.NoError(t, err)
	assert.Equal(t, "", renamed2)
}
