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

package ruletree

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlogd/dlogd/internal/vars"
)

func newCtx() *ExecContext {
	return &ExecContext{
		Vars:     vars.New(),
		Source:   "A",
		Line:     "hello world\n",
		Datetime: "2024-01-02T03:04:05",
		FractSec: 123,
	}
}

func TestParsePatternShortStringIsVerbatim(t *testing.T) {
	// Shorter than the smallest possible escape: never scanned, even
	// when it contains what would otherwise be a syntax error.
	p, err := ParsePattern("%{")
	require.NoError(t, err)
	out, ok := p.Resolve(newCtx())
	require.True(t, ok)
	assert.Equal(t, "%{", out)
}

func TestParsePatternVerbatimAndEscapes(t *testing.T) {
	p, err := ParsePattern("src=%{s} line=%{m}")
	require.NoError(t, err)
	out, ok := p.Resolve(newCtx())
	require.True(t, ok)
	assert.Equal(t, "src=A line=hello world\n", out)
}

func TestParsePatternCaptureGroup(t *testing.T) {
	p, err := ParsePattern("%{1}")
	require.NoError(t, err)

	ctx := newCtx()
	ctx.pushMatch([]string{"hello world", "world"})
	out, ok := p.Resolve(ctx)
	require.True(t, ok)
	assert.Equal(t, "world", out)

	// Outside any MATCH frame the group resolves to empty.
	out, ok = p.Resolve(newCtx())
	require.True(t, ok)
	assert.Equal(t, "", out)
}

func TestParsePatternVariable(t *testing.T) {
	p, err := ParsePattern("v=%{myvar}")
	require.NoError(t, err)
	ctx := newCtx()
	ctx.Vars.Set("myvar", "42")
	out, ok := p.Resolve(ctx)
	require.True(t, ok)
	assert.Equal(t, "v=42", out)
}

func TestParsePatternDatetimeFract(t *testing.T) {
	p, err := ParsePattern("%{T}")
	require.NoError(t, err)
	out, ok := p.Resolve(newCtx())
	require.True(t, ok)
	assert.Equal(t, "2024-01-02T03:04:05.123", out)
}

func TestEnvSegmentMemoizesFirstResolution(t *testing.T) {
	const key = "DLOGD_PATTERN_TEST_ENV"
	os.Setenv(key, "first")
	defer os.Unsetenv(key)

	p, err := ParsePattern("%{env:" + key + "}")
	require.NoError(t, err)

	out, ok := p.Resolve(newCtx())
	require.True(t, ok)
	assert.Equal(t, "first", out)

	// The segment has been promoted to VERBATIM: later environment
	// changes are not observed.
	os.Setenv(key, "second")
	out, ok = p.Resolve(newCtx())
	require.True(t, ok)
	assert.Equal(t, "first", out)
}

func TestParsePatternSyntaxErrors(t *testing.T) {
	_, err := ParsePattern("oops %{unclosed")
	assert.Error(t, err)

	_, err = ParsePattern("bad %{1x} group")
	assert.Error(t, err)

	_, err = ParsePattern("bad %{q} escape")
	assert.Error(t, err)

	_, err = ParsePattern("bad %{} empty")
	assert.Error(t, err)
}
