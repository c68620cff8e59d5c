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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlogd/dlogd/internal/descriptor"
	"github.com/dlogd/dlogd/internal/ruletree"
	"github.com/dlogd/dlogd/internal/vars"
)

func varsStore() *vars.Store { return vars.New() }

const sampleYAML = `
listen-port: 4010
datetime-format: "%FT%T"
origins:
  - symbol: A
    kind: file-read
    path: /tmp/a.log
  - symbol: B
    kind: file-write
    path: /tmp/b.log
  - symbol: R
    kind: rotated-log
    path: /tmp/r.log
    rotate-size-bytes: 1048576
rules:
  - match: 'hello (\w+)'
    source: A
    then:
      - write:
          dest: B
          format: "%{1}"
  - melse: true
    then:
      - write:
          dest: R
          format: "%{s}: %{m}"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidateBuild(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	c.Rationalize(Overrides{})

	assert.Equal(t, 4010, c.ListenPort)
	assert.Equal(t, int64(1), c.FractsecDivider)
	assert.Equal(t, "INFO", string(c.Logging.Severity))

	origins := c.BuildOrigins()
	require.Len(t, origins, 3)
	assert.Equal(t, descriptor.FileRead, origins[0].Kind)
	assert.True(t, origins[0].SeekEndOnFirstOpen)
	assert.Equal(t, descriptor.RotatedLog, origins[2].Kind)
	assert.Equal(t, int64(1048576), origins[2].RotateThresholdBytes)

	root, err := BuildTree(c.Rules)
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, ruletree.NodeMatch, root.Kind)
	assert.Equal(t, "A", root.MatchSource)
	require.NotNil(t, root.Child)
	assert.Equal(t, ruletree.NodeWrite, root.Child.Kind)
	require.NotNil(t, root.Sibling)
	assert.Equal(t, ruletree.NodeMElse, root.Sibling.Kind)
}

func TestBuiltTreeRoutesSeedScenario(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	root, err := BuildTree(c.Rules)
	require.NoError(t, err)

	var got []string
	ctx := &ruletree.ExecContext{
		Vars:   varsStore(),
		Source: "A",
		Line:   "hello world\n",
		Write:  func(dest, line string) { got = append(got, dest+"="+line) },
	}
	ruletree.Eval(root, ctx, ruletree.ResFalse)
	require.Equal(t, []string{"B=world"}, got)
}

func TestCLIListenPortOverrideWins(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	c.Rationalize(Overrides{ListenPort: 9999})
	assert.Equal(t, 9999, c.ListenPort)
}

func TestValidateRejections(t *testing.T) {
	cases := []string{
		// duplicate symbol
		"origins:\n  - {symbol: A, kind: file-read, path: /x}\n  - {symbol: A, kind: file-write, path: /y}\n",
		// missing path
		"origins:\n  - {symbol: A, kind: file-read}\n",
		// rotated log without threshold
		"origins:\n  - {symbol: R, kind: rotated-log, path: /r}\n",
		// socket-write without host
		"origins:\n  - {symbol: S, kind: socket-write, port: 12}\n",
		// melse with no preceding match
		"rules:\n  - melse: true\n",
		// bad regex
		"rules:\n  - match: '('\n",
		// bad pattern escape
		"rules:\n  - matchall: true\n    then:\n      - write: {dest: B, format: '%{1x}'}\n",
	}
	for _, body := range cases {
		c, err := Load(writeConfig(t, body))
		require.NoError(t, err, body)
		assert.Error(t, c.Validate(), body)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	_, err := Load(writeConfig(t, "origins:\n  - {symbol: A, kind: teleport, path: /x}\n"))
	assert.Error(t, err)
}

func TestDumpTree(t *testing.T) {
	c, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	root, err := BuildTree(c.Rules)
	require.NoError(t, err)

	out := DumpTree(root)
	assert.Contains(t, out, "MATCH A")
	assert.Contains(t, out, "  WRITE B")
	assert.Contains(t, out, "ELSE")
}
