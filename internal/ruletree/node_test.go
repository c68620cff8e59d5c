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
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dlogd/dlogd/internal/vars"
)

// link wires a parent to an ordered sibling chain of children, returning
// the parent for chaining.
func link(parent *Node, children ...*Node) *Node {
	var prev *Node
	for _, c := range children {
		c.Parent = parent
		if prev == nil {
			parent.Child = c
		} else {
			prev.Sibling = c
		}
		prev = c
	}
	return parent
}

func sibs(nodes ...*Node) *Node {
	for i := 0; i < len(nodes)-1; i++ {
		nodes[i].Sibling = nodes[i+1]
	}
	return nodes[0]
}

func mustPattern(t *testing.T, raw string) *Pattern {
	t.Helper()
	p, err := ParsePattern(raw)
	require.NoError(t, err)
	return p
}

type writeRec struct {
	dest, line string
}

func evalLine(t *testing.T, root *Node, line string) (writes []writeRec, st *vars.Store) {
	t.Helper()
	st = vars.New()
	ctx := &ExecContext{
		Vars:   st,
		Source: "A",
		Line:   line,
		Write: func(dest, l string) {
			writes = append(writes, writeRec{dest, l})
		},
	}
	Eval(root, ctx, ResFalse)
	return writes, st
}

func TestMatchCapturesFeedWrite(t *testing.T) {
	root := link(
		&Node{Kind: NodeMatch, MatchRegex: regexp.MustCompile(`hello (\w+)`)},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: mustPattern(t, "%{1}")},
	)

	writes, _ := evalLine(t, root, "hello world\n")
	require.Len(t, writes, 1)
	assert.Equal(t, writeRec{"B", "world"}, writes[0])
}

func TestMatchMissRunsNoChild(t *testing.T) {
	root := link(
		&Node{Kind: NodeMatch, MatchRegex: regexp.MustCompile(`nope`)},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("x")},
	)

	writes, _ := evalLine(t, root, "hello world\n")
	assert.Empty(t, writes)
}

func TestMElseTakenOnlyOnPriorFalse(t *testing.T) {
	miss := link(
		&Node{Kind: NodeMatch, MatchRegex: regexp.MustCompile(`nope`)},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("matched")},
	)
	els := link(
		&Node{Kind: NodeMElse},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("else")},
	)
	root := sibs(miss, els)

	writes, _ := evalLine(t, root, "hello world\n")
	require.Len(t, writes, 1)
	assert.Equal(t, "else", writes[0].line)

	// When the MATCH hits, the MELSE branch must not run.
	hit := link(
		&Node{Kind: NodeMatch, MatchRegex: regexp.MustCompile(`hello`)},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("matched")},
	)
	els2 := link(
		&Node{Kind: NodeMElse},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("else")},
	)
	writes, _ = evalLine(t, sibs(hit, els2), "hello world\n")
	require.Len(t, writes, 1)
	assert.Equal(t, "matched", writes[0].line)
}

func TestBreakCancelsRestOfItsBlock(t *testing.T) {
	inner := link(
		&Node{Kind: NodeMatchAll},
		sibs(
			&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("before")},
			&Node{Kind: NodeBreak},
			&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("after")},
		),
	)
	outer := &Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("outer")}
	root := sibs(inner, outer)

	writes, _ := evalLine(t, root, "x\n")
	require.Len(t, writes, 2)
	assert.Equal(t, "before", writes[0].line)
	// The break cancelled "after" but stayed inside its block: the
	// matchall's own sibling still runs.
	assert.Equal(t, "outer", writes[1].line)
}

func TestBreakAtBlockHeadSkipsOwnersSibling(t *testing.T) {
	blocked := link(
		&Node{Kind: NodeMatchAll},
		&Node{Kind: NodeBreak},
	)
	skipped := &Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("skipped")}
	root := sibs(blocked, skipped)

	writes, _ := evalLine(t, root, "x\n")
	assert.Empty(t, writes)
}

func TestAssignVisibleToLaterWrite(t *testing.T) {
	root := sibs(
		&Node{Kind: NodeAssign, AssignVar: "who", AssignPattern: mustPattern(t, "ops-%{s}")},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: mustPattern(t, "hi %{who}")},
	)

	writes, st := evalLine(t, root, "x\n")
	require.Len(t, writes, 1)
	assert.Equal(t, "hi ops-A", writes[0].line)
	assert.Equal(t, "ops-A", st.Get("who"))
}

func TestNestedMatchUsesNearestFrame(t *testing.T) {
	inner := link(
		&Node{Kind: NodeMatch, MatchRegex: regexp.MustCompile(`(world)`)},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: mustPattern(t, "%{1}")},
	)
	root := link(
		&Node{Kind: NodeMatch, MatchRegex: regexp.MustCompile(`(hello)`)},
		sibs(inner, &Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: mustPattern(t, "%{1}")}),
	)

	writes, _ := evalLine(t, root, "hello world\n")
	require.Len(t, writes, 2)
	// Inside the inner MATCH, %{1} is the inner frame's group; after the
	// inner block exits its frame is popped and the outer group is
	// visible again.
	assert.Equal(t, "world", writes[0].line)
	assert.Equal(t, "hello", writes[1].line)
}

func TestMatchSourceFilter(t *testing.T) {
	root := link(
		&Node{Kind: NodeMatch, MatchSource: "OTHER", MatchRegex: regexp.MustCompile(`hello`)},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("x")},
	)
	writes, _ := evalLine(t, root, "hello world\n")
	assert.Empty(t, writes)

	root = link(
		&Node{Kind: NodeMatchAll, MatchSource: "A"},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: Verbatim("x")},
	)
	writes, _ = evalLine(t, root, "hello world\n")
	assert.Len(t, writes, 1)
}

func TestMatchRegexFromVariable(t *testing.T) {
	// A non-verbatim regex template is resolved and compiled per line.
	root := sibs(
		&Node{Kind: NodeAssign, AssignVar: "pat", AssignPattern: Verbatim(`hello (\w+)`)},
		link(
			&Node{Kind: NodeMatch, MatchPattern: mustPattern(t, "%{pat}")},
			&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: mustPattern(t, "%{1}")},
		),
	)
	writes, _ := evalLine(t, root, "hello world\n")
	require.Len(t, writes, 1)
	assert.Equal(t, "world", writes[0].line)
}

func TestMatchAllGatesOnNothing(t *testing.T) {
	root := link(
		&Node{Kind: NodeMatchAll},
		&Node{Kind: NodeWrite, WriteDest: Verbatim("B"), WriteFormat: mustPattern(t, "%{m}")},
	)
	writes, _ := evalLine(t, root, "anything\n")
	require.Len(t, writes, 1)
	assert.Equal(t, "anything\n", writes[0].line)
}
