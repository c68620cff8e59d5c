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

// Package ruletree holds the rule tree: tagged statement nodes, the
// interpolation patterns they carry, and the recursive per-line
// evaluator with its MATCH/MATCHALL/MELSE match-frame bookkeeping.
package ruletree

import (
	"regexp"

	"github.com/dlogd/dlogd/internal/vars"
)

// EvalResult is a node's outcome; it determines whether the node's
// child is entered and whether BREAK/ERROR should stop unwinding at
// this block.
type EvalResult int

const (
	ResFalse EvalResult = iota
	ResTrue
	ResBreak
	ResError
)

// MatchFrame is a capture-group snapshot pushed by a MATCH node for the
// duration of its subtree, and popped again once that subtree has
// finished evaluating, before the node's siblings (a MELSE among them)
// run. Groups[0] is the whole
// match, mirroring regexp.FindStringSubmatch.
type MatchFrame struct {
	Groups []string
	prev   *MatchFrame
}

// ExecContext carries everything a single line's rule-tree evaluation
// needs: the process-wide variable store, the currently active capture
// group frame (nil outside any MATCH subtree), and the per-line
// metadata the pattern segments interpolate from.
type ExecContext struct {
	Vars     *vars.Store
	Match    *MatchFrame
	Source   string
	Line     string
	Datetime string
	FractSec int64

	// Write is called by WRITE nodes with the resolved destination
	// symbol and the resolved output line.
	Write func(dest, line string)
}

func (ctx *ExecContext) pushMatch(groups []string) {
	ctx.Match = &MatchFrame{Groups: groups, prev: ctx.Match}
}

func (ctx *ExecContext) popMatch() {
	if ctx.Match != nil {
		ctx.Match = ctx.Match.prev
	}
}

// NodeKind tags a rule tree node's variant.
type NodeKind int

const (
	NodePassthrough NodeKind = iota
	NodeAssign
	NodeBreak
	NodeMatch
	NodeMatchAll
	NodeMElse
	NodeWrite
)

// Node is one rule tree node. Only the fields relevant to Kind are
// populated; the tree shape (Child/Sibling/Parent) is shared across all
// kinds.
type Node struct {
	Kind    NodeKind
	Child   *Node
	Sibling *Node
	Parent  *Node

	// NodeAssign
	AssignVar     string
	AssignPattern *Pattern

	// NodeMatch. MatchPattern is the regex template, resolved against
	// the context before compiling (so it may reference variables);
	// MatchRegex caches the compiled form when the template is fully
	// verbatim. MatchTarget is what the regex runs against, defaulting
	// to the current log line when nil.
	MatchPattern *Pattern
	MatchRegex   *regexp.Regexp
	MatchTarget  *Pattern

	// MatchSource gates MATCH and MATCHALL on the line's source symbol;
	// "" accepts every source.
	MatchSource string

	// NodeWrite
	WriteDest   *Pattern
	WriteFormat *Pattern
}

// Eval runs the subtree rooted at n, given the result of the node
// immediately preceding n at its own sibling level (used by MELSE). A
// node's child is only entered when the node itself evaluates TRUE. A
// node evaluating to BREAK or ERROR stops its own sibling chain right
// there; the caller one level up sees only the block head's result, so
// a break does not escape the block it appears in. Eval always returns
// n's own result, never a sibling's.
func Eval(n *Node, ctx *ExecContext, prevRes EvalResult) EvalResult {
	if n == nil {
		return ResFalse
	}

	res := evalSelf(n, ctx, prevRes)

	if res == ResBreak || res == ResError {
		runCleanup(n, ctx, res)
		return res
	}

	if res == ResTrue && n.Child != nil {
		childRes := Eval(n.Child, ctx, ResFalse)
		runCleanup(n, ctx, res)
		if childRes == ResBreak || childRes == ResError {
			// The block opened with BREAK/ERROR: stop here, skipping
			// our own sibling, but report our own result so the break
			// goes no further.
			return res
		}
	} else {
		runCleanup(n, ctx, res)
	}

	if n.Sibling != nil {
		Eval(n.Sibling, ctx, res)
	}

	return res
}

// evalSelf computes a node's own result without touching its child or
// sibling.
func evalSelf(n *Node, ctx *ExecContext, prevRes EvalResult) EvalResult {
	switch n.Kind {
	case NodePassthrough:
		return ResTrue

	case NodeBreak:
		return ResBreak

	case NodeAssign:
		val, ok := n.AssignPattern.Resolve(ctx)
		if !ok {
			return ResError
		}
		ctx.Vars.Set(n.AssignVar, val)
		return ResTrue

	case NodeMatch:
		if n.MatchSource != "" && n.MatchSource != ctx.Source {
			return ResFalse
		}
		re := n.MatchRegex
		if re == nil {
			if n.MatchPattern == nil {
				return ResError
			}
			expr, ok := n.MatchPattern.Resolve(ctx)
			if !ok {
				return ResError
			}
			var err error
			re, err = regexp.Compile(expr)
			if err != nil {
				return ResError
			}
		}
		target := ctx.Line
		if n.MatchTarget != nil {
			t, ok := n.MatchTarget.Resolve(ctx)
			if !ok {
				return ResError
			}
			target = t
		}
		groups := re.FindStringSubmatch(target)
		if groups == nil {
			return ResFalse
		}
		ctx.pushMatch(groups)
		return ResTrue

	case NodeMatchAll:
		// MATCHALL carries no capture groups; it only gates on the
		// source filter.
		if n.MatchSource != "" && n.MatchSource != ctx.Source {
			return ResFalse
		}
		return ResTrue

	case NodeMElse:
		if prevRes == ResFalse {
			return ResTrue
		}
		return ResFalse

	case NodeWrite:
		dest, ok := n.WriteDest.Resolve(ctx)
		if !ok {
			return ResError
		}
		line, ok := n.WriteFormat.Resolve(ctx)
		if !ok {
			return ResError
		}
		if ctx.Write != nil {
			ctx.Write(dest, line)
		}
		return ResTrue

	default:
		return ResError
	}
}

// runCleanup releases any per-node resource acquired by evalSelf. Only
// a MATCH that evaluated TRUE pushed a frame that needs popping.
func runCleanup(n *Node, ctx *ExecContext, res EvalResult) {
	if n.Kind == NodeMatch && res == ResTrue {
		ctx.popMatch()
	}
}
