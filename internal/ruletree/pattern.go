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

// Pattern templates: the string-interpolation language rule nodes use
// for regex templates, write formats, and assignment values.
package ruletree

import "os"

// SegmentKind tags a pattern segment's variant.
type SegmentKind int

const (
	SegVerbatim SegmentKind = iota
	SegVar
	SegEnv
	SegCaptureGroup
	SegDatetime
	SegFractSecond
	SegDatetimeFract
	SegSource
	SegLogLine
)

// Segment is one element of a Pattern's segment chain. Env segments
// mutate themselves into Verbatim after their first resolution, so
// Pattern holds pointers rather than values.
type Segment struct {
	Kind SegmentKind
	Text string // VERBATIM payload, or VAR/ENV name
	N    int    // CAPTURE_GROUP index
}

// Pattern is a parsed interpolation template: an ordered chain of
// segments consumed by Resolve against an execution context.
type Pattern struct {
	segments []*Segment
}

// Verbatim builds a Pattern that resolves to a fixed string, useful for
// config-supplied literals that need no interpolation.
func Verbatim(s string) *Pattern {
	return &Pattern{segments: []*Segment{{Kind: SegVerbatim, Text: s}}}
}

// NewPattern builds a Pattern from already-parsed segments.
func NewPattern(segs ...*Segment) *Pattern {
	return &Pattern{segments: segs}
}

// VerbatimOnly reports whether the pattern contains no interpolation at
// all, returning its fixed text when so. Used by the rule builder to
// precompile regexes whose template never changes.
func (p *Pattern) VerbatimOnly() (string, bool) {
	var out []byte
	for _, seg := range p.segments {
		if seg.Kind != SegVerbatim {
			return "", false
		}
		out = append(out, seg.Text...)
	}
	return string(out), true
}

// Resolve interpolates the pattern against ctx, returning the rendered
// string. It returns ok=false only when a segment is structurally
// invalid (a zero-value Segment never produced by the parser), which
// the evaluator surfaces as a rule error for that line.
func (p *Pattern) Resolve(ctx *ExecContext) (string, bool) {
	var out []byte
	for _, seg := range p.segments {
		switch seg.Kind {
		case SegVerbatim:
			out = append(out, seg.Text...)
		case SegVar:
			out = append(out, ctx.Vars.Get(seg.Text)...)
		case SegEnv:
			val := os.Getenv(seg.Text)
			seg.Kind = SegVerbatim
			seg.Text = val
			out = append(out, val...)
		case SegCaptureGroup:
			if ctx.Match != nil && seg.N < len(ctx.Match.Groups) {
				out = append(out, ctx.Match.Groups[seg.N]...)
			}
		case SegDatetime:
			out = append(out, ctx.Datetime...)
		case SegSource:
			out = append(out, ctx.Source...)
		case SegLogLine:
			out = append(out, ctx.Line...)
		case SegFractSecond:
			out = appendInt(out, ctx.FractSec)
		case SegDatetimeFract:
			out = append(out, ctx.Datetime...)
			out = append(out, '.')
			out = appendInt(out, ctx.FractSec)
		default:
			return "", false
		}
	}
	return string(out), true
}

func appendInt(dst []byte, v int64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		tmp[i] = '-'
	}
	return append(dst, tmp[i:]...)
}
