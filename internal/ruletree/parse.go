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
	"fmt"
	"strconv"
	"strings"
)

// ParsePattern splits a raw template string into its segment chain.
// The escape grammar:
//
//	%{<number>} -> capture group of the enclosing MATCH
//	%{env:NAME} -> process environment variable (memoized on first use)
//	%{s}        -> source symbol
//	%{d}        -> date/time string per the configured format
//	%{m}        -> current log line, verbatim
//	%{t}        -> fractional second per the configured divider
//	%{T}        -> %{d}.%{t}
//	%{name}     -> rule variable
//
// Anything else between %{ and } is a syntax error, as is an unclosed
// brace. A string shorter than the smallest possible escape is taken
// verbatim without scanning.
func ParsePattern(raw string) (*Pattern, error) {
	if len(raw) < 4 {
		return Verbatim(raw), nil
	}

	var segs []*Segment
	left := raw
	for left != "" {
		start := strings.Index(left, "%{")
		if start < 0 {
			segs = append(segs, &Segment{Kind: SegVerbatim, Text: left})
			break
		}
		end := strings.IndexByte(left[start:], '}')
		if end < 0 {
			return nil, fmt.Errorf("ruletree: unclosed %%{ in pattern %q", raw)
		}
		end += start
		if start > 0 {
			segs = append(segs, &Segment{Kind: SegVerbatim, Text: left[:start]})
		}
		seg, err := segmentFromFormat(left[start+2 : end])
		if err != nil {
			return nil, fmt.Errorf("ruletree: pattern %q: %w", raw, err)
		}
		segs = append(segs, seg)
		left = left[end+1:]
	}
	return &Pattern{segments: segs}, nil
}

// segmentFromFormat classifies the text between %{ and }.
func segmentFromFormat(sym string) (*Segment, error) {
	if sym == "" {
		return nil, fmt.Errorf("empty %%{} escape")
	}
	if sym[0] >= '0' && sym[0] <= '9' {
		n, err := strconv.Atoi(sym)
		if err != nil {
			return nil, fmt.Errorf("bad capture group %q", sym)
		}
		return &Segment{Kind: SegCaptureGroup, N: n}, nil
	}
	if len(sym) == 1 && isAlpha(sym[0]) {
		switch sym[0] {
		case 's':
			return &Segment{Kind: SegSource}, nil
		case 'd':
			return &Segment{Kind: SegDatetime}, nil
		case 'm':
			return &Segment{Kind: SegLogLine}, nil
		case 't':
			return &Segment{Kind: SegFractSecond}, nil
		case 'T':
			return &Segment{Kind: SegDatetimeFract}, nil
		default:
			return nil, fmt.Errorf("unknown escape %%{%s}", sym)
		}
	}
	if strings.HasPrefix(sym, "env:") {
		return &Segment{Kind: SegEnv, Text: sym[4:]}, nil
	}
	return &Segment{Kind: SegVar, Text: sym}, nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
