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
	"fmt"
	"regexp"
	"strings"

	"github.com/dlogd/dlogd/internal/ruletree"
)

// RuleSpec is one rule-tree statement as it appears in YAML. Exactly
// one directive field (match / matchall / melse / assign / write /
// break / pass) may be set; a nested block hangs off then.
type RuleSpec struct {
	Match    string `mapstructure:"match" yaml:"match,omitempty"`
	Matchall bool   `mapstructure:"matchall" yaml:"matchall,omitempty"`
	Melse    bool   `mapstructure:"melse" yaml:"melse,omitempty"`
	Break    bool   `mapstructure:"break" yaml:"break,omitempty"`
	Pass     bool   `mapstructure:"pass" yaml:"pass,omitempty"`

	// Source gates match/matchall on the line's source symbol; Target
	// overrides what the regex runs against (default: the log line).
	Source string `mapstructure:"source" yaml:"source,omitempty"`
	Target string `mapstructure:"target" yaml:"target,omitempty"`

	Assign *AssignSpec `mapstructure:"assign" yaml:"assign,omitempty"`
	Write  *WriteSpec  `mapstructure:"write" yaml:"write,omitempty"`

	Then []RuleSpec `mapstructure:"then" yaml:"then,omitempty"`
}

// AssignSpec stores a resolved pattern into a rule variable.
type AssignSpec struct {
	Var   string `mapstructure:"var" yaml:"var"`
	Value string `mapstructure:"value" yaml:"value"`
}

// WriteSpec emits a formatted line to a sink symbol.
type WriteSpec struct {
	Dest   string `mapstructure:"dest" yaml:"dest"`
	Format string `mapstructure:"format" yaml:"format"`
}

// BuildTree converts the rule list into the evaluator's node tree:
// list order becomes the sibling chain, then blocks become children.
func BuildTree(rules []RuleSpec) (*ruletree.Node, error) {
	return buildChain(rules, nil)
}

func buildChain(rules []RuleSpec, parent *ruletree.Node) (*ruletree.Node, error) {
	var head, prev *ruletree.Node
	for i := range rules {
		n, err := buildNode(&rules[i])
		if err != nil {
			return nil, err
		}
		n.Parent = parent

		if n.Kind == ruletree.NodeMElse {
			if prev == nil || (prev.Kind != ruletree.NodeMatch && prev.Kind != ruletree.NodeMatchAll) {
				return nil, fmt.Errorf("config: melse must directly follow a match or matchall")
			}
		}

		if prev == nil {
			head = n
		} else {
			prev.Sibling = n
		}
		prev = n

		if len(rules[i].Then) > 0 {
			child, err := buildChain(rules[i].Then, n)
			if err != nil {
				return nil, err
			}
			n.Child = child
		}
	}
	return head, nil
}

func buildNode(r *RuleSpec) (*ruletree.Node, error) {
	directives := 0
	for _, set := range []bool{r.Match != "", r.Matchall, r.Melse, r.Break, r.Pass, r.Assign != nil, r.Write != nil} {
		if set {
			directives++
		}
	}
	if directives != 1 {
		return nil, fmt.Errorf("config: rule must carry exactly one directive, got %d", directives)
	}

	switch {
	case r.Match != "":
		n := &ruletree.Node{Kind: ruletree.NodeMatch, MatchSource: r.Source}
		pat, err := ruletree.ParsePattern(r.Match)
		if err != nil {
			return nil, err
		}
		if expr, fixed := pat.VerbatimOnly(); fixed {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("config: match %q: %w", r.Match, err)
			}
			n.MatchRegex = re
		} else {
			n.MatchPattern = pat
		}
		if r.Target != "" {
			t, err := ruletree.ParsePattern(r.Target)
			if err != nil {
				return nil, err
			}
			n.MatchTarget = t
		}
		return n, nil

	case r.Matchall:
		return &ruletree.Node{Kind: ruletree.NodeMatchAll, MatchSource: r.Source}, nil

	case r.Melse:
		return &ruletree.Node{Kind: ruletree.NodeMElse}, nil

	case r.Break:
		return &ruletree.Node{Kind: ruletree.NodeBreak}, nil

	case r.Pass:
		return &ruletree.Node{Kind: ruletree.NodePassthrough}, nil

	case r.Assign != nil:
		if r.Assign.Var == "" {
			return nil, fmt.Errorf("config: assign needs a var name")
		}
		pat, err := ruletree.ParsePattern(r.Assign.Value)
		if err != nil {
			return nil, err
		}
		return &ruletree.Node{Kind: ruletree.NodeAssign, AssignVar: r.Assign.Var, AssignPattern: pat}, nil

	case r.Write != nil:
		if r.Write.Dest == "" {
			return nil, fmt.Errorf("config: write needs a dest symbol")
		}
		dest, err := ruletree.ParsePattern(r.Write.Dest)
		if err != nil {
			return nil, err
		}
		format, err := ruletree.ParsePattern(r.Write.Format)
		if err != nil {
			return nil, err
		}
		return &ruletree.Node{Kind: ruletree.NodeWrite, WriteDest: dest, WriteFormat: format}, nil
	}
	return nil, fmt.Errorf("config: empty rule")
}

// DumpTree renders the node tree for the -t (parse-and-exit) path.
func DumpTree(root *ruletree.Node) string {
	var b strings.Builder
	dumpNode(&b, root, 0)
	return b.String()
}

func dumpNode(b *strings.Builder, n *ruletree.Node, indent int) {
	for ; n != nil; n = n.Sibling {
		b.WriteString(strings.Repeat("  ", indent))
		switch n.Kind {
		case ruletree.NodePassthrough:
			b.WriteString("PASS")
		case ruletree.NodeAssign:
			fmt.Fprintf(b, "ASSIGN %s", n.AssignVar)
		case ruletree.NodeBreak:
			b.WriteString("BREAK")
		case ruletree.NodeMatch:
			b.WriteString("MATCH")
			if n.MatchSource != "" {
				fmt.Fprintf(b, " %s", n.MatchSource)
			}
		case ruletree.NodeMatchAll:
			b.WriteString("MATCHALL")
			if n.MatchSource != "" {
				fmt.Fprintf(b, " %s", n.MatchSource)
			}
		case ruletree.NodeMElse:
			b.WriteString("ELSE")
		case ruletree.NodeWrite:
			dest, _ := n.WriteDest.VerbatimOnly()
			fmt.Fprintf(b, "WRITE %s", dest)
		}
		b.WriteByte('\n')
		if n.Child != nil {
			dumpNode(b, n.Child, indent+1)
		}
	}
}
