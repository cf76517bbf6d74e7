/*
Mailout - high-volume outbound mail delivery engine.
Copyright © 2021-2024 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package classify decides what to do with a failed delivery attempt:
// requeue it for a later retry or reject it and compose a bounce.
//
// Decisions are driven by an ordered rule table matched against the
// remote server response. The table is immutable once parsed; reloads
// swap the whole table so concurrent classifications are unaffected.
package classify

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	_ "embed"
)

// Action is what the engine should do with the delivery.
type Action string

const (
	ActionReject Action = "reject"
	ActionDefer  Action = "defer"
)

// Rule is a single classification rule. Rules are ordered, the first
// matching rule wins.
type Rule struct {
	Regexp   *regexp.Regexp
	Action   Action
	Category string
	Message  string

	// Line is the rule source text, referenced in delivery logs so an
	// operator can find which entry matched.
	Line string
}

// RuleSet is an immutable parsed rule table.
type RuleSet struct {
	rules []Rule
}

// Len returns the number of rules in the table.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

//go:embed bounces.txt
var builtinRules []byte

// DefaultRules returns the rule table built into the binary.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(bytes.NewReader(builtinRules))
	if err != nil {
		panic("classify: built-in rules are broken: " + err.Error())
	}
	return rs
}

// ParseRules reads a rule table, one rule per line in the form
//
//	<regex>,<action>,<category>,<message>
//
// where the message part may contain commas. Empty lines and lines
// starting with # are skipped. Regexes are compiled case-insensitive
// and multi-line, since SMTP responses can span several lines.
func ParseRules(r io.Reader) (*RuleSet, error) {
	var rules []Rule

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ",", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("classify: line %d: expected <regex>,<action>,<category>,<message>", lineno)
		}

		re, err := regexp.Compile("(?im)" + parts[0])
		if err != nil {
			return nil, fmt.Errorf("classify: line %d: %w", lineno, err)
		}

		action := Action(strings.TrimSpace(parts[1]))
		if action != ActionReject && action != ActionDefer {
			return nil, fmt.Errorf("classify: line %d: unknown action %q", lineno, parts[1])
		}

		rules = append(rules, Rule{
			Regexp:   re,
			Action:   action,
			Category: strings.TrimSpace(parts[2]),
			Message:  strings.TrimSpace(parts[3]),
			Line:     line,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	return &RuleSet{rules: rules}, nil
}

// LoadRules parses a rule table from a file. An empty path returns the
// built-in table.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	defer f.Close()
	return ParseRules(f)
}

// Table holds the rule set used by running workers and allows it to be
// replaced on configuration reload. Classifications pin the set current
// at their start, so a swap never affects one halfway through.
type Table struct {
	cur atomic.Pointer[RuleSet]
}

func NewTable(rs *RuleSet) *Table {
	t := &Table{}
	t.cur.Store(rs)
	return t
}

// Current returns the rule set to use for one classification.
func (t *Table) Current() *RuleSet {
	return t.cur.Load()
}

// Swap atomically replaces the rule set.
func (t *Table) Swap(rs *RuleSet) {
	t.cur.Store(rs)
}
