// Package models provides the persistent data model of the
// orchestrator: module builds, their components, and the append-only
// trace logs recording every state change.
package models

import (
	"fmt"
	"regexp"
	"strconv"
)

// ModuleState is the lifecycle state of a module build.
type ModuleState int

const (
	StateInit   ModuleState = 0
	StateWait   ModuleState = 1
	StateBuild  ModuleState = 2
	StateDone   ModuleState = 3
	StateFailed ModuleState = 4
	StateReady  ModuleState = 5
)

var moduleStateNames = map[ModuleState]string{
	StateInit:   "init",
	StateWait:   "wait",
	StateBuild:  "build",
	StateDone:   "done",
	StateFailed: "failed",
	StateReady:  "ready",
}

func (s ModuleState) String() string {
	if name, ok := moduleStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Valid reports whether the state is a known enum value.
func (s ModuleState) Valid() bool {
	_, ok := moduleStateNames[s]
	return ok
}

// Terminal reports whether the state ends the build's lifecycle.
// Failed builds can only leave via resubmission.
func (s ModuleState) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// ParseModuleState maps a state name back to its value.
func ParseModuleState(name string) (ModuleState, error) {
	for s, n := range moduleStateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown module state %q", name)
}

// legalTransitions lists the allowed next states per state. Any state
// may move to failed.
var legalTransitions = map[ModuleState][]ModuleState{
	StateInit:   {StateWait, StateFailed},
	StateWait:   {StateBuild, StateFailed},
	StateBuild:  {StateDone, StateFailed},
	StateDone:   {StateReady, StateFailed},
	StateFailed: {},
	StateReady:  {},
}

// TransitionAllowed reports whether moving from one state to another is
// legal.
func TransitionAllowed(from, to ModuleState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var streamVersionRe = regexp.MustCompile(`(\d+)(\.(\d+))?(\.(\d+))?`)

// GetStreamVersion packs a base module stream name into its numeric
// stream version: "f29.1.0" becomes 290100, "f28" right-pads to
// 280000. Returns false when the stream carries no digits.
func GetStreamVersion(stream string, rightPad bool) (int64, bool) {
	m := streamVersionRe.FindStringSubmatch(stream)
	if m == nil || m[1] == "" {
		return 0, false
	}
	ver := m[1]
	for _, g := range []string{m[3], m[5]} {
		if g != "" {
			if len(g) < 2 {
				g = "0" + g
			}
			ver += g
		} else if rightPad {
			ver += "00"
		}
	}
	n, err := strconv.ParseInt(ver, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
