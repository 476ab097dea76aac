// Package messaging adapts the external message bus to typed scheduler
// events. Inbound build system messages are normalized into events; the
// orchestrator's own state changes are published back out.
package messaging

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Subjects consumed from and published to the bus.
const (
	// SubjectBuildStateChange carries build system task state changes.
	SubjectBuildStateChange = "buildsys.build.state.change"
	// SubjectRepoDone signals a build tag repository regeneration.
	SubjectRepoDone = "buildsys.repo.done"
	// SubjectTagChange signals an artifact was tagged into a tag.
	SubjectTagChange = "buildsys.tag.change"
	// SubjectModuleStateChange carries the orchestrator's own module
	// build state transitions.
	SubjectModuleStateChange = "mbs.module.state.change"
)

// Event is a normalized bus message the scheduler can dispatch on.
type Event interface {
	// ID is the bus message id, or a generated uuid for events the
	// orchestrator synthesizes internally.
	ID() string
	// Subject is the bus subject the event arrived on or would be
	// published to.
	Subject() string
}

// ComponentStateChanged reports a component build task state change.
// State values follow the build system task states.
type ComponentStateChanged struct {
	MsgID  string `json:"msg_id"`
	TaskID int64  `json:"task_id"`
	State  int    `json:"new_state"`
	// Name/Version/Release identify the built artifact; they may be
	// empty for tasks that failed before producing one.
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Release string `json:"release,omitempty"`
	// ModuleBuildID is set on events the orchestrator synthesizes for
	// components it could not correlate by task id.
	ModuleBuildID int64 `json:"module_build_id,omitempty"`
}

func (e *ComponentStateChanged) ID() string      { return e.MsgID }
func (e *ComponentStateChanged) Subject() string { return SubjectBuildStateChange }

// NVR returns the name-version-release string, empty when unknown.
func (e *ComponentStateChanged) NVR() string {
	if e.Name == "" {
		return ""
	}
	return fmt.Sprintf("%s-%s-%s", e.Name, e.Version, e.Release)
}

// RepoRegenerated reports that a tag's build repository was regenerated.
type RepoRegenerated struct {
	MsgID string `json:"msg_id"`
	Tag   string `json:"tag"`
}

func (e *RepoRegenerated) ID() string      { return e.MsgID }
func (e *RepoRegenerated) Subject() string { return SubjectRepoDone }

// TagChanged reports an artifact was tagged into a tag.
type TagChanged struct {
	MsgID string `json:"msg_id"`
	Tag   string `json:"tag"`
	NVR   string `json:"nvr"`
}

func (e *TagChanged) ID() string      { return e.MsgID }
func (e *TagChanged) Subject() string { return SubjectTagChange }

// ModuleStateChanged reports an orchestrator module build transition.
// It is both published outward and consumed to drive follow-up work.
type ModuleStateChanged struct {
	MsgID         string `json:"msg_id"`
	ModuleBuildID int64  `json:"module_build_id"`
	State         int    `json:"new_state"`
}

func (e *ModuleStateChanged) ID() string      { return e.MsgID }
func (e *ModuleStateChanged) Subject() string { return SubjectModuleStateChange }

// SplitNVR splits a name-version-release string on its last two
// dashes. ok is false when the string has fewer than two.
func SplitNVR(nvr string) (name, version, release string, ok bool) {
	i := strings.LastIndex(nvr, "-")
	if i <= 0 {
		return "", "", "", false
	}
	j := strings.LastIndex(nvr[:i], "-")
	if j <= 0 {
		return "", "", "", false
	}
	return nvr[:j], nvr[j+1 : i], nvr[i+1:], true
}

// NewMsgID generates a message id for internally synthesized events.
func NewMsgID() string {
	return uuid.New().String()
}
