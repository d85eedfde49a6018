// Package subagent spawns isolated child agent runs that share a parent's
// LLM provider but get their own filtered tool set, event stream, and
// failure/exhaustion thresholds.
package subagent

import "strings"

// Type identifies one of the built-in sub-agent personalities. Each type
// carries a default tool filter; callers may override it per spawn.
type Type string

const (
	// TypeExplore is a read-only investigator: it can use any tool except
	// ones that mutate files or recurse into another sub-agent.
	TypeExplore Type = "explore"

	// TypeGeneral is a full-capability worker that cannot itself spawn
	// further sub-agents.
	TypeGeneral Type = "general"

	// TypeSkill runs a narrow, skill-specific tool set supplied by the
	// caller (Include is populated explicitly rather than "all").
	TypeSkill Type = "skill"
)

// allTools is the sentinel Include value meaning "start from the parent's
// full tool set" rather than an explicit allow-list.
const allTools = "all"

// ToolFilter narrows a parent's tool set down to what a sub-agent may use.
//
// Filter rules: if Include is empty, no tools are allowed (pure reasoning,
// no side effects). If Include is ["all"], start from every tool the
// parent has. Otherwise Include is an explicit allow-list. Exclude is then
// applied as a set of name prefixes: any tool whose name begins with one of
// them is dropped, regardless of how it got into the included set.
type ToolFilter struct {
	Include []string
	Exclude []string
}

// DefaultFilter returns the built-in tool filter for a sub-agent type.
// Per the permission table: explore can do everything except write/edit/
// recurse into another sub-agent; general can do everything except
// recurse; skill starts with nothing included until the caller supplies
// its own Include list.
func DefaultFilter(t Type) ToolFilter {
	switch t {
	case TypeExplore:
		return ToolFilter{Include: []string{allTools}, Exclude: []string{"write", "edit", "task"}}
	case TypeGeneral:
		return ToolFilter{Include: []string{allTools}, Exclude: []string{"task"}}
	case TypeSkill:
		return ToolFilter{Include: nil, Exclude: []string{"task"}}
	default:
		return ToolFilter{Include: nil}
	}
}

// Allows reports whether name passes the filter: present in Include (or
// Include is "all"), and not matching any Exclude prefix.
func (f ToolFilter) Allows(name string) bool {
	if !f.includes(name) {
		return false
	}
	for _, prefix := range f.Exclude {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return false
		}
	}
	return true
}

func (f ToolFilter) includes(name string) bool {
	if len(f.Include) == 0 {
		return false
	}
	if len(f.Include) == 1 && f.Include[0] == allTools {
		return true
	}
	for _, n := range f.Include {
		if n == name {
			return true
		}
	}
	return false
}
