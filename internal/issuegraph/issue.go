// Package issuegraph reasons over snapshots of the work-item graph: ready
// leaves, subtrees, retry candidates, collapse safety, and completion
// verdicts. Every function is pure and deterministic; callers own I/O.
package issuegraph

import "slices"

// Status is an issue's lifecycle state.
type Status string

// Issue statuses.
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// Outcome records how a closed issue ended. Empty means not yet closed.
type Outcome string

// Issue outcomes.
const (
	OutcomeNone      Outcome = ""
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeNeedsWork Outcome = "needs_work"
	OutcomeExpanded  Outcome = "expanded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRefine    Outcome = "refine"
)

// DepType distinguishes blocking edges from tree edges.
type DepType string

// Dependency types.
const (
	DepBlocks DepType = "blocks"
	DepParent DepType = "parent"
)

// Dep is one outgoing dependency edge. A blocks dep means this issue blocks
// the target; a parent dep means the target is this issue's parent.
type Dep struct {
	Type   DepType `json:"type"`
	Target string  `json:"target"`
}

// DefaultPriority applies when an issue has no explicit priority.
const DefaultPriority = 3

// Issue is one node of the work-item graph.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	Status      Status   `json:"status"`
	Outcome     Outcome  `json:"outcome,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Deps        []Dep    `json:"deps,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	CreatedAtMs int64    `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64    `json:"updated_at_ms,omitempty"`
}

// Closed reports whether the issue has reached a terminal status.
func (i Issue) Closed() bool {
	return i.Status == StatusClosed
}

// EffectivePriority resolves the default for unset priorities.
func (i Issue) EffectivePriority() int {
	if i.Priority <= 0 {
		return DefaultPriority
	}
	return i.Priority
}

// ParentID returns the target of the parent dep, or "".
func (i Issue) ParentID() string {
	for _, d := range i.Deps {
		if d.Type == DepParent {
			return d.Target
		}
	}
	return ""
}

// BlocksTargets returns the ids this issue blocks.
func (i Issue) BlocksTargets() []string {
	var out []string
	for _, d := range i.Deps {
		if d.Type == DepBlocks {
			out = append(out, d.Target)
		}
	}
	return out
}

// HasTags reports whether want is a subset of the issue's tags.
func (i Issue) HasTags(want []string) bool {
	for _, tag := range want {
		if !slices.Contains(i.Tags, tag) {
			return false
		}
	}
	return true
}

// Clone deep-copies the issue.
func (i Issue) Clone() Issue {
	c := i
	c.Tags = slices.Clone(i.Tags)
	c.Deps = slices.Clone(i.Deps)
	return c
}
