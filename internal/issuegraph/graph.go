package issuegraph

import (
	"fmt"
	"sort"
	"strings"
)

// graphIndex is the per-call view built from a snapshot.
type graphIndex struct {
	byID     map[string]Issue
	children map[string][]string // parent id -> child ids, sorted
	blockers map[string][]string // issue id -> ids of issues blocking it, sorted
}

func buildIndex(issues []Issue) graphIndex {
	idx := graphIndex{
		byID:     make(map[string]Issue, len(issues)),
		children: make(map[string][]string),
		blockers: make(map[string][]string),
	}
	for _, issue := range issues {
		idx.byID[issue.ID] = issue
		if parent := issue.ParentID(); parent != "" {
			idx.children[parent] = append(idx.children[parent], issue.ID)
		}
		for _, target := range issue.BlocksTargets() {
			idx.blockers[target] = append(idx.blockers[target], issue.ID)
		}
	}
	for id := range idx.children {
		sort.Strings(idx.children[id])
	}
	for id := range idx.blockers {
		sort.Strings(idx.blockers[id])
	}
	return idx
}

// SubtreeIDs returns rootID and all its descendants via BFS over parent
// edges. Children are visited in id order so the output is deterministic.
// An unknown root yields nil. Cycles cannot occur in a well-formed graph,
// but the visited set guards against ill-formed input.
func SubtreeIDs(issues []Issue, rootID string) []string {
	idx := buildIndex(issues)
	return subtreeIDs(idx, rootID)
}

func subtreeIDs(idx graphIndex, rootID string) []string {
	if _, ok := idx.byID[rootID]; !ok {
		return nil
	}

	visited := map[string]bool{rootID: true}
	order := []string{rootID}
	queue := []string{rootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range idx.children[cur] {
			if visited[child] {
				continue
			}
			visited[child] = true
			order = append(order, child)
			queue = append(queue, child)
		}
	}
	return order
}

// ReadyOptions scope a ReadyLeaves query.
type ReadyOptions struct {
	// RootID restricts the query to a subtree when non-empty.
	RootID string
	// Tags must all be present on a ready issue.
	Tags []string
}

// ReadyLeaves returns the issues available for execution: open, unblocked,
// with no non-closed children, and carrying every requested tag. A blocker
// releases its target only once it closes with a non-expanded outcome.
// Ordering is ascending priority with ties broken by id; reconcile replay
// depends on this exact order.
func ReadyLeaves(issues []Issue, opts ReadyOptions) []Issue {
	idx := buildIndex(issues)

	scope := idx.byID
	if opts.RootID != "" {
		scope = make(map[string]Issue)
		for _, id := range subtreeIDs(idx, opts.RootID) {
			scope[id] = idx.byID[id]
		}
	}

	var out []Issue
	for id, issue := range scope {
		if issue.Status != StatusOpen {
			continue
		}
		if !issue.HasTags(opts.Tags) {
			continue
		}
		if blocked(idx, id) {
			continue
		}
		if hasOpenChildren(idx, id) {
			continue
		}
		out = append(out, issue.Clone())
	}
	sortIssues(out)
	return out
}

// blocked reports whether any blocker of id is still holding it: a blocker
// releases only when closed with an outcome other than expanded.
func blocked(idx graphIndex, id string) bool {
	for _, blockerID := range idx.blockers[id] {
		blocker, ok := idx.byID[blockerID]
		if !ok {
			continue
		}
		released := blocker.Closed() && blocker.Outcome != OutcomeExpanded
		if !released {
			return true
		}
	}
	return false
}

func hasOpenChildren(idx graphIndex, id string) bool {
	for _, childID := range idx.children[id] {
		if child, ok := idx.byID[childID]; ok && !child.Closed() {
			return true
		}
	}
	return false
}

// RetryOptions scope a RetryableCandidates query.
type RetryOptions struct {
	RootID            string
	RetryOutcomes     []Outcome
	AttemptsByIssueID map[string]int
	MaxAttempts       int
}

// RetryableCandidates returns closed issues eligible for another attempt:
// outcome in RetryOutcomes (default failure and needs_work), or expanded
// with zero children, and fewer than MaxAttempts recorded attempts.
func RetryableCandidates(issues []Issue, opts RetryOptions) []Issue {
	idx := buildIndex(issues)

	retryable := opts.RetryOutcomes
	if len(retryable) == 0 {
		retryable = []Outcome{OutcomeFailure, OutcomeNeedsWork}
	}
	isRetryOutcome := func(o Outcome) bool {
		for _, r := range retryable {
			if o == r {
				return true
			}
		}
		return false
	}

	scope := idx.byID
	if opts.RootID != "" {
		scope = make(map[string]Issue)
		for _, id := range subtreeIDs(idx, opts.RootID) {
			scope[id] = idx.byID[id]
		}
	}

	var out []Issue
	for id, issue := range scope {
		if !issue.Closed() {
			continue
		}
		eligible := isRetryOutcome(issue.Outcome) ||
			(issue.Outcome == OutcomeExpanded && len(idx.children[id]) == 0)
		if !eligible {
			continue
		}
		if opts.MaxAttempts > 0 && opts.AttemptsByIssueID[id] >= opts.MaxAttempts {
			continue
		}
		out = append(out, issue.Clone())
	}
	sortIssues(out)
	return out
}

// Collapsible returns expanded issues in the subtree whose children have all
// ended in success, skipped, or refine, meaning the expansion can be folded
// back into its parent.
func Collapsible(issues []Issue, rootID string) []Issue {
	idx := buildIndex(issues)

	var out []Issue
	for _, id := range subtreeIDs(idx, rootID) {
		issue := idx.byID[id]
		if !issue.Closed() || issue.Outcome != OutcomeExpanded {
			continue
		}
		children := idx.children[id]
		if len(children) == 0 {
			continue
		}
		allDone := true
		for _, childID := range children {
			child := idx.byID[childID]
			switch {
			case !child.Closed():
				allDone = false
			case child.Outcome != OutcomeSuccess && child.Outcome != OutcomeSkipped && child.Outcome != OutcomeRefine:
				allDone = false
			}
			if !allDone {
				break
			}
		}
		if allDone {
			out = append(out, issue.Clone())
		}
	}
	sortIssues(out)
	return out
}

// Verdict is the result of validating a subtree.
type Verdict struct {
	IsFinal bool   `json:"is_final"`
	Reason  string `json:"reason"`
}

// ValidateDAG inspects the subtree under rootID and classifies its overall
// state. Checks apply in order: failed work, malformed expansions, full
// completion, a root awaiting collapse, and otherwise in-progress.
func ValidateDAG(issues []Issue, rootID string) Verdict {
	idx := buildIndex(issues)
	sub := subtreeIDs(idx, rootID)
	if len(sub) == 0 {
		return Verdict{IsFinal: false, Reason: fmt.Sprintf("unknown root %s", rootID)}
	}

	var needsWork, expandedNoChildren, pending []string
	for _, id := range sub {
		issue := idx.byID[id]
		if issue.Closed() && (issue.Outcome == OutcomeFailure || issue.Outcome == OutcomeNeedsWork) {
			needsWork = append(needsWork, id)
		}
		if issue.Closed() && issue.Outcome == OutcomeExpanded && len(idx.children[id]) == 0 {
			expandedNoChildren = append(expandedNoChildren, id)
		}
		if !issue.Closed() {
			pending = append(pending, id)
		}
	}
	sort.Strings(needsWork)
	sort.Strings(expandedNoChildren)

	switch {
	case len(needsWork) > 0:
		return Verdict{IsFinal: false, Reason: "needs work: " + strings.Join(needsWork, ", ")}
	case len(expandedNoChildren) > 0:
		return Verdict{IsFinal: false, Reason: "expanded without children: " + strings.Join(expandedNoChildren, ", ")}
	case len(pending) == 0:
		return Verdict{IsFinal: true, Reason: "all work completed"}
	case len(pending) == 1 && pending[0] == rootID && len(idx.children[rootID]) > 0:
		return Verdict{IsFinal: false, Reason: "all children closed, root still open"}
	default:
		return Verdict{IsFinal: false, Reason: "in progress"}
	}
}

func sortIssues(issues []Issue) {
	sort.Slice(issues, func(i, j int) bool {
		pi, pj := issues[i].EffectivePriority(), issues[j].EffectivePriority()
		if pi != pj {
			return pi < pj
		}
		return issues[i].ID < issues[j].ID
	})
}
