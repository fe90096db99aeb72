// Package issuestore persists the work-item graph at <repo>/.mu/issues.jsonl.
// The issuegraph package reasons over snapshots; this package owns the file
// and the mutations.
package issuestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/getmu/control-plane/internal/issuegraph"
	"github.com/getmu/control-plane/internal/journal"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
	"github.com/getmu/control-plane/internal/pkg/ulid"
)

// Store holds the issue graph in memory and rewrites the snapshot file
// atomically on every mutation.
type Store struct {
	path string

	mu     sync.Mutex
	issues map[string]issuegraph.Issue

	now func() time.Time
}

// Load reads issues.jsonl at path. A missing file yields an empty graph.
func Load(path string) (*Store, error) {
	s := &Store{
		path:   path,
		issues: make(map[string]issuegraph.Issue),
		now:    time.Now,
	}

	err := journal.Stream(path, func(line int, raw json.RawMessage) error {
		var issue issuegraph.Issue
		if err := json.Unmarshal(raw, &issue); err != nil {
			return fmt.Errorf("issues file line %d: %w", line, err)
		}
		if issue.ID == "" {
			return fmt.Errorf("issues file line %d: missing id", line)
		}
		if err := checkClosedOutcome(issue); err != nil {
			return fmt.Errorf("issues file line %d: %w", line, err)
		}
		s.issues[issue.ID] = issue
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// checkClosedOutcome enforces the store invariant: closed iff outcome set.
func checkClosedOutcome(issue issuegraph.Issue) error {
	closed := issue.Status == issuegraph.StatusClosed
	hasOutcome := issue.Outcome != issuegraph.OutcomeNone
	if closed != hasOutcome {
		return fmt.Errorf("issue %s: closed=%v but outcome=%q", issue.ID, closed, issue.Outcome)
	}
	return nil
}

// Snapshot returns a copy of every issue, ordered by id.
func (s *Store) Snapshot() []issuegraph.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []issuegraph.Issue {
	out := make([]issuegraph.Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		out = append(out, issue.Clone())
	}
	slices.SortFunc(out, func(a, b issuegraph.Issue) int {
		return bytes.Compare([]byte(a.ID), []byte(b.ID))
	})
	return out
}

// Get returns one issue by id.
func (s *Store) Get(id string) (issuegraph.Issue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return issuegraph.Issue{}, false
	}
	return issue.Clone(), true
}

// CreateParams describes a new issue. ID is generated when empty.
type CreateParams struct {
	ID       string
	Title    string
	Body     string
	Tags     []string
	Priority int
	ParentID string
}

// Create adds an open issue.
func (s *Store) Create(params CreateParams) (issuegraph.Issue, error) {
	if params.Title == "" {
		return issuegraph.Issue{}, cperrors.NewValidationError("title", "title is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := params.ID
	if id == "" {
		id = "iss-" + ulid.New()
	}
	if _, exists := s.issues[id]; exists {
		return issuegraph.Issue{}, cperrors.New("issue_exists", 409).WithMessagef("issue %s already exists", id)
	}

	var deps []issuegraph.Dep
	if params.ParentID != "" {
		if _, ok := s.issues[params.ParentID]; !ok {
			return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("parent issue %s not found", params.ParentID)
		}
		deps = append(deps, issuegraph.Dep{Type: issuegraph.DepParent, Target: params.ParentID})
	}

	now := s.now().UnixMilli()
	issue := issuegraph.Issue{
		ID:          id,
		Title:       params.Title,
		Body:        params.Body,
		Status:      issuegraph.StatusOpen,
		Tags:        slices.Clone(params.Tags),
		Deps:        deps,
		Priority:    params.Priority,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := s.persistWith(issue); err != nil {
		return issuegraph.Issue{}, err
	}
	return issue.Clone(), nil
}

// UpdateParams carries optional field updates.
type UpdateParams struct {
	Title    *string
	Body     *string
	Tags     []string
	Priority *int
}

// Update mutates non-lifecycle fields of an open or in-progress issue.
func (s *Store) Update(id string, params UpdateParams) (issuegraph.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("issue %s not found", id)
	}

	next := issue.Clone()
	if params.Title != nil {
		next.Title = *params.Title
	}
	if params.Body != nil {
		next.Body = *params.Body
	}
	if params.Tags != nil {
		next.Tags = slices.Clone(params.Tags)
	}
	if params.Priority != nil {
		next.Priority = *params.Priority
	}
	next.UpdatedAtMs = s.now().UnixMilli()

	if err := s.persistWith(next); err != nil {
		return issuegraph.Issue{}, err
	}
	return next.Clone(), nil
}

// Claim moves an open issue to in_progress.
func (s *Store) Claim(id string) (issuegraph.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("issue %s not found", id)
	}
	if issue.Status != issuegraph.StatusOpen {
		return issuegraph.Issue{}, cperrors.New("issue_not_open", 409).WithMessagef("issue %s is %s", id, issue.Status)
	}

	next := issue.Clone()
	next.Status = issuegraph.StatusInProgress
	next.UpdatedAtMs = s.now().UnixMilli()

	if err := s.persistWith(next); err != nil {
		return issuegraph.Issue{}, err
	}
	return next.Clone(), nil
}

// Close terminates an issue with an outcome. Closing is the only way an
// outcome is set, which keeps the closed⟺outcome invariant by construction.
func (s *Store) Close(id string, outcome issuegraph.Outcome) (issuegraph.Issue, error) {
	if outcome == issuegraph.OutcomeNone {
		return issuegraph.Issue{}, cperrors.NewValidationError("outcome", "an outcome is required to close an issue")
	}
	switch outcome {
	case issuegraph.OutcomeSuccess, issuegraph.OutcomeFailure, issuegraph.OutcomeNeedsWork,
		issuegraph.OutcomeExpanded, issuegraph.OutcomeSkipped, issuegraph.OutcomeRefine:
	default:
		return issuegraph.Issue{}, cperrors.NewValidationError("outcome", fmt.Sprintf("unknown outcome %q", outcome))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("issue %s not found", id)
	}
	if issue.Status == issuegraph.StatusClosed {
		return issuegraph.Issue{}, cperrors.New("issue_already_closed", 409).WithMessagef("issue %s is already closed", id)
	}

	next := issue.Clone()
	next.Status = issuegraph.StatusClosed
	next.Outcome = outcome
	next.UpdatedAtMs = s.now().UnixMilli()

	if err := s.persistWith(next); err != nil {
		return issuegraph.Issue{}, err
	}
	return next.Clone(), nil
}

// AddDep adds a dependency edge from id.
func (s *Store) AddDep(id string, dep issuegraph.Dep) (issuegraph.Issue, error) {
	if dep.Type != issuegraph.DepBlocks && dep.Type != issuegraph.DepParent {
		return issuegraph.Issue{}, cperrors.NewValidationError("type", fmt.Sprintf("unknown dep type %q", dep.Type))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("issue %s not found", id)
	}
	if _, ok := s.issues[dep.Target]; !ok {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("dep target %s not found", dep.Target)
	}
	if slices.Contains(issue.Deps, dep) {
		return issue.Clone(), nil
	}
	if dep.Type == issuegraph.DepParent && issue.ParentID() != "" {
		return issuegraph.Issue{}, cperrors.New("parent_exists", 409).WithMessagef("issue %s already has a parent", id)
	}
	if s.wouldCycle(id, dep) {
		return issuegraph.Issue{}, cperrors.New("dep_cycle", 409).WithMessagef("dep %s -> %s would create a cycle", id, dep.Target)
	}

	next := issue.Clone()
	next.Deps = append(next.Deps, dep)
	next.UpdatedAtMs = s.now().UnixMilli()

	if err := s.persistWith(next); err != nil {
		return issuegraph.Issue{}, err
	}
	return next.Clone(), nil
}

// RemoveDep removes a dependency edge from id.
func (s *Store) RemoveDep(id string, dep issuegraph.Dep) (issuegraph.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("issue %s not found", id)
	}
	idx := slices.Index(issue.Deps, dep)
	if idx < 0 {
		return issuegraph.Issue{}, cperrors.ErrNotFound.WithMessagef("issue %s has no %s dep on %s", id, dep.Type, dep.Target)
	}

	next := issue.Clone()
	next.Deps = slices.Delete(next.Deps, idx, idx+1)
	next.UpdatedAtMs = s.now().UnixMilli()

	if err := s.persistWith(next); err != nil {
		return issuegraph.Issue{}, err
	}
	return next.Clone(), nil
}

// wouldCycle reports whether adding dep to id closes a loop over the combined
// parent/blocks edge set. Called with the lock held.
func (s *Store) wouldCycle(id string, dep issuegraph.Dep) bool {
	// Walk from the dep target following its deps; reaching id means a cycle.
	visited := map[string]bool{}
	queue := []string{dep.Target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == id {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if issue, ok := s.issues[cur]; ok {
			for _, d := range issue.Deps {
				queue = append(queue, d.Target)
			}
		}
	}
	return false
}

// persistWith writes the snapshot including the updated issue, and commits
// the in-memory change only after the file replace succeeds.
func (s *Store) persistWith(updated issuegraph.Issue) error {
	prev, existed := s.issues[updated.ID]
	s.issues[updated.ID] = updated.Clone()

	var buf bytes.Buffer
	for _, issue := range s.snapshotLocked() {
		data, err := json.Marshal(issue)
		if err != nil {
			s.restore(updated.ID, prev, existed)
			return fmt.Errorf("failed to encode issue %s: %w", issue.ID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	if err := journal.WriteAtomic(s.path, buf.Bytes()); err != nil {
		s.restore(updated.ID, prev, existed)
		return err
	}
	return nil
}

func (s *Store) restore(id string, prev issuegraph.Issue, existed bool) {
	if existed {
		s.issues[id] = prev
	} else {
		delete(s.issues, id)
	}
}
