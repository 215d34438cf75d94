package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"devswarm/internal/bus"
	"devswarm/internal/model"

	"github.com/google/uuid"
)

// Store implements the dependency-aware state store on SQLite. All reads and
// writes are ordered under a single mutex: the contract is linearizable
// single-writer. Successful writes are announced on the event bus.
type Store struct {
	mu     sync.Mutex
	db     *DB
	events *bus.Bus
}

// New creates a store backed by an open database. events may be nil.
func New(db *DB, events *bus.Bus) *Store {
	return &Store{db: db, events: events}
}

func (s *Store) publish(eventType string, payload interface{}) {
	if s.events != nil {
		s.events.Publish(eventType, payload)
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Roadmap Items ---

// CreateRoadmapItem inserts a new roadmap item. An empty id gets a generated
// one; an empty resolution method defaults to merge_and_push.
func (s *Store) CreateRoadmapItem(item *model.RoadmapItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = model.RoadmapPending
	}
	if item.Resolution == "" {
		item.Resolution = model.ResolutionMergeAndPush
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	var issueNumber interface{}
	if item.IssueNumber > 0 {
		issueNumber = item.IssueNumber
	}

	_, err := s.db.Exec(`
		INSERT INTO roadmap_items (
			id, title, description, status, issue_number, issue_url,
			spec_id, resolution_method, issue_closed, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.Title, item.Description, item.Status, issueNumber, item.IssueURL,
		nullable(item.SpecID), item.Resolution, item.IssueClosed, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: roadmap item %s", ErrConflict, item.ID)
		}
		return fmt.Errorf("failed to create roadmap item: %w", err)
	}

	s.publish(bus.TypeRoadmapUpdate, *item)
	return nil
}

// GetRoadmapItem retrieves a roadmap item by id.
func (s *Store) GetRoadmapItem(id string) (*model.RoadmapItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRoadmapItem(id)
}

func (s *Store) getRoadmapItem(id string) (*model.RoadmapItem, error) {
	row := s.db.QueryRow(selectRoadmap+" WHERE id = ?", id)
	item, err := scanRoadmapItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: roadmap item %s", ErrNotFound, id)
	}
	return item, err
}

// GetRoadmapItemByIssue retrieves the roadmap item mapped from an issue.
func (s *Store) GetRoadmapItemByIssue(issueNumber int) (*model.RoadmapItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(selectRoadmap+" WHERE issue_number = ?", issueNumber)
	item, err := scanRoadmapItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: issue #%d", ErrNotFound, issueNumber)
	}
	return item, err
}

// ListRoadmapItems returns all roadmap items, oldest first.
func (s *Store) ListRoadmapItems() ([]model.RoadmapItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRoadmapItems()
}

func (s *Store) listRoadmapItems() ([]model.RoadmapItem, error) {
	rows, err := s.db.Query(selectRoadmap + " ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query roadmap items: %w", err)
	}
	defer rows.Close()

	var items []model.RoadmapItem
	for rows.Next() {
		item, err := scanRoadmapItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// RoadmapItemUpdate carries optional field changes for a roadmap item.
type RoadmapItemUpdate struct {
	Title       *string
	Description *string
	Status      *model.RoadmapStatus
	Resolution  *model.ResolutionMethod
	SpecID      *string
	IssueClosed *bool
}

// UpdateRoadmapItem applies the update. A transition to done atomically
// resolves every dependency whose blocker is this item.
func (s *Store) UpdateRoadmapItem(id string, upd RoadmapItemUpdate) (*model.RoadmapItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.getRoadmapItem(id)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		item.Title = *upd.Title
	}
	if upd.Description != nil {
		item.Description = *upd.Description
	}
	if upd.Status != nil {
		item.Status = *upd.Status
	}
	if upd.Resolution != nil {
		if !model.ValidResolutionMethod(*upd.Resolution) {
			return nil, fmt.Errorf("%w: unknown resolution method %q", ErrInvalidTransition, *upd.Resolution)
		}
		item.Resolution = *upd.Resolution
	}
	if upd.SpecID != nil {
		item.SpecID = *upd.SpecID
	}
	if upd.IssueClosed != nil {
		item.IssueClosed = *upd.IssueClosed
	}
	item.UpdatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		UPDATE roadmap_items
		SET title = ?, description = ?, status = ?, resolution_method = ?,
			spec_id = ?, issue_closed = ?, updated_at = ?
		WHERE id = ?
	`,
		item.Title, item.Description, item.Status, item.Resolution,
		nullable(item.SpecID), item.IssueClosed, item.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update roadmap item: %w", err)
	}

	// Completion resolves blocked work in the same write.
	if upd.Status != nil && *upd.Status == model.RoadmapDone {
		_, err = tx.Exec(`
			UPDATE dependencies SET resolved = 1, updated_at = ?
			WHERE blocker_kind = ? AND blocker_id = ? AND resolved = 0
		`, item.UpdatedAt, model.KindRoadmapItem, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve dependencies: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit roadmap update: %w", err)
	}

	s.publish(bus.TypeRoadmapUpdate, *item)
	return item, nil
}

const selectRoadmap = `
	SELECT id, title, description, status, issue_number, issue_url,
		spec_id, resolution_method, issue_closed, created_at, updated_at
	FROM roadmap_items`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoadmapItem(row rowScanner) (*model.RoadmapItem, error) {
	var item model.RoadmapItem
	var description, issueURL, specID sql.NullString
	var issueNumber sql.NullInt64

	err := row.Scan(&item.ID, &item.Title, &description, &item.Status,
		&issueNumber, &issueURL, &specID, &item.Resolution, &item.IssueClosed,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.Description = description.String
	item.IssueURL = issueURL.String
	item.SpecID = specID.String
	if issueNumber.Valid {
		item.IssueNumber = int(issueNumber.Int64)
	}
	return &item, nil
}

// --- Specs ---

// CreateSpec creates a spec for a roadmap item, computing the semantic id
// from the item's issue mapping, and links the item to the new spec.
func (s *Store) CreateSpec(roadmapItemID, content string) (*model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.getRoadmapItem(roadmapItemID)
	if err != nil {
		return nil, err
	}

	var id string
	if item.IssueNumber > 0 {
		id = model.SpecIDForIssue(item.IssueNumber, item.Title)
	} else {
		id = model.SpecIDLive(item.Title)
	}

	now := time.Now().UTC()
	spec := &model.Spec{
		ID:            id,
		RoadmapItemID: roadmapItemID,
		Content:       content,
		Status:        model.SpecDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO specs (id, roadmap_item_id, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, spec.ID, spec.RoadmapItemID, spec.Content, spec.Status, spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: spec %s", ErrConflict, spec.ID)
		}
		return nil, fmt.Errorf("failed to create spec: %w", err)
	}

	_, err = tx.Exec(`UPDATE roadmap_items SET spec_id = ?, updated_at = ? WHERE id = ?`,
		spec.ID, now, roadmapItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to link spec to roadmap item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit spec creation: %w", err)
	}

	s.publish(bus.TypeSpecUpdate, *spec)
	return spec, nil
}

// GetSpec retrieves a spec by id.
func (s *Store) GetSpec(id string) (*model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSpec(id)
}

func (s *Store) getSpec(id string) (*model.Spec, error) {
	row := s.db.QueryRow(selectSpec+" WHERE id = ?", id)
	spec, err := scanSpec(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: spec %s", ErrNotFound, id)
	}
	return spec, err
}

// ListSpecs returns all specs, oldest first.
func (s *Store) ListSpecs() ([]model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.querySpecs(selectSpec + " ORDER BY created_at, id")
}

// ListSpecsByStatus returns specs in the given status.
func (s *Store) ListSpecsByStatus(status model.SpecStatus) ([]model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.querySpecs(selectSpec+" WHERE status = ? ORDER BY created_at, id", status)
}

func (s *Store) querySpecs(query string, args ...interface{}) ([]model.Spec, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query specs: %w", err)
	}
	defer rows.Close()

	var specs []model.Spec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, *spec)
	}
	return specs, rows.Err()
}

// SpecUpdate carries optional field changes for a spec.
type SpecUpdate struct {
	Content      *string
	Status       *model.SpecStatus
	WorktreeName *string
	BranchName   *string
	ErrorMessage *string
}

// UpdateSpec applies the update, enforcing the monotonic status lifecycle.
func (s *Store) UpdateSpec(id string, upd SpecUpdate) (*model.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, err := s.getSpec(id)
	if err != nil {
		return nil, err
	}

	if upd.Status != nil && !model.CanTransition(spec.Status, *upd.Status) {
		return nil, fmt.Errorf("%w: spec %s cannot move %s -> %s",
			ErrInvalidTransition, id, spec.Status, *upd.Status)
	}

	if upd.Content != nil {
		spec.Content = *upd.Content
	}
	if upd.Status != nil {
		spec.Status = *upd.Status
	}
	if upd.WorktreeName != nil {
		spec.WorktreeName = *upd.WorktreeName
	}
	if upd.BranchName != nil {
		spec.BranchName = *upd.BranchName
	}
	if upd.ErrorMessage != nil {
		spec.ErrorMessage = *upd.ErrorMessage
	}
	spec.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		UPDATE specs
		SET content = ?, status = ?, worktree_name = ?, branch_name = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?
	`,
		spec.Content, spec.Status, nullable(spec.WorktreeName), nullable(spec.BranchName),
		nullable(spec.ErrorMessage), spec.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update spec: %w", err)
	}

	s.publish(bus.TypeSpecUpdate, *spec)
	return spec, nil
}

const selectSpec = `
	SELECT id, roadmap_item_id, content, status, worktree_name, branch_name,
		error_message, created_at, updated_at
	FROM specs`

func scanSpec(row rowScanner) (*model.Spec, error) {
	var spec model.Spec
	var content, worktree, branch, errMsg sql.NullString

	err := row.Scan(&spec.ID, &spec.RoadmapItemID, &content, &spec.Status,
		&worktree, &branch, &errMsg, &spec.CreatedAt, &spec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	spec.Content = content.String
	spec.WorktreeName = worktree.String
	spec.BranchName = branch.String
	spec.ErrorMessage = errMsg.String
	return &spec, nil
}

// --- Dependencies ---

// AddDependency inserts a blocking edge after rejecting self-references and
// edges that would close a cycle.
func (s *Store) AddDependency(dep *model.Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dep.BlockerKind == dep.BlockedKind && dep.BlockerID == dep.BlockedID {
		return fmt.Errorf("%w: item cannot depend on itself", ErrDependencyCycle)
	}

	cyclic, err := s.wouldCycle(dep.BlockerKind, dep.BlockerID, dep.BlockedKind, dep.BlockedID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%w: %s/%s already depends on %s/%s",
			ErrDependencyCycle, dep.BlockerKind, dep.BlockerID, dep.BlockedKind, dep.BlockedID)
	}

	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	dep.CreatedAt = now
	dep.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO dependencies (id, blocker_kind, blocker_id, blocked_kind, blocked_id, resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, dep.ID, dep.BlockerKind, dep.BlockerID, dep.BlockedKind, dep.BlockedID, dep.Resolved, dep.CreatedAt, dep.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: dependency %s", ErrConflict, dep.ID)
		}
		return fmt.Errorf("failed to create dependency: %w", err)
	}

	s.publish(bus.TypeRoadmapUpdate, *dep)
	return nil
}

// wouldCycle walks depends-on edges from the proposed blocker looking for the
// proposed blocked node. The transitive closure is never stored; edges are
// few enough that a DFS per insert is fine.
func (s *Store) wouldCycle(blockerKind model.DependencyKind, blockerID string, blockedKind model.DependencyKind, blockedID string) (bool, error) {
	type node struct {
		kind model.DependencyKind
		id   string
	}

	visited := make(map[node]bool)
	stack := []node{{blockerKind, blockerID}}
	target := node{blockedKind, blockedID}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true, nil
		}
		if visited[n] {
			continue
		}
		visited[n] = true

		rows, err := s.db.Query(`
			SELECT blocker_kind, blocker_id FROM dependencies
			WHERE blocked_kind = ? AND blocked_id = ?
		`, n.kind, n.id)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependencies: %w", err)
		}
		for rows.Next() {
			var next node
			if err := rows.Scan(&next.kind, &next.id); err != nil {
				rows.Close()
				return false, err
			}
			stack = append(stack, next)
		}
		rows.Close()
	}
	return false, nil
}

// GetDependency retrieves a dependency by id.
func (s *Store) GetDependency(id string) (*model.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, blocker_kind, blocker_id, blocked_kind, blocked_id, resolved, created_at, updated_at
		FROM dependencies WHERE id = ?
	`, id)

	var dep model.Dependency
	err := row.Scan(&dep.ID, &dep.BlockerKind, &dep.BlockerID, &dep.BlockedKind,
		&dep.BlockedID, &dep.Resolved, &dep.CreatedAt, &dep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dependency %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

// RemoveDependency deletes a dependency edge.
func (s *Store) RemoveDependency(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM dependencies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove dependency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dependency %s", ErrNotFound, id)
	}
	return nil
}

// ResolveDependency marks one dependency resolved.
func (s *Store) ResolveDependency(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE dependencies SET resolved = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dependency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dependency %s", ErrNotFound, id)
	}
	return nil
}

// ResolveDependenciesForBlocker resolves all unresolved edges with the given
// blocker. Used by issue sync when a checked task-list item is seen.
func (s *Store) ResolveDependenciesForBlocker(kind model.DependencyKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE dependencies SET resolved = 1, updated_at = ?
		WHERE blocker_kind = ? AND blocker_id = ? AND resolved = 0
	`, time.Now().UTC(), kind, id)
	if err != nil {
		return fmt.Errorf("failed to resolve dependencies: %w", err)
	}
	return nil
}

// HasUnresolvedDependencies reports whether anything still blocks the entity.
func (s *Store) HasUnresolvedDependencies(kind model.DependencyKind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasUnresolvedDependencies(kind, id)
}

func (s *Store) hasUnresolvedDependencies(kind model.DependencyKind, id string) (bool, error) {
	var n int
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM dependencies
		WHERE blocked_kind = ? AND blocked_id = ? AND resolved = 0
	`, kind, id)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count dependencies: %w", err)
	}
	return n > 0, nil
}

// GetDependenciesWithDetails lists an entity's dependencies joined with the
// blocker's roadmap row for display.
func (s *Store) GetDependenciesWithDetails(kind model.DependencyKind, id string) ([]model.DependencyDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDependenciesWithDetails(kind, id)
}

func (s *Store) getDependenciesWithDetails(kind model.DependencyKind, id string) ([]model.DependencyDetail, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.blocker_kind, d.blocker_id, d.blocked_kind, d.blocked_id,
			d.resolved, d.created_at, d.updated_at,
			COALESCE(r.title, ''), COALESCE(r.status, '')
		FROM dependencies d
		LEFT JOIN roadmap_items r
			ON d.blocker_kind = ? AND r.id = d.blocker_id
		WHERE d.blocked_kind = ? AND d.blocked_id = ?
		ORDER BY d.created_at, d.id
	`, model.KindRoadmapItem, kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var deps []model.DependencyDetail
	for rows.Next() {
		var d model.DependencyDetail
		err := rows.Scan(&d.ID, &d.BlockerKind, &d.BlockerID, &d.BlockedKind, &d.BlockedID,
			&d.Resolved, &d.CreatedAt, &d.UpdatedAt, &d.BlockerTitle, &d.BlockerStatus)
		if err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// UnresolvedBlockers returns the unresolved subset of an entity's
// dependencies with details, for 400 responses listing what still blocks.
func (s *Store) UnresolvedBlockers(kind model.DependencyKind, id string) ([]model.DependencyDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.getDependenciesWithDetails(kind, id)
	if err != nil {
		return nil, err
	}
	var unresolved []model.DependencyDetail
	for _, d := range all {
		if !d.Resolved {
			unresolved = append(unresolved, d)
		}
	}
	return unresolved, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
