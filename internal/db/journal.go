package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// CreateBranch inserts a branch pointer. The caller decides the base commit.
func (db *DB) CreateBranch(b *types.Branch) error {
	_, err := db.conn.Exec(`
		INSERT INTO branches (name, description, head_commit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.Name, b.Description, nullable(b.HeadCommit),
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		b.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil && isUniqueErr(err) {
		return errdefs.Wrapf(errdefs.ErrBranchExists, "branch %q", b.Name)
	}
	return err
}

// GetBranch returns a branch by name; nil when unknown.
func (db *DB) GetBranch(name string) (*types.Branch, error) {
	row := db.conn.QueryRow(`
		SELECT name, description, head_commit, created_at, updated_at
		FROM branches WHERE name = ?
	`, name)

	var b types.Branch
	var desc, head sql.NullString
	var createdStr, updatedStr string
	err := row.Scan(&b.Name, &desc, &head, &createdStr, &updatedStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	b.Description = desc.String
	b.HeadCommit = head.String
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &b, nil
}

// ListBranches returns all branches ordered by name.
func (db *DB) ListBranches() ([]*types.Branch, error) {
	rows, err := db.conn.Query(`
		SELECT name, description, head_commit, created_at, updated_at
		FROM branches ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []*types.Branch
	for rows.Next() {
		var b types.Branch
		var desc, head sql.NullString
		var createdStr, updatedStr string
		if err := rows.Scan(&b.Name, &desc, &head, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		b.Description = desc.String
		b.HeadCommit = head.String
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		branches = append(branches, &b)
	}
	return branches, rows.Err()
}

// InsertCommit writes a commit, its event associations, and the new branch
// head in one transaction. A branch head update is a single-writer
// operation; the journal service serializes callers per branch.
func (db *DB) InsertCommit(c *types.Commit) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO commits (id, branch, message, parent_id, merge_parent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Branch, c.Message, nullable(c.ParentID), nullable(c.MergeParent),
		c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	for _, eventID := range c.EventIDs {
		if _, err := tx.Exec(
			"INSERT INTO commit_events (commit_id, event_id) VALUES (?, ?)",
			c.ID, eventID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		"UPDATE branches SET head_commit = ?, updated_at = ? WHERE name = ?",
		c.ID, c.CreatedAt.UTC().Format(time.RFC3339Nano), c.Branch); err != nil {
		return err
	}

	return tx.Commit()
}

// GetCommit returns a commit with its event ids; nil when unknown.
func (db *DB) GetCommit(id string) (*types.Commit, error) {
	row := db.conn.QueryRow(`
		SELECT id, branch, message, parent_id, merge_parent, created_at
		FROM commits WHERE id = ?
	`, id)

	var c types.Commit
	var msg, parent, mergeParent sql.NullString
	var createdStr string
	err := row.Scan(&c.ID, &c.Branch, &msg, &parent, &mergeParent, &createdStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.Message = msg.String
	c.ParentID = parent.String
	c.MergeParent = mergeParent.String
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

	eventIDs, err := db.commitEventIDs(id)
	if err != nil {
		return nil, err
	}
	c.EventIDs = eventIDs
	return &c, nil
}

func (db *DB) commitEventIDs(commitID string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT event_id FROM commit_events WHERE commit_id = ? ORDER BY event_id ASC", commitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CommitsInWindow returns a branch's commits within [since, until], oldest first.
func (db *DB) CommitsInWindow(branch string, since, until time.Time) ([]*types.Commit, error) {
	rows, err := db.conn.Query(`
		SELECT id FROM commits
		WHERE branch = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC
	`, branch, since.UTC().Format(time.RFC3339Nano), until.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	commits := make([]*types.Commit, 0, len(ids))
	for _, id := range ids {
		c, err := db.GetCommit(id)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// ReachableEventIDs walks the commit DAG from head and collects every event
// id referenced by a reachable commit.
func (db *DB) ReachableEventIDs(head string) ([]string, error) {
	visited := make(map[string]bool)
	seen := make(map[string]bool)
	var ids []string

	stack := []string{head}
	for len(stack) > 0 {
		commitID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if commitID == "" || visited[commitID] {
			continue
		}
		visited[commitID] = true

		c, err := db.GetCommit(commitID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		for _, id := range c.EventIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		stack = append(stack, c.ParentID, c.MergeParent)
	}

	return ids, nil
}

// IsAncestor reports whether commit a is reachable from commit b.
func (db *DB) IsAncestor(a, b string) (bool, error) {
	if a == "" || b == "" {
		return false, nil
	}
	visited := make(map[string]bool)
	stack := []string{b}
	for len(stack) > 0 {
		commitID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if commitID == "" || visited[commitID] {
			continue
		}
		if commitID == a {
			return true, nil
		}
		visited[commitID] = true

		c, err := db.GetCommit(commitID)
		if err != nil {
			return false, err
		}
		if c == nil {
			continue
		}
		stack = append(stack, c.ParentID, c.MergeParent)
	}
	return false, nil
}

// InsertTag writes an immutable tag; fails when the name is taken.
func (db *DB) InsertTag(t *types.Tag) error {
	_, err := db.conn.Exec(`
		INSERT INTO tags (name, commit_id, message, created_at)
		VALUES (?, ?, ?, ?)
	`, t.Name, t.CommitID, t.Message, t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil && isUniqueErr(err) {
		return errdefs.Wrapf(errdefs.ErrTagExists, "tag %q", t.Name)
	}
	return err
}

// GetTag returns a tag by name; nil when unknown.
func (db *DB) GetTag(name string) (*types.Tag, error) {
	row := db.conn.QueryRow(
		"SELECT name, commit_id, message, created_at FROM tags WHERE name = ?", name)

	var t types.Tag
	var msg sql.NullString
	var createdStr string
	err := row.Scan(&t.Name, &t.CommitID, &msg, &createdStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Message = msg.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &t, nil
}

// DeleteTag removes a tag. Explicit administrative action; re-tagging a
// name requires this first.
func (db *DB) DeleteTag(name string) error {
	_, err := db.conn.Exec("DELETE FROM tags WHERE name = ?", name)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueErr(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
