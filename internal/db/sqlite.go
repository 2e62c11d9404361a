// Package db provides SQLite storage for the event log, vector index and journal
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/calder-dev/mnemo/pkg/errdefs"
	"github.com/calder-dev/mnemo/pkg/types"
)

// DB wraps the SQLite database connection
type DB struct {
	conn   *sql.DB
	vecDim int
}

// New creates a new database connection and initializes schema. vecDim is
// the embedding dimension of the configured provider; the vec0 virtual
// table is created to match.
func New(path string, vecDim int) (*DB, error) {
	// Register sqlite-vec extension
	sqlite_vec.Auto()

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "failed to open database: %v", err)
	}

	db := &DB{conn: conn, vecDim: vecDim}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "failed to migrate: %v", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Append-only event log
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT 'main',
		data TEXT, -- JSON object
		importance REAL NOT NULL DEFAULT 5.0,
		tags TEXT, -- JSON array
		source TEXT,
		parent_id TEXT,
		related_ids TEXT, -- JSON array
		created_at TEXT NOT NULL,
		indexed_at TEXT -- NULL until the vector index has picked it up
	);

	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project);
	CREATE INDEX IF NOT EXISTS idx_events_branch ON events(branch);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_indexed ON events(indexed_at);

	-- Embeddings cache, keyed by the model that produced them
	CREATE TABLE IF NOT EXISTS embeddings (
		event_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL, -- float32 array as blob
		model TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
	);

	-- Journal: branch pointers plus an immutable commit DAG
	CREATE TABLE IF NOT EXISTS branches (
		name TEXT PRIMARY KEY,
		description TEXT,
		head_commit TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commits (
		id TEXT PRIMARY KEY,
		branch TEXT NOT NULL,
		message TEXT,
		parent_id TEXT,
		merge_parent TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commits_branch ON commits(branch);

	CREATE TABLE IF NOT EXISTS commit_events (
		commit_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		PRIMARY KEY (commit_id, event_id),
		FOREIGN KEY (commit_id) REFERENCES commits(id),
		FOREIGN KEY (event_id) REFERENCES events(id)
	);

	CREATE TABLE IF NOT EXISTS tags (
		name TEXT PRIMARY KEY,
		commit_id TEXT NOT NULL,
		message TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (commit_id) REFERENCES commits(id)
	);
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}

	return db.createVecTable()
}

// createVecTable (re)creates the vec0 virtual table sized to the configured
// embedding dimension. ClearIndex drops and recreates it so that a rebuild
// after switching to a provider with a different dimension starts from a
// table that matches.
func (db *DB) createVecTable() error {
	vecSchema := fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS vec_events USING vec0(
		event_id TEXT PRIMARY KEY,
		embedding float[%d]
	);
	`, db.vecDim)

	_, err := db.conn.Exec(vecSchema)
	return err
}

// InsertEvent appends an event. Uniqueness is enforced on checksum inside a
// single statement, so concurrent ingestions of the same content converge
// on one winner; the loser observes created=false and the winner's id.
func (db *DB) InsertEvent(e *types.Event) (types.IngestResult, error) {
	tagsJSON, _ := json.Marshal(e.Tags)
	dataJSON, _ := json.Marshal(e.Data)
	relatedJSON, _ := json.Marshal(e.RelatedIDs)

	res, err := db.conn.Exec(`
		INSERT INTO events (id, checksum, type, timestamp, project, branch, data,
			importance, tags, source, parent_id, related_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(checksum) DO NOTHING
	`, e.ID, e.Checksum, e.Type, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Project, e.Branch, string(dataJSON), e.Importance, string(tagsJSON),
		e.Source, e.ParentID, string(relatedJSON),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: events.id") {
			return types.IngestResult{}, errdefs.Wrapf(errdefs.ErrConflict, "event id already in use: %s", e.ID)
		}
		return types.IngestResult{}, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "insert event: %v", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		return types.IngestResult{ID: e.ID, Created: true}, nil
	}

	// Duplicate checksum: return the winner's id.
	var winner string
	if err := db.conn.QueryRow("SELECT id FROM events WHERE checksum = ?", e.Checksum).Scan(&winner); err != nil {
		return types.IngestResult{}, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "lookup winner: %v", err)
	}
	return types.IngestResult{ID: winner, Created: false}, nil
}

// GetEvent retrieves an event by ID; returns nil when unknown.
func (db *DB) GetEvent(id string) (*types.Event, error) {
	row := db.conn.QueryRow(eventColumns+" FROM events WHERE id = ?", id)
	return scanEvent(row)
}

const eventColumns = `SELECT id, checksum, type, timestamp, project, branch, data,
	importance, tags, source, parent_id, related_ids, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var e types.Event
	var tsStr, createdStr string
	var dataJSON, tagsJSON, relatedJSON, source, parentID sql.NullString

	err := row.Scan(&e.ID, &e.Checksum, &e.Type, &tsStr, &e.Project, &e.Branch,
		&dataJSON, &e.Importance, &tagsJSON, &source, &parentID, &relatedJSON, &createdStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if dataJSON.Valid {
		json.Unmarshal([]byte(dataJSON.String), &e.Data)
	}
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &e.Tags)
	}
	if relatedJSON.Valid {
		json.Unmarshal([]byte(relatedJSON.String), &e.RelatedIDs)
	}
	e.Source = source.String
	e.ParentID = parentID.String
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

	return &e, nil
}

// QueryEvents returns events matching the given filters. extraIDs widens the
// branch filter with journal-reachable event ids; pass nil when the branch
// filter should match the branch column alone. Ordering is deterministic:
// the requested order, then id ascending.
func (db *DB) QueryEvents(opts types.QueryOptions, extraIDs []string) ([]*types.Event, error) {
	var conditions []string
	var args []interface{}

	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}

	if opts.Project != "" {
		conditions = append(conditions, "project = ?")
		args = append(args, opts.Project)
	}

	if opts.Branch != "" {
		if len(extraIDs) > 0 {
			placeholders := make([]string, len(extraIDs))
			args = append(args, opts.Branch)
			for i, id := range extraIDs {
				placeholders[i] = "?"
				args = append(args, id)
			}
			conditions = append(conditions, fmt.Sprintf("(branch = ? OR id IN (%s))", strings.Join(placeholders, ",")))
		} else {
			conditions = append(conditions, "branch = ?")
			args = append(args, opts.Branch)
		}
	}

	if len(opts.TagsAny) > 0 {
		placeholders := make([]string, len(opts.TagsAny))
		for i, tag := range opts.TagsAny {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM json_each(events.tags) WHERE json_each.value IN (%s))",
			strings.Join(placeholders, ",")))
	}

	if opts.MinImportance > 0 {
		conditions = append(conditions, "importance >= ?")
		args = append(args, opts.MinImportance)
	}

	if !opts.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if !opts.Until.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, opts.Until.UTC().Format(time.RFC3339Nano))
	}

	query := eventColumns + " FROM events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	switch opts.Order {
	case types.OrderImportance:
		query += " ORDER BY importance DESC, id ASC"
	default:
		query += " ORDER BY timestamp DESC, id ASC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrStoreUnavailable, "query events: %v", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// MissingEvents returns the subset of ids not present in the log.
func (db *DB) MissingEvents(ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var one int
		err := db.conn.QueryRow("SELECT 1 FROM events WHERE id = ?", id).Scan(&one)
		if err == sql.ErrNoRows {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// PendingEvents returns events not yet picked up by the vector index,
// oldest first.
func (db *DB) PendingEvents(limit int) ([]*types.Event, error) {
	rows, err := db.conn.Query(
		eventColumns+" FROM events WHERE indexed_at IS NULL ORDER BY created_at ASC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkIndexed records that the vector index holds a current vector for the event.
func (db *DB) MarkIndexed(id string) error {
	_, err := db.conn.Exec("UPDATE events SET indexed_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// Stats returns store statistics
func (db *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	for name, q := range map[string]string{
		"events":     "SELECT COUNT(*) FROM events",
		"pending":    "SELECT COUNT(*) FROM events WHERE indexed_at IS NULL",
		"embeddings": "SELECT COUNT(*) FROM embeddings",
		"branches":   "SELECT COUNT(*) FROM branches",
		"commits":    "SELECT COUNT(*) FROM commits",
		"tags":       "SELECT COUNT(*) FROM tags",
	} {
		var count int
		if err := db.conn.QueryRow(q).Scan(&count); err != nil {
			return nil, err
		}
		stats[name] = count
	}

	return stats, nil
}
