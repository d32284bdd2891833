// Package journal keeps an append-only log of published updates in SQLite.
//
// Publishing is best effort, so subscribers that were disconnected or too slow
// read the journal to catch up. Every update gets a monotonically increasing
// sequence number; clients remember the last number they saw and ask for
// everything after it.
//
// Architecture:
//   - Database file: <data dir>/journal.db
//   - WAL mode: readers do not block the appending main loop
//   - Schema: one updates table indexed by project and timestamp
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/resource"
)

// DefaultLimit caps reads that do not specify a limit.
const DefaultLimit = 500

// Journal is the update log.
type Journal struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal at path and initializes its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	// Pragmas below are per connection; a single connection keeps them in force.
	conn.SetMaxOpenConns(1)

	j := &Journal{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := j.conn.Exec(pragma); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := j.InitSchema(context.Background()); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close checkpoints the WAL and closes the database.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint journal WAL: %v\n", err)
	}
	if err := j.conn.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	j.conn = nil
	return nil
}

// InitSchema creates the updates table if it does not exist. It is idempotent.
func (j *Journal) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS updates (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		cause TEXT NOT NULL,
		project TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		data BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_updates_project ON updates(project, seq);
	CREATE INDEX IF NOT EXISTS idx_updates_timestamp ON updates(timestamp);
	`
	if _, err := j.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// Append stores updates in one transaction and returns their sequence numbers.
func (j *Journal) Append(ctx context.Context, updates ...protocol.Update) ([]int64, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO updates (id, cause, project, kind, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	seqs := make([]int64, 0, len(updates))
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx,
			u.ID.String(),
			u.Cause.String(),
			u.Project.String(),
			string(u.Kind),
			u.Timestamp.UnixNano(),
			[]byte(u.Data),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to append update %s: %w", u.ID, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read sequence of %s: %w", u.ID, err)
		}
		seqs = append(seqs, seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit updates: %w", err)
	}
	return seqs, nil
}

// Since returns up to limit updates with a sequence number above seq, oldest first.
// A nil project selects every project and app update.
func (j *Journal) Since(ctx context.Context, seq int64, project resource.ID, limit int) ([]protocol.JournaledUpdate, error) {
	query := `SELECT seq, id, cause, project, kind, timestamp, data FROM updates WHERE seq > ?`
	args := []any{seq}
	return j.query(ctx, query, args, project, limit)
}

// SinceTime returns up to limit updates stamped at or after t, oldest first.
func (j *Journal) SinceTime(ctx context.Context, t time.Time, project resource.ID, limit int) ([]protocol.JournaledUpdate, error) {
	query := `SELECT seq, id, cause, project, kind, timestamp, data FROM updates WHERE timestamp >= ?`
	args := []any{t.UnixNano()}
	return j.query(ctx, query, args, project, limit)
}

func (j *Journal) query(ctx context.Context, query string, args []any, project resource.ID, limit int) ([]protocol.JournaledUpdate, error) {
	if project != resource.Nil {
		query += ` AND project = ?`
		args = append(args, project.String())
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []protocol.JournaledUpdate
	for rows.Next() {
		var (
			ju                   protocol.JournaledUpdate
			id, cause, pid, kind string
			nanos                int64
			data                 []byte
		)
		if err := rows.Scan(&ju.Seq, &id, &cause, &pid, &kind, &nanos, &data); err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		if ju.Update.ID, err = resource.ParseID(id); err != nil {
			return nil, fmt.Errorf("invalid update id %q: %w", id, err)
		}
		if ju.Update.Cause, err = resource.ParseID(cause); err != nil {
			return nil, fmt.Errorf("invalid cause %q: %w", cause, err)
		}
		if ju.Update.Project, err = resource.ParseID(pid); err != nil {
			return nil, fmt.Errorf("invalid project %q: %w", pid, err)
		}
		ju.Update.Kind = protocol.UpdateKind(kind)
		ju.Update.Timestamp = time.Unix(0, nanos).UTC()
		if len(data) > 0 {
			ju.Update.Data = json.RawMessage(data)
		}
		out = append(out, ju)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}

// Latest returns the highest sequence number, or zero for an empty journal.
func (j *Journal) Latest(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM updates`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest sequence: %w", err)
	}
	return seq.Int64, nil
}

// Prune deletes updates stamped before cutoff and returns how many were removed.
// Sequence numbers are never reused.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.conn.ExecContext(ctx, `DELETE FROM updates WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned updates: %w", err)
	}
	return n, nil
}
