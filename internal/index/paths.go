package index

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"basin/internal/land"
	"basin/internal/session"
)

// Schema for the path index. Everything here is derived from session
// logs and land history, so the file can be deleted and rebuilt at any
// time.
const pathSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT PRIMARY KEY,
    owner           TEXT NOT NULL,
    goal            TEXT,
    state           TEXT NOT NULL,
    base_position   INTEGER NOT NULL,
    records         INTEGER NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_paths (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    path        TEXT NOT NULL,
    PRIMARY KEY (session_id, path)
);

CREATE INDEX IF NOT EXISTS idx_session_paths_path ON session_paths(path);

CREATE TABLE IF NOT EXISTS land_events (
    position        INTEGER PRIMARY KEY,
    session_id      TEXT NOT NULL,
    agent_id        TEXT NOT NULL,
    partition_prefix TEXT NOT NULL DEFAULT '',
    tree_hash       TEXT NOT NULL,
    landed_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS landed_paths (
    position    INTEGER NOT NULL REFERENCES land_events(position) ON DELETE CASCADE,
    path        TEXT NOT NULL,
    PRIMARY KEY (position, path)
);

CREATE INDEX IF NOT EXISTS idx_landed_paths_path ON landed_paths(path);
`

// pathIndex is the SQLite side of the index: which sessions and land
// events touched which paths.
type pathIndex struct {
	db *sql.DB
}

func sqliteDSN(path string) string {
	return path + "?_foreign_keys=on&_journal_mode=WAL"
}

// openPathIndex opens or creates the database. An unreadable file is
// removed and recreated, since the contents are rebuildable.
func openPathIndex(path string, logger *slog.Logger) (*pathIndex, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open path index: %w", err)
	}
	if _, err := db.Exec(pathSchema); err != nil {
		db.Close()
		logger.Warn("path index unreadable, recreating", "path", path, "error", err)
		if err := removeSQLiteFiles(path); err != nil {
			return nil, fmt.Errorf("remove unreadable path index: %w", err)
		}
		db, err = sql.Open("sqlite3", sqliteDSN(path))
		if err != nil {
			return nil, fmt.Errorf("reopen path index: %w", err)
		}
		if _, err := db.Exec(pathSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply path index schema: %w", err)
		}
	}
	return &pathIndex{db: db}, nil
}

// removeSQLiteFiles deletes the database and its WAL sidecars.
func removeSQLiteFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (p *pathIndex) close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// upsertSession replaces the indexed row and touched paths for one
// session.
func (p *pathIndex) upsertSession(meta session.Meta) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO sessions (id, owner, goal, state, base_position, records, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID.String(), meta.Owner.String(), meta.Goal, string(meta.State),
		meta.BasePosition, meta.Records, meta.CreatedAt.UnixNano(), meta.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM session_paths WHERE session_id = ?`, meta.ID.String()); err != nil {
		return fmt.Errorf("clear session paths: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO session_paths (session_id, path) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, path := range meta.TouchedPaths {
		if _, err := stmt.Exec(meta.ID.String(), path); err != nil {
			return fmt.Errorf("insert session path: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// recordLand indexes one land event and its touched paths.
func (p *pathIndex) recordLand(event *land.Event) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO land_events (position, session_id, agent_id, partition_prefix, tree_hash, landed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.Position, event.SessionID.String(), event.AgentID.String(),
		event.Partition, event.TreeHash.String(), event.LandedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("upsert land event: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO landed_paths (position, path) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, path := range event.TouchedPaths {
		if _, err := stmt.Exec(event.Position, path); err != nil {
			return fmt.Errorf("insert landed path: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sessionsTouching returns the IDs of every indexed session that wrote
// or deleted the path.
func (p *pathIndex) sessionsTouching(path string) ([]uuid.UUID, error) {
	rows, err := p.db.Query(`SELECT session_id FROM session_paths WHERE path = ? ORDER BY session_id`, path)
	if err != nil {
		return nil, fmt.Errorf("query sessions touching path: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return ids, nil
}

// landsTouching returns the positions after afterPosition whose land
// touched the path, in ascending order.
func (p *pathIndex) landsTouching(path string, afterPosition uint64) ([]uint64, error) {
	rows, err := p.db.Query(`
		SELECT position FROM landed_paths
		WHERE path = ? AND position > ?
		ORDER BY position ASC`, path, afterPosition)
	if err != nil {
		return nil, fmt.Errorf("query lands touching path: %w", err)
	}
	defer rows.Close()

	var positions []uint64
	for rows.Next() {
		var position uint64
		if err := rows.Scan(&position); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}

// pathsUnder returns every indexed path with the given prefix, sorted.
// The scan walks ordered rows starting at the prefix and stops at the
// first non-match, so no LIKE escaping is needed.
func (p *pathIndex) pathsUnder(prefix string) ([]string, error) {
	rows, err := p.db.Query(`
		SELECT path FROM (
		    SELECT path FROM session_paths
		    UNION
		    SELECT path FROM landed_paths
		)
		WHERE path >= ? ORDER BY path ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query paths under prefix: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		if !strings.HasPrefix(path, prefix) {
			break
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paths: %w", err)
	}
	return paths, nil
}

func (p *pathIndex) sessionCount() (uint64, error) {
	var n uint64
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (p *pathIndex) landCount() (uint64, error) {
	var n uint64
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM land_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count land events: %w", err)
	}
	return n, nil
}
