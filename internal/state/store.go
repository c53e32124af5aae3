// Package state persists per-file offsets and the dedup index in a SQLite
// database. A batch's offset advance and its dedup insertions are written
// in one transaction, so the two can never disagree after a crash.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"signalpipe/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_state (
	path        TEXT PRIMARY KEY,
	offset      INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	mtime_ns    INTEGER NOT NULL,
	head_hash   TEXT NOT NULL,
	head_len    INTEGER NOT NULL,
	generation  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dedup (
	id           TEXT PRIMARY KEY,
	committed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dedup_committed_at ON dedup (committed_at);
`

// Store is the durable state store. Safe for concurrent use; commits from
// different file pipelines serialize on the single write connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the store at path and applies migrations. Failure
// here is unrecoverable for the process.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	// sqlite allows one writer; a single connection keeps commits serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadFileState returns the persisted state for a path, reporting whether
// one exists.
func (s *Store) LoadFileState(path string) (model.FileState, bool, error) {
	var st model.FileState
	st.Path = path
	err := s.db.QueryRow(
		`SELECT offset, size, mtime_ns, head_hash, head_len, generation
		 FROM file_state WHERE path = ?`, path,
	).Scan(&st.Offset, &st.Size, &st.MtimeNS, &st.HeadHash, &st.HeadLen, &st.Generation)
	if err == sql.ErrNoRows {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("loading file state for %s: %w", path, err)
	}
	return st, true, nil
}

// CommitBatch atomically records a terminal outcome: the file's new state
// (offset advance or reset) together with the dedup entries of the batch.
// An empty id list commits only the offset, covering ranges made entirely
// of duplicates and dead-lettered lines.
func (s *Store) CommitBatch(st model.FileState, ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning commit for %s: %w", st.Path, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO file_state (path, offset, size, mtime_ns, head_hash, head_len, generation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			offset = excluded.offset,
			size = excluded.size,
			mtime_ns = excluded.mtime_ns,
			head_hash = excluded.head_hash,
			head_len = excluded.head_len,
			generation = excluded.generation`,
		st.Path, st.Offset, st.Size, st.MtimeNS, st.HeadHash, st.HeadLen, st.Generation,
	)
	if err != nil {
		return fmt.Errorf("committing file state for %s: %w", st.Path, err)
	}

	if len(ids) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO dedup (id, committed_at) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing dedup insert: %w", err)
		}
		defer stmt.Close()
		now := time.Now().UTC().UnixNano()
		for _, id := range ids {
			if _, err := stmt.Exec(id, now); err != nil {
				return fmt.Errorf("committing dedup id %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch for %s: %w", st.Path, err)
	}
	return nil
}

// LoadDedup returns all identifiers committed at or after since. A zero
// time loads the whole index.
func (s *Store) LoadDedup(since time.Time) (map[string]time.Time, error) {
	cutoff := int64(0)
	if !since.IsZero() {
		cutoff = since.UnixNano()
	}
	rows, err := s.db.Query(
		`SELECT id, committed_at FROM dedup WHERE committed_at >= ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("loading dedup index: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scanning dedup row: %w", err)
		}
		ids[id] = time.Unix(0, at).UTC()
	}
	return ids, rows.Err()
}

// PruneDedup removes identifiers committed before the cutoff. Entries may
// expire only once their batch outcome is durable, which holds for every
// row by construction.
func (s *Store) PruneDedup(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM dedup WHERE committed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning dedup index: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
