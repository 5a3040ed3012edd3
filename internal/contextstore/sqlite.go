package contextstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// SQLiteStore is the default single-node Context Store backend: sqlite on
// disk, fronted by an in-memory LRU, with gzip compression for large outputs.
type SQLiteStore struct {
	db    *sql.DB
	cache *lru.Cache[string, *Entry]
}

// NewSQLiteStore opens (and migrates) a sqlite-backed Context Store at path,
// fronted by an LRU of the given capacity.
func NewSQLiteStore(path string, lruSize int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open context store database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if lruSize <= 0 {
		lruSize = 256
	}
	cache, err := lru.New[string, *Entry](lruSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create context store LRU: %w", err)
	}

	s := &SQLiteStore{db: db, cache: cache}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS context_entries (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		output BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, task_id)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init context store schema: %w", err)
	}
	return nil
}

func cacheKey(runID, taskID string) string { return runID + "\x00" + taskID }

// Save persists output for (runID, taskID), compressing it first when it
// exceeds compressionThreshold, and refreshes the LRU entry.
func (s *SQLiteStore) Save(ctx context.Context, runID, taskID, output string, exitCode int) error {
	payload := []byte(output)
	compressed := false

	if len(payload) > compressionThreshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return cerrors.Wrap(cerrors.KindStorage, "compress context entry", err)
		}
		if err := gw.Close(); err != nil {
			return cerrors.Wrap(cerrors.KindStorage, "flush context entry compressor", err)
		}
		payload = buf.Bytes()
		compressed = true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_entries (run_id, task_id, output, compressed, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			output = excluded.output,
			compressed = excluded.compressed,
			exit_code = excluded.exit_code,
			created_at = excluded.created_at`,
		runID, taskID, payload, compressed, exitCode, time.Now())
	if err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "save context entry", err)
	}

	s.cache.Add(cacheKey(runID, taskID), &Entry{RunID: runID, TaskID: taskID, Output: output, ExitCode: exitCode})
	return nil
}

// Load returns the saved entry for (runID, taskID), checking the LRU first.
func (s *SQLiteStore) Load(ctx context.Context, runID, taskID string) (*Entry, error) {
	if entry, ok := s.cache.Get(cacheKey(runID, taskID)); ok {
		return entry, nil
	}

	var payload []byte
	var compressed bool
	var exitCode int
	row := s.db.QueryRowContext(ctx,
		`SELECT output, compressed, exit_code FROM context_entries WHERE run_id = ? AND task_id = ?`,
		runID, taskID)
	if err := row.Scan(&payload, &compressed, &exitCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, cerrors.NotFound("context entry", runID+"/"+taskID)
		}
		return nil, cerrors.Wrap(cerrors.KindStorage, "load context entry", err)
	}

	if compressed {
		gr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindStorage, "open context entry decompressor", err)
		}
		defer gr.Close()
		decoded, err := io.ReadAll(gr)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindStorage, "decompress context entry", err)
		}
		payload = decoded
	}

	entry := &Entry{RunID: runID, TaskID: taskID, Output: string(payload), ExitCode: exitCode}
	s.cache.Add(cacheKey(runID, taskID), entry)
	return entry, nil
}

// ClearRunCache deletes every entry for runID, on disk and from the LRU.
func (s *SQLiteStore) ClearRunCache(ctx context.Context, runID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM context_entries WHERE run_id = ?`, runID)
	if err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "enumerate run context entries", err)
	}
	var taskIDs []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			rows.Close()
			return cerrors.Wrap(cerrors.KindStorage, "scan run context entry", err)
		}
		taskIDs = append(taskIDs, taskID)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_entries WHERE run_id = ?`, runID); err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "clear run context cache", err)
	}

	for _, taskID := range taskIDs {
		s.cache.Remove(cacheKey(runID, taskID))
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)
