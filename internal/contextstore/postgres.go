package contextstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/gzip"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// PostgresStore is the clustered-deployment Context Store backend: a
// shared Postgres table visible to every node, fronted by each node's own
// in-memory LRU.
type PostgresStore struct {
	pool  *pgxpool.Pool
	cache *lru.Cache[string, *Entry]
}

// NewPostgresStore connects to dsn and migrates the context_entries table.
func NewPostgresStore(ctx context.Context, dsn string, lruSize int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect context store postgres pool: %w", err)
	}

	if lruSize <= 0 {
		lruSize = 256
	}
	cache, err := lru.New[string, *Entry](lruSize)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create context store LRU: %w", err)
	}

	s := &PostgresStore{pool: pool, cache: cache}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS context_entries (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		output BYTEA NOT NULL,
		compressed BOOLEAN NOT NULL DEFAULT FALSE,
		exit_code INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, task_id)
	);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init context store schema: %w", err)
	}
	return nil
}

// Save persists output for (runID, taskID) in Postgres, compressing it
// first when it exceeds compressionThreshold.
func (s *PostgresStore) Save(ctx context.Context, runID, taskID, output string, exitCode int) error {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO context_entries (run_id, task_id, output, compressed, exit_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
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
func (s *PostgresStore) Load(ctx context.Context, runID, taskID string) (*Entry, error) {
	if entry, ok := s.cache.Get(cacheKey(runID, taskID)); ok {
		return entry, nil
	}

	var payload []byte
	var compressed bool
	var exitCode int
	row := s.pool.QueryRow(ctx,
		`SELECT output, compressed, exit_code FROM context_entries WHERE run_id = $1 AND task_id = $2`,
		runID, taskID)
	if err := row.Scan(&payload, &compressed, &exitCode); err != nil {
		if err == pgx.ErrNoRows {
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

// ClearRunCache deletes every entry for runID, in Postgres and the LRU.
func (s *PostgresStore) ClearRunCache(ctx context.Context, runID string) error {
	rows, err := s.pool.Query(ctx, `SELECT task_id FROM context_entries WHERE run_id = $1`, runID)
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

	if _, err := s.pool.Exec(ctx, `DELETE FROM context_entries WHERE run_id = $1`, runID); err != nil {
		return cerrors.Wrap(cerrors.KindStorage, "clear run context cache", err)
	}

	for _, taskID := range taskIDs {
		s.cache.Remove(cacheKey(runID, taskID))
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
