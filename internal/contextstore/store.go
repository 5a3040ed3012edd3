// Package contextstore is the per-run, per-task keyed cache of upstream
// task outputs (spec §3 Context Store), backed by sqlite or postgres with
// an in-memory LRU front and transparent chunk compression.
package contextstore

import (
	"context"
)

// Entry is one saved task output.
type Entry struct {
	RunID    string
	TaskID   string
	Output   string
	ExitCode int
}

// Store is the Context Store contract: save/load per (run, task), and
// clear a run's cached entries once it finishes.
type Store interface {
	Save(ctx context.Context, runID, taskID, output string, exitCode int) error
	Load(ctx context.Context, runID, taskID string) (*Entry, error)
	ClearRunCache(ctx context.Context, runID string) error
	Close() error
}

// compressionThreshold is the output size, in bytes, above which Save
// transparently gzip-compresses the payload before persisting it.
const compressionThreshold = 10 * 1024
