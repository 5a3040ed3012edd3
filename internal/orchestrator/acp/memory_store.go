package acp

import (
	"context"
	"sync"
	"time"

	"github.com/cisnet/cis/pkg/acp/protocol"
)

// MemoryMessageStore is a process-local MessageStore: every message for
// a run lives only as long as the daemon does, which is sufficient for
// a task's live ACP transcript since completed runs persist their final
// output through internal/contextstore instead.
type MemoryMessageStore struct {
	mu         sync.RWMutex
	messages   map[string][]*protocol.Message
	maxPerTask int
}

// NewMemoryMessageStore creates a store retaining at most maxPerTask
// messages per task, oldest evicted first; maxPerTask <= 0 defaults to
// 1000.
func NewMemoryMessageStore(maxPerTask int) *MemoryMessageStore {
	if maxPerTask <= 0 {
		maxPerTask = 1000
	}
	return &MemoryMessageStore{
		messages:   make(map[string][]*protocol.Message),
		maxPerTask: maxPerTask,
	}
}

// Store appends msg to its task's history, trimming from the front once
// maxPerTask is exceeded.
func (s *MemoryMessageStore) Store(ctx context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.messages[msg.TaskID], msg)
	if len(history) > s.maxPerTask {
		history = history[len(history)-s.maxPerTask:]
	}
	s.messages[msg.TaskID] = history
	return nil
}

// GetMessages returns a task's messages newer than since, most recent
// limit of them if limit > 0.
func (s *MemoryMessageStore) GetMessages(ctx context.Context, taskID string, limit int, since time.Time) ([]*protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*protocol.Message
	for _, msg := range s.messages[taskID] {
		if msg.Timestamp.After(since) {
			matched = append(matched, msg)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]*protocol.Message, len(matched))
	copy(out, matched)
	return out, nil
}

// GetLatestProgress returns the most recent MessageTypeProgress message's
// payload for taskID, scanning backwards, or nil if the task has reported
// no progress.
func (s *MemoryMessageStore) GetLatestProgress(ctx context.Context, taskID string) (*protocol.ProgressData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[taskID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == protocol.MessageTypeProgress {
			return decodeProgress(history[i].Data), nil
		}
	}
	return nil, nil
}

// decodeProgress pulls a ProgressData back out of a message's loosely
// typed Data map. Numeric fields may arrive as float64 (messages built
// by pkg/acp/protocol's JSON round-trip constructors, or anything parsed
// off the wire) or as int (messages assembled directly in-process), so
// both are handled.
func decodeProgress(data map[string]interface{}) *protocol.ProgressData {
	out := &protocol.ProgressData{
		Progress:       intField(data, "progress"),
		FilesProcessed: intField(data, "files_processed"),
		TotalFiles:     intField(data, "total_files"),
	}
	if message, ok := data["message"].(string); ok {
		out.Message = message
	}
	if currentFile, ok := data["current_file"].(string); ok {
		out.CurrentFile = currentFile
	}
	return out
}

func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Delete drops every stored message for taskID.
func (s *MemoryMessageStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, taskID)
	return nil
}
