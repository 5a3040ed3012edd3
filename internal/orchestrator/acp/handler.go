// Package acp aggregates, buffers, and fans out ACP protocol messages for
// tasks the DAG Executor is driving over the structured session protocol,
// standing between pkg/acp/protocol's wire messages and whatever surface
// (API, WebSocket, CLI) wants to watch a task's live progress.
package acp

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/pkg/acp/protocol"
)

// defaultBufferSize bounds how many recent messages a task's buffer
// retains for GetRecentMessages, independent of the store's own retention.
const defaultBufferSize = 100

// MessageStore persists ACP messages and answers progress queries; the
// DAG Executor's orchestrator layer is storage-agnostic over this
// interface (MemoryMessageStore is the one built-in implementation).
type MessageStore interface {
	Store(ctx context.Context, msg *protocol.Message) error
	GetMessages(ctx context.Context, taskID string, limit int, since time.Time) ([]*protocol.Message, error)
	GetLatestProgress(ctx context.Context, taskID string) (*protocol.ProgressData, error)
}

// MessageListener receives every ACP message processed for a task.
type MessageListener func(msg *protocol.Message)

// messageBuffer holds a task's most recent messages for low-latency
// reads that don't need to round-trip through the store.
type messageBuffer struct {
	taskID     string
	messages   []*protocol.Message
	maxSize    int
	lastUpdate time.Time
}

// Handler processes ACP messages arriving from a task's session: it
// persists each one via its MessageStore, keeps a per-task ring buffer,
// and notifies any registered listeners (e.g. a WebSocket subscriber).
type Handler struct {
	store  MessageStore
	logger *logger.Logger

	mu      sync.RWMutex
	buffers map[string]*messageBuffer

	listenerMu sync.RWMutex
	listeners  map[string][]MessageListener
}

// NewHandler constructs a Handler backed by store.
func NewHandler(store MessageStore, log *logger.Logger) *Handler {
	return &Handler{
		store:     store,
		logger:    log.WithFields(zap.String("component", "acp-orchestrator")),
		buffers:   make(map[string]*messageBuffer),
		listeners: make(map[string][]MessageListener),
	}
}

// ProcessMessage stores msg, appends it to its task's buffer (evicting
// the oldest entry once the buffer is full), and notifies listeners.
func (h *Handler) ProcessMessage(ctx context.Context, msg *protocol.Message) error {
	if err := h.store.Store(ctx, msg); err != nil {
		h.logger.Error("failed to store ACP message", zap.Error(err), zap.String("task_id", msg.TaskID))
		return err
	}

	h.mu.Lock()
	buf, ok := h.buffers[msg.TaskID]
	if !ok {
		buf = &messageBuffer{taskID: msg.TaskID, messages: make([]*protocol.Message, 0, defaultBufferSize), maxSize: defaultBufferSize}
		h.buffers[msg.TaskID] = buf
	}
	buf.messages = append(buf.messages, msg)
	if len(buf.messages) > buf.maxSize {
		buf.messages = buf.messages[1:]
	}
	buf.lastUpdate = time.Now()
	h.mu.Unlock()

	h.listenerMu.RLock()
	listeners := h.listeners[msg.TaskID]
	h.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener(msg)
	}

	h.logger.Debug("processed ACP message", zap.String("task_id", msg.TaskID), zap.String("type", string(msg.Type)))
	return nil
}

// AddListener registers listener for taskID's messages and returns a
// function that removes it.
func (h *Handler) AddListener(taskID string, listener MessageListener) func() {
	h.listenerMu.Lock()
	h.listeners[taskID] = append(h.listeners[taskID], listener)
	h.listenerMu.Unlock()

	return func() {
		h.RemoveListener(taskID, listener)
	}
}

// RemoveListener drops listener from taskID's listener set. Func values
// aren't comparable with ==, so identity is compared via the underlying
// code pointer rather than the address of the (distinct, per-call) local
// variable holding it.
func (h *Handler) RemoveListener(taskID string, listener MessageListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()

	target := reflect.ValueOf(listener).Pointer()
	listeners := h.listeners[taskID]
	for i, l := range listeners {
		if reflect.ValueOf(l).Pointer() == target {
			h.listeners[taskID] = append(listeners[:i], listeners[i+1:]...)
			return
		}
	}
}

// GetRecentMessages returns up to limit of a task's buffered messages,
// most recent last. limit <= 0 returns the full buffer.
func (h *Handler) GetRecentMessages(taskID string, limit int) []*protocol.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf, ok := h.buffers[taskID]
	if !ok {
		return nil
	}

	messages := buf.messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	result := make([]*protocol.Message, len(messages))
	copy(result, messages)
	return result
}

// GetTaskProgress returns the task's most recently reported progress.
func (h *Handler) GetTaskProgress(taskID string) (*protocol.ProgressData, error) {
	return h.store.GetLatestProgress(context.Background(), taskID)
}

// CleanupTask drops a completed task's buffer and listeners; the DAG
// Executor calls it when a task's ACP session ends, before the task's
// agent is released.
func (h *Handler) CleanupTask(taskID string) {
	h.mu.Lock()
	delete(h.buffers, taskID)
	h.mu.Unlock()

	h.listenerMu.Lock()
	delete(h.listeners, taskID)
	h.listenerMu.Unlock()

	h.logger.Info("cleaned up ACP task state", zap.String("task_id", taskID))
}
