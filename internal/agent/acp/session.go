// Package acp manages ACP (Agent Control Protocol) sessions layered over a
// task's PTY stream, for agent runtimes that speak structured JSON-RPC
// instead of raw terminal I/O.
package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/eventbus"
	"github.com/cisnet/cis/pkg/acp/jsonrpc"
)

// Session is an active ACP session with one agent runtime.
type Session struct {
	AgentID   string
	TaskID    string
	SessionID string // ACP session ID assigned by the agent
	Client    *jsonrpc.Client
	Stdin     io.WriteCloser
	Stdout    io.Reader
	CreatedAt time.Time
	Status    string // initializing, ready, prompting, complete, error
	mu        sync.RWMutex
}

// UpdateHandler is called when the agent sends a session/update notification.
type UpdateHandler func(agentID, taskID, updateType string, data json.RawMessage)

// SessionManager tracks one ACP session per acquired agent.
type SessionManager struct {
	sessions map[string]*Session // by agent ID
	mu       sync.RWMutex
	eventBus eventbus.Bus
	logger   *logger.Logger

	updateHandler UpdateHandler
}

// NewSessionManager creates a session manager publishing agent events onto bus.
func NewSessionManager(bus eventbus.Bus, log *logger.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		eventBus: bus,
		logger:   log.WithFields(zap.String("component", "acp-session-manager")),
	}
}

// SetUpdateHandler sets the handler for incoming session updates.
func (m *SessionManager) SetUpdateHandler(handler UpdateHandler) {
	m.updateHandler = handler
}

// CreateSession wraps an agent's stdin/stdout pair in a JSON-RPC client.
func (m *SessionManager) CreateSession(ctx context.Context, agentID, taskID string, stdin io.WriteCloser, stdout io.Reader) error {
	m.logger.Info("creating ACP session", zap.String("agent_id", agentID), zap.String("task_id", taskID))

	client := jsonrpc.NewClient(stdin, stdout, m.logger)

	session := &Session{
		AgentID:   agentID,
		TaskID:    taskID,
		Client:    client,
		Stdin:     stdin,
		Stdout:    stdout,
		CreatedAt: time.Now(),
		Status:    "initializing",
	}

	client.SetNotificationHandler(func(method string, params json.RawMessage) {
		m.handleNotification(session, method, params)
	})
	client.Start(ctx)

	m.mu.Lock()
	m.sessions[agentID] = session
	m.mu.Unlock()

	return nil
}

// Initialize performs the ACP initialize handshake.
func (m *SessionManager) Initialize(ctx context.Context, agentID string) error {
	session, err := m.getSession(agentID)
	if err != nil {
		return err
	}

	params := jsonrpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo: jsonrpc.ClientInfo{
			Name:    "cisd",
			Version: "0.1.0",
		},
		Capabilities: jsonrpc.ClientCapabilities{Streaming: true},
	}

	resp, err := session.Client.Call(ctx, jsonrpc.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	session.mu.Lock()
	session.Status = "ready"
	session.mu.Unlock()

	m.logger.Info("ACP session initialized", zap.String("agent_id", agentID))
	return nil
}

// NewSession requests a fresh agent-side session (session/new).
func (m *SessionManager) NewSession(ctx context.Context, agentID, cwd string) (string, error) {
	session, err := m.getSession(agentID)
	if err != nil {
		return "", err
	}

	resp, err := session.Client.Call(ctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{Cwd: cwd})
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("session/new error: %s", resp.Error.Message)
	}

	var result jsonrpc.SessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("failed to parse session/new result: %w", err)
	}

	session.mu.Lock()
	session.SessionID = result.SessionID
	session.mu.Unlock()

	m.logger.Info("ACP session created", zap.String("agent_id", agentID), zap.String("session_id", result.SessionID))
	return result.SessionID, nil
}

// LoadSession resumes an agent-side session by ID (session/load).
func (m *SessionManager) LoadSession(ctx context.Context, agentID, sessionID string) error {
	session, err := m.getSession(agentID)
	if err != nil {
		return err
	}

	resp, err := session.Client.Call(ctx, jsonrpc.MethodSessionLoad, jsonrpc.SessionLoadParams{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("session/load failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/load error: %s", resp.Error.Message)
	}

	session.mu.Lock()
	session.SessionID = sessionID
	session.mu.Unlock()

	m.logger.Info("ACP session loaded", zap.String("agent_id", agentID))
	return nil
}

// Prompt sends a text prompt to the agent (session/prompt).
func (m *SessionManager) Prompt(ctx context.Context, agentID, message string) error {
	session, err := m.getSession(agentID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	sessionID := session.SessionID
	session.Status = "prompting"
	session.mu.Unlock()

	params := jsonrpc.SessionPromptParams{
		SessionID: sessionID,
		Prompt:    []jsonrpc.ContentBlock{{Type: "text", Text: message}},
	}

	resp, err := session.Client.Call(ctx, jsonrpc.MethodSessionPrompt, params)
	if err != nil {
		return fmt.Errorf("session/prompt failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/prompt error: %s", resp.Error.Message)
	}
	return nil
}

// Cancel asks the agent to stop its current operation (session/cancel).
func (m *SessionManager) Cancel(ctx context.Context, agentID, reason string) error {
	session, err := m.getSession(agentID)
	if err != nil {
		return err
	}
	_ = ctx
	return session.Client.Notify(jsonrpc.MethodSessionCancel, jsonrpc.SessionCancelParams{Reason: reason})
}

// CloseSession tears down a session's JSON-RPC client and stdin pipe.
func (m *SessionManager) CloseSession(agentID string) error {
	m.mu.Lock()
	session, exists := m.sessions[agentID]
	if exists {
		delete(m.sessions, agentID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("session not found: %s", agentID)
	}

	session.Client.Stop()
	if session.Stdin != nil {
		session.Stdin.Close()
	}
	return nil
}

// GetSession returns a session by agent ID.
func (m *SessionManager) GetSession(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, exists := m.sessions[agentID]
	return session, exists
}

func (m *SessionManager) getSession(agentID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, exists := m.sessions[agentID]
	if !exists {
		return nil, fmt.Errorf("session not found: %s", agentID)
	}
	return session, nil
}

func (m *SessionManager) handleNotification(session *Session, method string, params json.RawMessage) {
	switch method {
	case jsonrpc.NotificationSessionUpdate:
		var update jsonrpc.SessionUpdate
		if err := json.Unmarshal(params, &update); err != nil {
			m.logger.Error("failed to parse session update", zap.Error(err))
			return
		}

		if update.Type == "complete" {
			session.mu.Lock()
			session.Status = "complete"
			session.mu.Unlock()
		}

		if m.eventBus != nil {
			evt := eventbus.NewEvent("acp.session.update", session.AgentID, map[string]interface{}{
				"task_id": session.TaskID,
				"type":    update.Type,
			})
			_ = m.eventBus.Publish(context.Background(), "acp.session.update", evt)
		}

		if m.updateHandler != nil {
			m.updateHandler(session.AgentID, session.TaskID, update.Type, update.Data)
		}

	default:
		m.logger.Warn("unknown ACP notification method", zap.String("method", method))
	}
}

// GetSessionID returns the agent-assigned ACP session ID, if one exists.
func (m *SessionManager) GetSessionID(agentID string) (string, bool) {
	session, exists := m.GetSession(agentID)
	if !exists {
		return "", false
	}
	session.mu.RLock()
	defer session.mu.RUnlock()
	return session.SessionID, session.SessionID != ""
}
