package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names the kind of structured update an agent (or the
// executor, for MessageTypeControl) exchanges over an ACP session.
type MessageType string

const (
	MessageTypeProgress  MessageType = "progress"
	MessageTypeLog       MessageType = "log"
	MessageTypeResult    MessageType = "result"
	MessageTypeError     MessageType = "error"
	MessageTypeStatus    MessageType = "status"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypeControl   MessageType = "control"
)

// Message is one ACP protocol message: a task/agent-scoped envelope
// around a typed payload, carried as a loosely-typed map so a listener
// that only cares about one field doesn't need the full payload schema.
type Message struct {
	Type      MessageType            `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id"`
	TaskID    string                 `json:"task_id"`
	Data      map[string]interface{} `json:"data"`
}

// NewMessage stamps data with the current time and wraps it as a Message.
func NewMessage(msgType MessageType, agentID, taskID string, data map[string]interface{}) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		TaskID:    taskID,
		Data:      data,
	}
}

// MarshalJSON renders Timestamp as RFC3339Nano rather than Go's default
// time.Time encoding, so messages stay readable when logged or replayed
// through the orchestrator's message store.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(&struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     (*alias)(m),
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
	})
}

// Parse decodes a JSON-encoded ACP message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsValid reports whether every required field is populated.
func (m *Message) IsValid() bool {
	return m.Type != "" && m.AgentID != "" && m.TaskID != ""
}

// Summary renders a one-line human-readable description of the message,
// the form the DAG Executor's output rendering and CLI tooling use so a
// task's ACP transcript reads like a log rather than a sequence of JSON
// blobs.
func (m *Message) Summary() string {
	switch m.Type {
	case MessageTypeProgress:
		progress, _ := m.Data["progress"]
		message, _ := m.Data["message"].(string)
		return fmt.Sprintf("[%d%%] %s", asInt(progress), message)
	case MessageTypeLog:
		level, _ := m.Data["level"].(string)
		message, _ := m.Data["message"].(string)
		return fmt.Sprintf("[%s] %s", level, message)
	case MessageTypeResult:
		status, _ := m.Data["status"].(string)
		summary, _ := m.Data["summary"].(string)
		return fmt.Sprintf("result=%s %s", status, summary)
	case MessageTypeError:
		errMsg, _ := m.Data["error"].(string)
		return fmt.Sprintf("error: %s", errMsg)
	case MessageTypeStatus:
		status, _ := m.Data["status"].(string)
		return fmt.Sprintf("status: %s", status)
	case MessageTypeControl:
		action, _ := m.Data["action"].(string)
		return fmt.Sprintf("control: %s", action)
	case MessageTypeHeartbeat:
		return "heartbeat"
	default:
		return string(m.Type)
	}
}

// asInt normalizes a progress value that may have round-tripped through
// JSON as float64 or arrived directly as int.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
