package protocol

import "encoding/json"

// newDataMessage round-trips payload through JSON into a Data map rather
// than hand-assembling each field, so adding a field to a payload struct
// doesn't also require editing its constructor here.
func newDataMessage(t MessageType, agentID, taskID string, payload interface{}) *Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		return NewMessage(t, agentID, taskID, map[string]interface{}{})
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return NewMessage(t, agentID, taskID, map[string]interface{}{})
	}
	return NewMessage(t, agentID, taskID, data)
}

// NewProgressMessage builds a MessageTypeProgress message.
func NewProgressMessage(agentID, taskID string, data ProgressData) *Message {
	return newDataMessage(MessageTypeProgress, agentID, taskID, data)
}

// NewLogMessage builds a MessageTypeLog message.
func NewLogMessage(agentID, taskID string, data LogData) *Message {
	return newDataMessage(MessageTypeLog, agentID, taskID, data)
}

// NewResultMessage builds a MessageTypeResult message.
func NewResultMessage(agentID, taskID string, data ResultData) *Message {
	return newDataMessage(MessageTypeResult, agentID, taskID, data)
}

// NewErrorMessage builds a MessageTypeError message.
func NewErrorMessage(agentID, taskID string, data ErrorData) *Message {
	return newDataMessage(MessageTypeError, agentID, taskID, data)
}

// NewStatusMessage builds a MessageTypeStatus message.
func NewStatusMessage(agentID, taskID string, data StatusData) *Message {
	return newDataMessage(MessageTypeStatus, agentID, taskID, data)
}

// NewHeartbeatMessage builds a MessageTypeHeartbeat message; heartbeats
// carry no payload beyond the envelope itself.
func NewHeartbeatMessage(agentID, taskID string) *Message {
	return NewMessage(MessageTypeHeartbeat, agentID, taskID, map[string]interface{}{})
}

// NewControlMessage builds a MessageTypeControl message.
func NewControlMessage(agentID, taskID string, data ControlData) *Message {
	return newDataMessage(MessageTypeControl, agentID, taskID, data)
}
