package protocol

// ProgressData is the payload of a MessageTypeProgress message: how far
// along a task's agent is, reported over the structured protocol instead
// of scraped from raw terminal output.
type ProgressData struct {
	Progress       int    `json:"progress"` // 0-100
	Message        string `json:"message"`
	CurrentFile    string `json:"current_file,omitempty"`
	FilesProcessed int    `json:"files_processed,omitempty"`
	TotalFiles     int    `json:"total_files,omitempty"`
}

// LogData is the payload of a MessageTypeLog message: a structured log
// line an agent chose to surface explicitly.
type LogData struct {
	Level    string                 `json:"level"` // debug, info, warn, error
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Artifact names one file or output a task's agent produced.
type Artifact struct {
	Type string `json:"type"` // report, code, log
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

// ResultData is the payload of a MessageTypeResult message: the terminal
// outcome of a task's agent run, reported explicitly instead of inferred
// from a shell exit code sentinel.
type ResultData struct {
	Status    string     `json:"status"` // completed, failed, cancelled
	Summary   string     `json:"summary"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// ErrorData is the payload of a MessageTypeError message.
type ErrorData struct {
	Error   string `json:"error"`
	File    string `json:"file,omitempty"`
	Details string `json:"details,omitempty"`
}

// StatusData is the payload of a MessageTypeStatus message: a lifecycle
// transition an agent reports about itself, distinct from a task result.
type StatusData struct {
	Status  string `json:"status"` // started, running, paused, stopped
	Message string `json:"message,omitempty"`
}

// ControlData is the payload of a MessageTypeControl message: a command
// the executor sends to an agent (pause/resume/stop), the one message
// type that flows client-to-agent rather than agent-to-client.
type ControlData struct {
	Action string `json:"action"` // pause, resume, stop
	Reason string `json:"reason,omitempty"`
}
