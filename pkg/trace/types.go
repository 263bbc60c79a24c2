package trace

import "time"

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether the status ends the task lifecycle
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// Task is one end-to-end run of the agent loop
type Task struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       TaskStatus `json:"status"`
	Model        string     `json:"model"`
	ProviderIDs  []string   `json:"provider_ids"`
	UserMessage  string     `json:"user_message"`
	FinalAnswer  string     `json:"final_answer,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	CostUSD      float64    `json:"cost_usd"`
	StartedAt    time.Time  `json:"started_at,omitempty"`
	FinishedAt   time.Time  `json:"finished_at,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Iterations   int        `json:"iterations"`
}

// ToolCallStatus is the lifecycle state of one tool invocation
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallRunning ToolCallStatus = "running"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
	ToolCallTimeout ToolCallStatus = "timeout"
)

// ToolCall is one invocation of a named tool on its owning provider
type ToolCall struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Provider     string         `json:"provider"`
	Tool         string         `json:"tool"`
	Arguments    string         `json:"arguments"`
	Result       string         `json:"result,omitempty"`
	Status       ToolCallStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	Sequence     int            `json:"sequence"`
}

// ModelCallRole distinguishes the first call of a task from follow-ups
// carrying tool results
type ModelCallRole string

const (
	ModelCallInitial    ModelCallRole = "initial"
	ModelCallToolResult ModelCallRole = "tool-result"
)

// ModelCall is one request/response exchange with the model service
type ModelCall struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Role         ModelCallRole `json:"role"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	DurationMs   int64         `json:"duration_ms"`
	CreatedAt    time.Time     `json:"created_at"`
	StopReason   string        `json:"stop_reason,omitempty"`
}
