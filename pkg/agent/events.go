package agent

import "time"

// EventType discriminates the closed set of progress event variants
type EventType string

const (
	EventTaskStarted   EventType = "task-started"
	EventLLMResponse   EventType = "llm-response"
	EventToolCall      EventType = "tool-call"
	EventTaskCompleted EventType = "task-completed"
	EventError         EventType = "error"
)

// Event is one record of the observable progress stream. Variants
// marshal to one JSON object each, discriminated by the type field.
type Event interface {
	Kind() EventType
}

// TaskStartedEvent opens a task's event stream
type TaskStartedEvent struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) Kind() EventType { return EventTaskStarted }

func newTaskStartedEvent(taskID string) TaskStartedEvent {
	return TaskStartedEvent{Type: EventTaskStarted, TaskID: taskID, Timestamp: time.Now()}
}

// LLMResponseEvent reports one model reply
type LLMResponseEvent struct {
	Type         EventType `json:"type"`
	Content      string    `json:"content"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	DurationMs   int64     `json:"durationMs"`
	HasToolCalls bool      `json:"hasToolCalls"`
}

func (e LLMResponseEvent) Kind() EventType { return EventLLMResponse }

// ToolCallStatus values carried on tool-call events
const (
	ToolCallStatusRunning = "running"
	ToolCallStatusSuccess = "success"
	ToolCallStatusError   = "error"
)

// ToolCallEvent reports the start or completion of one tool invocation.
// Sub-tool calls unpacked from a composite result carry the parent's id.
type ToolCallEvent struct {
	Type             EventType `json:"type"`
	ToolCallID       string    `json:"toolCallId"`
	ServerName       string    `json:"serverName"`
	ToolName         string    `json:"toolName"`
	Args             string    `json:"args,omitempty"`
	Status           string    `json:"status"`
	Result           string    `json:"result,omitempty"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	DurationMs       int64     `json:"durationMs,omitempty"`
	IsSubToolCall    bool      `json:"isSubToolCall,omitempty"`
	ParentToolCallID string    `json:"parentToolCallId,omitempty"`
}

func (e ToolCallEvent) Kind() EventType { return EventToolCall }

// TaskCompletedEvent closes a successful task's event stream
type TaskCompletedEvent struct {
	Type              EventType `json:"type"`
	Status            string    `json:"status"`
	FinalAnswer       string    `json:"finalAnswer,omitempty"`
	TotalDurationMs   int64     `json:"totalDurationMs"`
	TotalInputTokens  int       `json:"totalInputTokens"`
	TotalOutputTokens int       `json:"totalOutputTokens"`
}

func (e TaskCompletedEvent) Kind() EventType { return EventTaskCompleted }

// ErrorEvent closes a failed, cancelled, or timed-out task's stream
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

func (e ErrorEvent) Kind() EventType { return EventError }
