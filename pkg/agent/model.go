package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Message roles in the conversation
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tool describes one callable tool for the model service
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolUse is one tool invocation requested by the model
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries one tool outcome back to the model
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation turn. Assistant turns may carry tool
// uses; user turns may carry tool results.
type Message struct {
	Role        string
	Content     string
	ToolUses    []ToolUse
	ToolResults []ToolResult
}

// Usage is the token consumption of one model call
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionRequest is one request to the model service
type CompletionRequest struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []Message
	Tools     []Tool
}

// Completion is one model reply
type Completion struct {
	Content    string
	ToolUses   []ToolUse
	Usage      Usage
	StopReason string
}

// ModelClient is the consumed model-service boundary
type ModelClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// IsRateLimitError reports whether a model call failed on a transient
// rate-limit signal and should be retried without consuming the
// iteration budget
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == http.StatusTooManyRequests
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded")
}
