package agent

import "time"

// Defaults for the loop bounds
const (
	DefaultMaxIterations       = 20
	DefaultToolTimeout         = 30 * time.Second
	DefaultTaskTimeout         = 5 * time.Minute
	DefaultRateLimitBackoff    = 5 * time.Second
	DefaultMaxRateLimitRetries = 3
	DefaultMaxTokens           = 4096
	DefaultModel               = "claude-sonnet-4-5"
	DefaultSystemPrompt        = "You are a helpful assistant with access to external tools. Use them when they help answer the user's request."
)

// Config bounds one task run. The zero value resolves to the documented
// defaults.
type Config struct {
	Model               string
	SystemPrompt        string
	MaxTokens           int
	MaxIterations       int
	ToolTimeout         time.Duration
	TaskTimeout         time.Duration
	RateLimitBackoff    time.Duration
	MaxRateLimitRetries int
}

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	return c
}
