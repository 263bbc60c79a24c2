package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Transport identifies how a provider session is established
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
)

// ProviderDefinition is the immutable descriptor of a tool provider
type ProviderDefinition struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// DisplayName returns the human-readable provider name, falling back to
// the id
func (d ProviderDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Status is the connection state of a provider
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ToolDescriptor is an immutable snapshot of one tool offered by a
// provider, taken at connect time
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Provider    string          `json:"provider"`
}

// ToolPayload is the normalized result of one provider tool call
type ToolPayload struct {
	Segments []string
	IsError  bool
}

// ConnectedProvider is a live provider entry. Copies handed out by the
// Manager keep the session handle so an in-flight call survives a
// concurrent restart of the map entry.
type ConnectedProvider struct {
	Definition      ProviderDefinition
	Status          Status
	LastHealthCheck time.Time
	Tools           []ToolDescriptor

	session Session
}

// NewConnectedProvider builds a provider entry around an existing
// session. The Manager builds its own entries; this constructor exists
// for callers wiring fakes or pre-established sessions.
func NewConnectedProvider(def ProviderDefinition, sess Session) ConnectedProvider {
	return ConnectedProvider{
		Definition: def,
		Status:     StatusConnected,
		session:    sess,
	}
}

// CallTool invokes a tool on the provider's live session
func (p ConnectedProvider) CallTool(ctx context.Context, name string, args map[string]any) (*ToolPayload, error) {
	if p.session == nil {
		return nil, fmt.Errorf("provider %s has no live session", p.Definition.ID)
	}
	return p.session.CallTool(ctx, name, args)
}
