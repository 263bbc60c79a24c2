package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Session is a live connection to one tool provider. Production
// sessions wrap an mcp-go client; tests inject fakes.
type Session interface {
	// ListTools fetches the provider's current tool listing. Doubles as
	// the liveness probe for health checks.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool invokes a named tool and normalizes the result payload
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolPayload, error)

	// Close tears the session down
	Close() error
}

// Dialer establishes a Session for a provider definition
type Dialer func(ctx context.Context, def ProviderDefinition) (Session, error)

// Dial launches or attaches to the provider described by def and
// performs the MCP initialize handshake
func Dial(ctx context.Context, def ProviderDefinition) (Session, error) {
	var (
		c   *mcpclient.Client
		err error
	)

	switch def.Transport {
	case TransportStdio, "":
		env := make([]string, 0, len(def.Env))
		for k, v := range def.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		c, err = mcpclient.NewStdioMCPClient(def.Command, env, def.Args...)
		if err != nil {
			return nil, fmt.Errorf("launch %s: %w", def.ID, err)
		}
	case TransportSSE:
		c, err = mcpclient.NewSSEMCPClient(def.URL)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", def.ID, err)
		}
		if err = c.Start(ctx); err != nil {
			return nil, fmt.Errorf("attach %s: %w", def.ID, err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q for provider %s", def.Transport, def.ID)
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{
		Name:    "karakuri",
		Version: "0.1.0",
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake %s: %w", def.ID, err)
	}

	return &mcpSession{client: c, provider: def.ID}, nil
}

type mcpSession struct {
	client   *mcpclient.Client
	provider string
}

func (s *mcpSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	res, err := s.client.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	tools := make([]ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Provider:    s.provider,
		})
	}

	return tools, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (*ToolPayload, error) {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	payload := &ToolPayload{IsError: res.IsError}
	for _, content := range res.Content {
		if tc, ok := mcplib.AsTextContent(content); ok {
			payload.Segments = append(payload.Segments, tc.Text)
			continue
		}
		// Non-text payloads are carried as their raw serialized form
		raw, err := json.Marshal(content)
		if err != nil {
			continue
		}
		payload.Segments = append(payload.Segments, string(raw))
	}

	return payload, nil
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}
