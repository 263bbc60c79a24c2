// Package gateway executes tool invocations against their owning
// provider under a bounded timeout, normalizing every outcome into a
// uniform result. It never mutates provider state.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkondo/karakuri/internal/metrics"
	"github.com/mkondo/karakuri/pkg/mcp"
)

// ProviderSource resolves a tool name to its owning connected provider
type ProviderSource interface {
	FindOwner(toolName string) (mcp.ConnectedProvider, bool)
}

// Result is the normalized outcome of one tool invocation. Errors are
// data, not Go errors: the agent loop surfaces them to the model and
// continues.
type Result struct {
	Provider     string
	Content      string
	IsError      bool
	TimedOut     bool
	ErrorMessage string
	DurationMs   int64
}

// Config holds gateway configuration
type Config struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Gateway routes tool invocations to connected providers
type Gateway struct {
	providers ProviderSource
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates a gateway over a provider source
func New(providers ProviderSource, cfg Config) *Gateway {
	return &Gateway{
		providers: providers,
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		metrics:   cfg.Metrics,
	}
}

// Invoke resolves the owning provider and executes the call, racing it
// against the timeout. A timeout does not cancel the underlying
// transport call beyond context expiry; a late outcome is discarded.
func (g *Gateway) Invoke(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()

	owner, ok := g.providers.FindOwner(toolName)
	if !ok {
		g.metrics.ObserveToolInvocation(toolName, "not_found", time.Since(start))
		return Result{
			IsError:      true,
			ErrorMessage: fmt.Sprintf("tool not found: %s", toolName),
			DurationMs:   time.Since(start).Milliseconds(),
		}
	}
	provider := owner.Definition.DisplayName()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload *mcp.ToolPayload
		err     error
	}
	// Buffered so a late outcome after the deadline is dropped, not leaked
	ch := make(chan outcome, 1)

	go func() {
		payload, err := owner.CallTool(callCtx, toolName, args)
		ch <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-ch:
		elapsed := time.Since(start)
		if out.err != nil {
			// A cancelled caller may surface through the session error
			// before the ctx branch fires
			if ctx.Err() != nil {
				g.metrics.ObserveToolInvocation(toolName, "cancelled", elapsed)
				return Result{
					Provider:     provider,
					IsError:      true,
					ErrorMessage: "tool invocation cancelled",
					DurationMs:   elapsed.Milliseconds(),
				}
			}
			if callCtx.Err() != nil {
				g.logger.Warn().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool invocation timed out")
				g.metrics.ObserveToolInvocation(toolName, "timeout", elapsed)
				return Result{
					Provider:     provider,
					IsError:      true,
					TimedOut:     true,
					ErrorMessage: fmt.Sprintf("tool invocation timed out after %s", timeout),
					DurationMs:   elapsed.Milliseconds(),
				}
			}
			g.logger.Warn().Str("tool", toolName).Err(out.err).Msg("Tool invocation failed")
			g.metrics.ObserveToolInvocation(toolName, "error", elapsed)
			return Result{
				Provider:     provider,
				IsError:      true,
				ErrorMessage: out.err.Error(),
				DurationMs:   elapsed.Milliseconds(),
			}
		}

		content := flatten(out.payload)
		if out.payload.IsError {
			g.metrics.ObserveToolInvocation(toolName, "error", elapsed)
			return Result{
				Provider:     provider,
				Content:      content,
				IsError:      true,
				ErrorMessage: content,
				DurationMs:   elapsed.Milliseconds(),
			}
		}

		g.metrics.ObserveToolInvocation(toolName, "success", elapsed)
		return Result{
			Provider:   provider,
			Content:    content,
			DurationMs: elapsed.Milliseconds(),
		}

	case <-callCtx.Done():
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			g.metrics.ObserveToolInvocation(toolName, "cancelled", elapsed)
			return Result{
				Provider:     provider,
				IsError:      true,
				ErrorMessage: "tool invocation cancelled",
				DurationMs:   elapsed.Milliseconds(),
			}
		}

		g.logger.Warn().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool invocation timed out")
		g.metrics.ObserveToolInvocation(toolName, "timeout", elapsed)
		return Result{
			Provider:     provider,
			IsError:      true,
			TimedOut:     true,
			ErrorMessage: fmt.Sprintf("tool invocation timed out after %s", timeout),
			DurationMs:   elapsed.Milliseconds(),
		}
	}
}

// flatten concatenates the payload's text segments into the single text
// body handed back to the model
func flatten(payload *mcp.ToolPayload) string {
	if payload == nil {
		return ""
	}
	return strings.Join(payload.Segments, "\n")
}
