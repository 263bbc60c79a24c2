package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkondo/karakuri/pkg/gateway"
	"github.com/mkondo/karakuri/pkg/mcp"
	"github.com/mkondo/karakuri/pkg/trace"
)

type fakeProviders struct {
	connected    []string
	tools        []mcp.ToolDescriptor
	disconnected bool
}

func (f *fakeProviders) ConnectMany(ctx context.Context, ids []string) []string {
	return f.connected
}

func (f *fakeProviders) ListTools(ids []string) []mcp.ToolDescriptor {
	return f.tools
}

func (f *fakeProviders) DisconnectAll() {
	f.disconnected = true
}

type fakeInvoker struct {
	results map[string]gateway.Result
	calls   []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) gateway.Result {
	f.calls = append(f.calls, toolName)
	if res, ok := f.results[toolName]; ok {
		return res
	}
	return gateway.Result{Provider: "fs", Content: "ok"}
}

// fakeModel replays completions in order. Errors interleave with
// completions via the errs slice: a non-nil entry is returned instead
// of the completion at that position.
type fakeModel struct {
	completions []*Completion
	errs        []error
	calls       int
	requests    []CompletionRequest
}

func (f *fakeModel) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.completions) {
		return f.completions[i], nil
	}
	return &Completion{Content: "done", Usage: Usage{InputTokens: 1, OutputTokens: 1}, StopReason: "end_turn"}, nil
}

func answer(text string, in, out int) *Completion {
	return &Completion{Content: text, Usage: Usage{InputTokens: in, OutputTokens: out}, StopReason: "end_turn"}
}

func toolTurn(uses ...ToolUse) *Completion {
	return &Completion{ToolUses: uses, Usage: Usage{InputTokens: 10, OutputTokens: 5}, StopReason: "tool_use"}
}

func descriptorsFor(provider string, names ...string) []mcp.ToolDescriptor {
	out := make([]mcp.ToolDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, mcp.ToolDescriptor{Name: n, Provider: provider})
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	providers *fakeProviders
	invoker   *fakeInvoker
	model     ModelClient
	store     *trace.Store
	events    chan Event
}

func newHarness(t *testing.T, providers *fakeProviders, invoker *fakeInvoker, model ModelClient, cfg Config) *harness {
	t.Helper()

	store := trace.NewStore(zerolog.Nop())
	events := make(chan Event, 256)

	orch, err := NewOrchestrator(OrchestratorConfig{
		Providers: providers,
		Tools:     invoker,
		Store:     store,
		Model:     model,
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Events:    events,
	})
	require.NoError(t, err)

	return &harness{orch: orch, providers: providers, invoker: invoker, model: model, store: store, events: events}
}

func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(events []Event) []EventType {
	kinds := make([]EventType, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

func TestNewOrchestrator_Validation(t *testing.T) {
	store := trace.NewStore(zerolog.Nop())
	providers := &fakeProviders{}
	invoker := &fakeInvoker{}
	model := &fakeModel{}

	tests := []struct {
		name string
		cfg  OrchestratorConfig
	}{
		{"missing providers", OrchestratorConfig{Tools: invoker, Store: store, Model: model}},
		{"missing tools", OrchestratorConfig{Providers: providers, Store: store, Model: model}},
		{"missing store", OrchestratorConfig{Providers: providers, Tools: invoker, Model: model}},
		{"missing model", OrchestratorConfig{Providers: providers, Tools: invoker, Store: store}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrchestrator(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRun_NoProvidersConnected(t *testing.T) {
	providers := &fakeProviders{connected: nil}
	h := newHarness(t, providers, &fakeInvoker{}, &fakeModel{}, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"down"}})
	require.ErrorIs(t, err, ErrNoProviders)

	assert.Equal(t, trace.TaskFailed, task.Status)
	assert.Equal(t, "no providers connected", task.ErrorMessage)
	assert.True(t, providers.disconnected)

	events := h.drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventTaskStarted, events[0].Kind())

	errEv, ok := events[1].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "no providers connected", errEv.Message)
	assert.Equal(t, "no_providers", errEv.Code)
}

func TestRun_NoToolsAvailable(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: nil}
	h := newHarness(t, providers, &fakeInvoker{}, &fakeModel{}, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrNoTools)
	assert.Equal(t, trace.TaskFailed, task.Status)
}

func TestRun_AnswersWithoutTools(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	model := &fakeModel{completions: []*Completion{answer("paris", 12, 3)}}
	h := newHarness(t, providers, &fakeInvoker{}, model, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "capital of france?", Providers: []string{"fs"}})
	require.NoError(t, err)

	assert.Equal(t, trace.TaskSucceeded, task.Status)
	assert.Equal(t, "paris", task.FinalAnswer)
	assert.Equal(t, 12, task.InputTokens)
	assert.Equal(t, 3, task.OutputTokens)
	assert.Equal(t, 1, task.Iterations)

	calls := h.store.ModelCalls(task.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, trace.ModelCallInitial, calls[0].Role)

	events := h.drain()
	assert.Equal(t, []EventType{EventTaskStarted, EventLLMResponse, EventTaskCompleted}, eventKinds(events))

	done, ok := events[2].(TaskCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, "succeeded", done.Status)
	assert.Equal(t, "paris", done.FinalAnswer)
	assert.Equal(t, 12, done.TotalInputTokens)
}

func TestRun_ToolLoop(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	invoker := &fakeInvoker{results: map[string]gateway.Result{
		"read_file": {Provider: "fs", Content: "file body", DurationMs: 4},
	}}
	model := &fakeModel{completions: []*Completion{
		toolTurn(ToolUse{ID: "tu_1", Name: "read_file", Input: map[string]any{"path": "/tmp/x"}}),
		answer("it says: file body", 20, 8),
	}}
	h := newHarness(t, providers, invoker, model, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "read /tmp/x", Providers: []string{"fs"}})
	require.NoError(t, err)

	assert.Equal(t, trace.TaskSucceeded, task.Status)
	assert.Equal(t, 2, task.Iterations)
	assert.Equal(t, []string{"read_file"}, invoker.calls)

	t.Run("trace rows", func(t *testing.T) {
		toolCalls := h.store.ToolCalls(task.ID)
		require.Len(t, toolCalls, 1)
		assert.Equal(t, 1, toolCalls[0].Sequence)
		assert.Equal(t, trace.ToolCallSuccess, toolCalls[0].Status)
		assert.Equal(t, "file body", toolCalls[0].Result)
		assert.Equal(t, "fs", toolCalls[0].Provider)

		modelCalls := h.store.ModelCalls(task.ID)
		require.Len(t, modelCalls, 2)
		assert.Equal(t, trace.ModelCallInitial, modelCalls[0].Role)
		assert.Equal(t, trace.ModelCallToolResult, modelCalls[1].Role)
	})

	t.Run("aggregates sum model calls", func(t *testing.T) {
		assert.Equal(t, 30, task.InputTokens)
		assert.Equal(t, 13, task.OutputTokens)
	})

	t.Run("event order", func(t *testing.T) {
		events := h.drain()
		assert.Equal(t, []EventType{
			EventTaskStarted,
			EventLLMResponse,
			EventToolCall,
			EventToolCall,
			EventLLMResponse,
			EventTaskCompleted,
		}, eventKinds(events))

		first, ok := events[1].(LLMResponseEvent)
		require.True(t, ok)
		assert.True(t, first.HasToolCalls)

		running, ok := events[2].(ToolCallEvent)
		require.True(t, ok)
		assert.Equal(t, ToolCallStatusRunning, running.Status)
		assert.Equal(t, "fs", running.ServerName)

		completed, ok := events[3].(ToolCallEvent)
		require.True(t, ok)
		assert.Equal(t, ToolCallStatusSuccess, completed.Status)
		assert.Equal(t, running.ToolCallID, completed.ToolCallID)
		assert.Equal(t, "file body", completed.Result)
	})

	t.Run("tool result fed back to model", func(t *testing.T) {
		require.Len(t, model.requests, 2)
		followUp := model.requests[1]
		require.Len(t, followUp.Messages, 3)
		results := followUp.Messages[2].ToolResults
		require.Len(t, results, 1)
		assert.Equal(t, "tu_1", results[0].ToolUseID)
		assert.Equal(t, "file body", results[0].Content)
		assert.False(t, results[0].IsError)
	})
}

func TestRun_ToolTimeoutContinuesLoop(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "slow_tool")}
	invoker := &fakeInvoker{results: map[string]gateway.Result{
		"slow_tool": {Provider: "fs", IsError: true, TimedOut: true, ErrorMessage: "tool invocation timed out after 30s"},
	}}
	model := &fakeModel{completions: []*Completion{
		toolTurn(ToolUse{ID: "tu_1", Name: "slow_tool", Input: map[string]any{}}),
		answer("the tool timed out, sorry", 5, 5),
	}}
	h := newHarness(t, providers, invoker, model, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "go slow", Providers: []string{"fs"}})
	require.NoError(t, err)
	assert.Equal(t, trace.TaskSucceeded, task.Status)

	toolCalls := h.store.ToolCalls(task.ID)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, trace.ToolCallTimeout, toolCalls[0].Status)

	require.Len(t, model.requests, 2)
	results := model.requests[1].Messages[2].ToolResults
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "timed out")
}

func TestRun_ToolErrorIsDataNotFailure(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	invoker := &fakeInvoker{results: map[string]gateway.Result{
		"read_file": {Provider: "fs", Content: "no such file", IsError: true, ErrorMessage: "no such file"},
	}}
	model := &fakeModel{completions: []*Completion{
		toolTurn(ToolUse{ID: "tu_1", Name: "read_file", Input: map[string]any{"path": "/missing"}}),
		answer("that file does not exist", 5, 5),
	}}
	h := newHarness(t, providers, invoker, model, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "read /missing", Providers: []string{"fs"}})
	require.NoError(t, err)
	assert.Equal(t, trace.TaskSucceeded, task.Status)

	toolCalls := h.store.ToolCalls(task.ID)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, trace.ToolCallError, toolCalls[0].Status)
}

func TestRun_IterationBudget(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	invoker := &fakeInvoker{}

	// Every turn asks for another tool call, never answering
	model := &fakeModel{}
	loop := toolTurn(ToolUse{ID: "tu", Name: "read_file", Input: map[string]any{}})
	for i := 0; i < 10; i++ {
		model.completions = append(model.completions, loop)
	}

	h := newHarness(t, providers, invoker, model, Config{MaxIterations: 3})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "loop forever", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrIterationBudget)

	assert.Equal(t, trace.TaskTimeout, task.Status)
	assert.Equal(t, 3, task.Iterations)
	assert.Equal(t, 3, model.calls)

	var llmResponses, terminal int
	for _, ev := range h.drain() {
		switch ev.Kind() {
		case EventLLMResponse:
			llmResponses++
		case EventTaskCompleted, EventError:
			terminal++
		}
	}
	assert.Equal(t, 3, llmResponses)
	assert.Equal(t, 1, terminal)
}

func TestRun_TaskTimeout(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	model := &fakeModel{completions: []*Completion{
		toolTurn(ToolUse{ID: "tu", Name: "read_file", Input: map[string]any{}}),
	}}
	h := newHarness(t, providers, &fakeInvoker{}, model, Config{TaskTimeout: time.Nanosecond})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrTaskTimeout)
	assert.Equal(t, trace.TaskTimeout, task.Status)
	assert.Zero(t, model.calls)
}

func TestRun_Cancellation(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	h := newHarness(t, providers, &fakeInvoker{}, &fakeModel{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := h.orch.Run(ctx, RunParams{Message: "hi", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, trace.TaskCancelled, task.Status)
	assert.True(t, providers.disconnected)
}

// cancellingModel cancels the caller mid-call and returns the context
// error, the way a transport aborts an in-flight request
type cancellingModel struct {
	cancel context.CancelFunc
}

func (c *cancellingModel) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestRun_CancellationDuringModelCall(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	ctx, cancel := context.WithCancel(context.Background())
	model := &cancellingModel{cancel: cancel}
	h := newHarness(t, providers, &fakeInvoker{}, model, Config{})

	task, err := h.orch.Run(ctx, RunParams{Message: "hi", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, trace.TaskCancelled, task.Status)

	events := h.drain()
	errEv, ok := events[len(events)-1].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "cancelled", errEv.Code)
}

func TestRun_RateLimitRetrySameIteration(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	rateLimited := errors.New("429 too many requests")
	model := &fakeModel{
		errs:        []error{rateLimited, rateLimited, nil},
		completions: []*Completion{nil, nil, answer("finally", 4, 2)},
	}
	h := newHarness(t, providers, &fakeInvoker{}, model, Config{RateLimitBackoff: time.Millisecond})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"fs"}})
	require.NoError(t, err)

	assert.Equal(t, trace.TaskSucceeded, task.Status)
	assert.Equal(t, 1, task.Iterations)
	assert.Equal(t, 3, model.calls)

	// Only the successful exchange is recorded
	assert.Len(t, h.store.ModelCalls(task.ID), 1)
}

func TestRun_RateLimitRetriesExhausted(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	rateLimited := errors.New("rate limit exceeded")
	model := &fakeModel{errs: []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}}
	h := newHarness(t, providers, &fakeInvoker{}, model, Config{RateLimitBackoff: time.Millisecond, MaxRateLimitRetries: 2})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrModelService)

	assert.Equal(t, trace.TaskFailed, task.Status)
	assert.Equal(t, 3, model.calls)
	assert.Contains(t, task.ErrorMessage, "rate limit retries exhausted")
}

func TestRun_ModelFailure(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	model := &fakeModel{errs: []error{errors.New("invalid api key")}}
	h := newHarness(t, providers, &fakeInvoker{}, model, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"fs"}})
	require.ErrorIs(t, err, ErrModelService)

	assert.Equal(t, trace.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "invalid api key")

	events := h.drain()
	errEv, ok := events[len(events)-1].(ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "model_service", errEv.Code)
}

func TestRun_SubToolCallEvents(t *testing.T) {
	providers := &fakeProviders{connected: []string{"browser"}, tools: descriptorsFor("browser", "batch_execute")}
	composite := `{"operations":[{"tool":"navigate","status":"success","result":"ok"},{"tool":"click","status":"error","error":"no such element"}]}`
	invoker := &fakeInvoker{results: map[string]gateway.Result{
		"batch_execute": {Provider: "browser", Content: composite},
	}}
	model := &fakeModel{completions: []*Completion{
		toolTurn(ToolUse{ID: "tu_1", Name: "batch_execute", Input: map[string]any{}}),
		answer("done", 5, 5),
	}}
	h := newHarness(t, providers, invoker, model, Config{})

	task, err := h.orch.Run(context.Background(), RunParams{Message: "batch it", Providers: []string{"browser"}})
	require.NoError(t, err)
	assert.Equal(t, trace.TaskSucceeded, task.Status)

	var subs []ToolCallEvent
	var parent ToolCallEvent
	for _, ev := range h.drain() {
		tc, ok := ev.(ToolCallEvent)
		if !ok {
			continue
		}
		if tc.IsSubToolCall {
			subs = append(subs, tc)
		} else if tc.Status != ToolCallStatusRunning {
			parent = tc
		}
	}

	require.Len(t, subs, 4)
	assert.Equal(t, parent.ToolCallID+".1", subs[0].ToolCallID)
	assert.Equal(t, parent.ToolCallID, subs[0].ParentToolCallID)
	assert.Equal(t, "navigate", subs[0].ToolName)
	assert.Equal(t, ToolCallStatusRunning, subs[0].Status)
	assert.Equal(t, ToolCallStatusSuccess, subs[1].Status)
	assert.Equal(t, "ok", subs[1].Result)

	assert.Equal(t, "click", subs[2].ToolName)
	assert.Equal(t, ToolCallStatusError, subs[3].Status)
	assert.Equal(t, "no such element", subs[3].ErrorMessage)

	// Only the parent composite call is a trace row
	assert.Len(t, h.store.ToolCalls(task.ID), 1)
}

func TestRun_NilEventChannel(t *testing.T) {
	providers := &fakeProviders{connected: []string{"fs"}, tools: descriptorsFor("fs", "read_file")}
	store := trace.NewStore(zerolog.Nop())

	orch, err := NewOrchestrator(OrchestratorConfig{
		Providers: providers,
		Tools:     &fakeInvoker{},
		Store:     store,
		Model:     &fakeModel{completions: []*Completion{answer("fine", 1, 1)}},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	task, err := orch.Run(context.Background(), RunParams{Message: "hi", Providers: []string{"fs"}})
	require.NoError(t, err)
	assert.Equal(t, trace.TaskSucceeded, task.Status)
}
