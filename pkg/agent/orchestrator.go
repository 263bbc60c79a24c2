package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkondo/karakuri/internal/metrics"
	"github.com/mkondo/karakuri/pkg/gateway"
	"github.com/mkondo/karakuri/pkg/mcp"
	"github.com/mkondo/karakuri/pkg/trace"
)

// ProviderManager is the provider-lifecycle surface the loop consumes
type ProviderManager interface {
	ConnectMany(ctx context.Context, ids []string) []string
	ListTools(ids []string) []mcp.ToolDescriptor
	DisconnectAll()
}

// ToolInvoker executes one tool call under a timeout
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any, timeout time.Duration) gateway.Result
}

// OrchestratorConfig wires the orchestrator's collaborators
type OrchestratorConfig struct {
	Providers ProviderManager
	Tools     ToolInvoker
	Store     *trace.Store
	Model     ModelClient
	Config    Config
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics

	// Events receives the progress stream. Sends block, so the reader
	// must keep draining for the task's lifetime. Nil disables emission.
	Events chan<- Event
}

// RunParams is one task request
type RunParams struct {
	Message   string
	Providers []string
}

// Orchestrator drives the model/tool loop for one task at a time
type Orchestrator struct {
	providers ProviderManager
	tools     ToolInvoker
	store     *trace.Store
	model     ModelClient
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	events    chan<- Event
}

// NewOrchestrator validates the wiring and applies config defaults
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider manager is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool invoker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("trace store is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}

	return &Orchestrator{
		providers: cfg.Providers,
		tools:     cfg.Tools,
		store:     cfg.Store,
		model:     cfg.Model,
		cfg:       cfg.Config.withDefaults(),
		logger:    cfg.Logger.With().Str("component", "agent").Logger(),
		metrics:   cfg.Metrics,
		events:    cfg.Events,
	}, nil
}

// Run executes one task to its terminal status. The returned Task is
// the stored terminal row; the returned error is non-nil for every
// terminal status except succeeded.
func (o *Orchestrator) Run(ctx context.Context, params RunParams) (trace.Task, error) {
	task := o.store.CreateTask(o.cfg.Model, params.Message, params.Providers)
	o.emit(newTaskStartedEvent(task.ID))

	o.logger.Info().
		Str("task_id", task.ID).
		Strs("providers", params.Providers).
		Msg("Task started")

	start := time.Now()
	defer func() {
		o.providers.DisconnectAll()
		if final, ok := o.store.GetTask(task.ID); ok {
			o.metrics.ObserveTask(string(final.Status), time.Since(start))
		}
	}()

	connected := o.providers.ConnectMany(ctx, params.Providers)
	if len(connected) == 0 {
		return o.fail(task.ID, trace.TaskFailed, ErrNoProviders.Error(), "no_providers", ErrNoProviders)
	}

	descriptors := o.providers.ListTools(connected)
	if len(descriptors) == 0 {
		return o.fail(task.ID, trace.TaskFailed, ErrNoTools.Error(), "no_tools", ErrNoTools)
	}

	owners := make(map[string]string, len(descriptors))
	modelTools := make([]Tool, 0, len(descriptors))
	for _, d := range descriptors {
		owners[d.Name] = d.Provider
		modelTools = append(modelTools, Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}

	if err := o.store.StartTask(task.ID); err != nil {
		return o.fail(task.ID, trace.TaskFailed, err.Error(), "internal", err)
	}

	messages := []Message{{Role: RoleUser, Content: params.Message}}

	for {
		if ctx.Err() != nil {
			return o.fail(task.ID, trace.TaskCancelled, ErrCancelled.Error(), "cancelled", ErrCancelled)
		}
		if time.Since(start) >= o.cfg.TaskTimeout {
			return o.fail(task.ID, trace.TaskTimeout, ErrTaskTimeout.Error(), "task_timeout", ErrTaskTimeout)
		}

		// Check before incrementing so the stored count never exceeds
		// the cap and no model call is made past it
		if current, ok := o.store.GetTask(task.ID); ok && current.Iterations >= o.cfg.MaxIterations {
			msg := fmt.Sprintf("%s (%d iterations)", ErrIterationBudget.Error(), o.cfg.MaxIterations)
			return o.fail(task.ID, trace.TaskTimeout, msg, "iteration_budget", ErrIterationBudget)
		}
		iteration, err := o.store.IncrementIteration(task.ID)
		if err != nil {
			return o.fail(task.ID, trace.TaskFailed, err.Error(), "internal", err)
		}

		completion, callDuration, err := o.callModelWithRetry(ctx, CompletionRequest{
			Model:     o.cfg.Model,
			System:    o.cfg.SystemPrompt,
			MaxTokens: o.cfg.MaxTokens,
			Messages:  messages,
			Tools:     modelTools,
		})
		if err != nil {
			// Cancellation may surface through the model call or the
			// retry backoff rather than the between-iterations check
			if ctx.Err() != nil {
				return o.fail(task.ID, trace.TaskCancelled, ErrCancelled.Error(), "cancelled", ErrCancelled)
			}
			o.metrics.ObserveModelCall(o.cfg.Model, "error", callDuration, 0, 0)
			msg := fmt.Sprintf("%s: %s", ErrModelService.Error(), err)
			return o.fail(task.ID, trace.TaskFailed, msg, "model_service", ErrModelService)
		}

		role := trace.ModelCallToolResult
		if iteration == 1 {
			role = trace.ModelCallInitial
		}
		o.store.RecordModelCall(task.ID, role,
			completion.Usage.InputTokens, completion.Usage.OutputTokens,
			callDuration, completion.StopReason)
		o.metrics.ObserveModelCall(o.cfg.Model, "success", callDuration,
			completion.Usage.InputTokens, completion.Usage.OutputTokens)

		o.emit(LLMResponseEvent{
			Type:         EventLLMResponse,
			Content:      completion.Content,
			InputTokens:  completion.Usage.InputTokens,
			OutputTokens: completion.Usage.OutputTokens,
			DurationMs:   callDuration.Milliseconds(),
			HasToolCalls: len(completion.ToolUses) > 0,
		})

		if len(completion.ToolUses) == 0 {
			final, err := o.store.CompleteTask(task.ID, trace.TaskSucceeded, completion.Content, "")
			if err != nil {
				return final, err
			}
			o.emit(TaskCompletedEvent{
				Type:              EventTaskCompleted,
				Status:            string(final.Status),
				FinalAnswer:       final.FinalAnswer,
				TotalDurationMs:   final.DurationMs,
				TotalInputTokens:  final.InputTokens,
				TotalOutputTokens: final.OutputTokens,
			})
			o.logger.Info().
				Str("task_id", task.ID).
				Int("iterations", final.Iterations).
				Msg("Task succeeded")
			return final, nil
		}

		messages = append(messages, Message{
			Role:     RoleAssistant,
			Content:  completion.Content,
			ToolUses: completion.ToolUses,
		})

		results := make([]ToolResult, 0, len(completion.ToolUses))
		for _, tu := range completion.ToolUses {
			results = append(results, o.executeToolUse(ctx, task.ID, owners, tu))
		}
		messages = append(messages, Message{Role: RoleUser, ToolResults: results})
	}
}

// executeToolUse runs one model-requested tool call end to end and
// returns the result block for the follow-up model call
func (o *Orchestrator) executeToolUse(ctx context.Context, taskID string, owners map[string]string, tu ToolUse) ToolResult {
	argsJSON, err := json.Marshal(tu.Input)
	if err != nil {
		argsJSON = []byte("{}")
	}
	serverName := owners[tu.Name]

	tc := o.store.StartToolCall(taskID, serverName, tu.Name, string(argsJSON))
	o.emit(ToolCallEvent{
		Type:       EventToolCall,
		ToolCallID: tc.ID,
		ServerName: serverName,
		ToolName:   tu.Name,
		Args:       tc.Arguments,
		Status:     ToolCallStatusRunning,
	})

	res := o.tools.Invoke(ctx, tu.Name, tu.Input, o.cfg.ToolTimeout)

	status := trace.ToolCallSuccess
	eventStatus := ToolCallStatusSuccess
	switch {
	case res.TimedOut:
		status = trace.ToolCallTimeout
		eventStatus = ToolCallStatusError
	case res.IsError:
		status = trace.ToolCallError
		eventStatus = ToolCallStatusError
	}

	stored, _ := o.store.CompleteToolCall(tc.ID, status, res.Content, res.ErrorMessage)

	if !res.IsError {
		o.emitSubToolCalls(tc.ID, serverName, res.Content)
	}

	o.emit(ToolCallEvent{
		Type:         EventToolCall,
		ToolCallID:   tc.ID,
		ServerName:   serverName,
		ToolName:     tu.Name,
		Status:       eventStatus,
		Result:       stored.Result,
		ErrorMessage: res.ErrorMessage,
		DurationMs:   res.DurationMs,
	})

	content := res.Content
	if res.IsError && content == "" {
		content = res.ErrorMessage
	}
	return ToolResult{ToolUseID: tu.ID, Content: content, IsError: res.IsError}
}

// subOperation is one entry of a composite tool result's operations array
type subOperation struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// emitSubToolCalls unpacks a composite tool result into child tool-call
// events. Results that are not JSON objects, or carry no operations
// array, emit nothing.
func (o *Orchestrator) emitSubToolCalls(parentID, serverName, result string) {
	var envelope struct {
		Operations []subOperation `json:"operations"`
	}
	if err := json.Unmarshal([]byte(result), &envelope); err != nil {
		return
	}

	for i, op := range envelope.Operations {
		if op.Tool == "" {
			continue
		}
		childID := fmt.Sprintf("%s.%d", parentID, i+1)

		o.emit(ToolCallEvent{
			Type:             EventToolCall,
			ToolCallID:       childID,
			ServerName:       serverName,
			ToolName:         op.Tool,
			Status:           ToolCallStatusRunning,
			IsSubToolCall:    true,
			ParentToolCallID: parentID,
		})

		eventStatus := ToolCallStatusSuccess
		if op.Status != "success" {
			eventStatus = ToolCallStatusError
		}
		o.emit(ToolCallEvent{
			Type:             EventToolCall,
			ToolCallID:       childID,
			ServerName:       serverName,
			ToolName:         op.Tool,
			Status:           eventStatus,
			Result:           op.Result,
			ErrorMessage:     op.Error,
			IsSubToolCall:    true,
			ParentToolCallID: parentID,
		})
	}
}

// callModelWithRetry retries rate-limited model calls with a fixed
// backoff, inside the same iteration. Other failures return immediately.
func (o *Orchestrator) callModelWithRetry(ctx context.Context, req CompletionRequest) (*Completion, time.Duration, error) {
	var lastErr error

	for attempt := 0; attempt <= o.cfg.MaxRateLimitRetries; attempt++ {
		if attempt > 0 {
			o.metrics.ObserveModelRetry()
			o.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", o.cfg.RateLimitBackoff).
				Msg("Model rate limited, backing off")

			select {
			case <-time.After(o.cfg.RateLimitBackoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		start := time.Now()
		completion, err := o.model.Complete(ctx, req)
		elapsed := time.Since(start)
		if err == nil {
			return completion, elapsed, nil
		}
		if !IsRateLimitError(err) {
			return nil, elapsed, err
		}
		lastErr = err
	}

	return nil, 0, fmt.Errorf("rate limit retries exhausted: %w", lastErr)
}

// fail records the terminal status and emits the single terminal error
// event. Every non-success exit funnels through here.
func (o *Orchestrator) fail(taskID string, status trace.TaskStatus, message, code string, cause error) (trace.Task, error) {
	final, err := o.store.CompleteTask(taskID, status, "", message)
	if err != nil {
		// Already terminal: the first terminal status and its event stand
		return final, cause
	}

	o.emit(ErrorEvent{Type: EventError, Message: message, Code: code})

	o.logger.Warn().
		Str("task_id", taskID).
		Str("status", string(status)).
		Str("error", message).
		Msg("Task did not succeed")

	return final, cause
}

// emit sends one event to the stream, blocking until the reader takes
// it so causal order is preserved
func (o *Orchestrator) emit(ev Event) {
	if o.events == nil {
		return
	}
	o.events <- ev
}
