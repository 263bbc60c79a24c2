package trace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// maxStoredLen bounds stored argument and result strings. Longer values
// are cut and suffixed with an ellipsis marker so the stored string is
// exactly maxStoredLen characters.
const maxStoredLen = 1000

const ellipsis = "..."

// Store is the task-scoped ledger of Task, ToolCall, and ModelCall rows.
// All access is mutex-guarded: the orchestrator loop and the health
// sweep run concurrently with readers.
type Store struct {
	mu sync.RWMutex

	tasks      map[string]*Task
	toolCalls  map[string]*ToolCall
	modelCalls map[string][]*ModelCall // keyed by task id, append-only

	toolCallsByTask map[string][]string // insertion order per task

	logger zerolog.Logger
}

// NewStore creates an empty store
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		tasks:           make(map[string]*Task),
		toolCalls:       make(map[string]*ToolCall),
		modelCalls:      make(map[string][]*ModelCall),
		toolCallsByTask: make(map[string][]string),
		logger:          logger.With().Str("component", "trace").Logger(),
	}
}

// CreateTask creates a pending task and returns a copy
func (s *Store) CreateTask(model, userMessage string, providerIDs []string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Task{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now(),
		Status:      TaskPending,
		Model:       model,
		ProviderIDs: append([]string(nil), providerIDs...),
		UserMessage: userMessage,
	}
	s.tasks[t.ID] = t

	s.logger.Debug().Str("task_id", t.ID).Str("model", model).Msg("Task created")
	return *t
}

// StartTask marks a task running and stamps the start time
func (s *Store) StartTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("task %s already terminal (%s)", taskID, t.Status)
	}

	t.Status = TaskRunning
	t.StartedAt = time.Now()
	return nil
}

// CompleteTask sets the terminal status, computes the duration from the
// stored start time, and recomputes aggregate tokens and cost by
// summing the task's recorded model calls. Callers must call it exactly
// once per task; a repeat call against an already-terminal task is
// rejected so the first terminal status sticks.
func (s *Store) CompleteTask(taskID string, status TaskStatus, finalAnswer, errorMessage string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("unknown task: %s", taskID)
	}
	if t.Status.IsTerminal() {
		return *t, fmt.Errorf("task %s already terminal (%s)", taskID, t.Status)
	}
	if !status.IsTerminal() {
		return Task{}, fmt.Errorf("status %s is not terminal", status)
	}

	t.Status = status
	t.FinalAnswer = finalAnswer
	t.ErrorMessage = errorMessage
	t.FinishedAt = time.Now()
	if !t.StartedAt.IsZero() {
		t.DurationMs = t.FinishedAt.Sub(t.StartedAt).Milliseconds()
	}

	t.InputTokens, t.OutputTokens = 0, 0
	for _, mc := range s.modelCalls[taskID] {
		t.InputTokens += mc.InputTokens
		t.OutputTokens += mc.OutputTokens
	}
	t.CostUSD = EstimateCost(t.Model, t.InputTokens, t.OutputTokens)

	s.logger.Info().
		Str("task_id", taskID).
		Str("status", string(status)).
		Int("input_tokens", t.InputTokens).
		Int("output_tokens", t.OutputTokens).
		Int64("duration_ms", t.DurationMs).
		Msg("Task completed")

	return *t, nil
}

// IncrementIteration bumps and returns the task's iteration count. It is
// the sole source of truth for the loop bound.
func (s *Store) IncrementIteration(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("unknown task: %s", taskID)
	}
	t.Iterations++
	return t.Iterations, nil
}

// GetTask returns a copy of the task
func (s *Store) GetTask(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// StartToolCall creates a running ToolCall row with the next sequence
// number for the task and returns a copy
func (s *Store) StartToolCall(taskID, provider, tool, arguments string) ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails when the entropy source does
		id = uuid.NewString()
	}

	tc := &ToolCall{
		ID:        id,
		TaskID:    taskID,
		Provider:  provider,
		Tool:      tool,
		Arguments: Truncate(arguments),
		Status:    ToolCallRunning,
		StartedAt: time.Now(),
		Sequence:  len(s.toolCallsByTask[taskID]) + 1,
	}
	s.toolCalls[id] = tc
	s.toolCallsByTask[taskID] = append(s.toolCallsByTask[taskID], id)

	return *tc
}

// CompleteToolCall finalizes a ToolCall row. Missing ids and rows that
// were already finalized are a no-op: the first completion wins.
func (s *Store) CompleteToolCall(id string, status ToolCallStatus, result, errorMessage string) (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc, ok := s.toolCalls[id]
	if !ok {
		return ToolCall{}, false
	}
	if tc.Status != ToolCallPending && tc.Status != ToolCallRunning {
		return *tc, false
	}

	tc.Status = status
	tc.Result = Truncate(result)
	tc.ErrorMessage = errorMessage
	tc.FinishedAt = time.Now()
	tc.DurationMs = tc.FinishedAt.Sub(tc.StartedAt).Milliseconds()

	return *tc, true
}

// ToolCalls returns the task's tool calls in sequence order
func (s *Store) ToolCalls(taskID string) []ToolCall {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.toolCallsByTask[taskID]
	out := make([]ToolCall, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.toolCalls[id])
	}
	return out
}

// RecordModelCall appends a ModelCall row and returns a copy. Rows are
// never updated after this.
func (s *Store) RecordModelCall(taskID string, role ModelCallRole, inputTokens, outputTokens int, duration time.Duration, stopReason string) ModelCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		id = uuid.NewString()
	}

	mc := &ModelCall{
		ID:           id,
		TaskID:       taskID,
		Role:         role,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		DurationMs:   duration.Milliseconds(),
		CreatedAt:    time.Now(),
		StopReason:   stopReason,
	}
	s.modelCalls[taskID] = append(s.modelCalls[taskID], mc)

	return *mc
}

// ModelCalls returns the task's model calls in record order
func (s *Store) ModelCalls(taskID string) []ModelCall {
	s.mu.RLock()
	defer s.mu.RUnlock()

	calls := s.modelCalls[taskID]
	out := make([]ModelCall, 0, len(calls))
	for _, mc := range calls {
		out = append(out, *mc)
	}
	return out
}

// Truncate cuts s to the storage bound, suffixing the ellipsis marker
// so the result is exactly maxStoredLen characters. The bound counts
// characters, not bytes, so multibyte values are never cut mid-rune.
func Truncate(s string) string {
	if len(s) <= maxStoredLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxStoredLen {
		return s
	}
	return string(runes[:maxStoredLen-len(ellipsis)]) + ellipsis
}
