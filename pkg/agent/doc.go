// Package agent drives the model-call/tool-call iteration for one task
// at a time and emits the ordered progress event stream.
//
// Invariants:
// - One task loop is active at a time; queueing is the caller's job.
// - Every task produces exactly one terminal event (task-completed or
//   error) on every exit path.
// - The iteration count never exceeds the configured cap.
// - Providers connected for a task are disconnected on exit,
//   unconditionally.
//
// Usage:
//
//	orch, _ := agent.NewOrchestrator(agent.OrchestratorConfig{
//		Providers: manager,
//		Tools:     gw,
//		Store:     store,
//		Model:     client,
//		Events:    events,
//	})
//	task, err := orch.Run(ctx, agent.RunParams{
//		Message:   "what's the weather in osaka?",
//		Providers: []string{"weather"},
//	})
//	_ = task
//	_ = err
package agent
