// Package trace keeps the in-process ledger of tasks, tool calls, and
// model calls for the agent loop.
//
// Invariants:
// - ToolCall sequence numbers per task are 1..N with no gaps.
// - ModelCall rows are append-only.
// - A task's terminal status never changes once set.
// - Stored arguments and results are truncated to a fixed bound.
//
// The store is transient: nothing is persisted, and rows live for the
// lifetime of the Store object.
package trace
