// Package mcp manages connections to external Model Context Protocol
// tool providers.
//
// Invariants:
// - The provider map is owned by the Manager and guarded by one mutex;
//   the health sweep and the agent loop touch it concurrently.
// - Tool descriptor snapshots are taken at connect time and are not
//   refreshed until reconnect or restart.
// - Tools whose input schema fails to compile are quarantined at
//   connect time and never reach a model call.
package mcp
