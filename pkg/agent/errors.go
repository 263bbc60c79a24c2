package agent

import "errors"

var (
	// ErrNoProviders means no requested provider could be connected
	ErrNoProviders = errors.New("no providers connected")

	// ErrNoTools means the connected providers offered no tools
	ErrNoTools = errors.New("no tools available")

	// ErrIterationBudget means the loop hit the iteration cap before a
	// natural completion
	ErrIterationBudget = errors.New("iteration budget exceeded")

	// ErrTaskTimeout means the task's wall-clock budget ran out
	ErrTaskTimeout = errors.New("task time budget exceeded")

	// ErrCancelled means the caller cancelled between iterations
	ErrCancelled = errors.New("task cancelled")

	// ErrModelService means a fatal (non-transient or retry-exhausted)
	// model service failure
	ErrModelService = errors.New("model service failure")
)
