package shutdown

import "context"

// Hook priorities; higher runs earlier. The ordering stops intake before
// draining work, and drains work before closing what it writes to.
const (
	// PriorityHTTPServer stops accepting API requests.
	PriorityHTTPServer = 90

	// PriorityCron stops scheduled sweeps from submitting new jobs.
	PriorityCron = 85

	// PriorityWorkers drains the pipeline workers.
	PriorityWorkers = 80

	// PriorityActivityHub closes the websocket fan-out once the workers
	// have emitted their final events.
	PriorityActivityHub = 75

	// PriorityStore closes job persistence last among the domain pieces.
	PriorityStore = 70
)

// HookFunc performs one component's shutdown. The context is cancelled when
// the per-hook timeout expires.
type HookFunc func(ctx context.Context) error

// Hook is a named shutdown step.
type Hook struct {
	Name     string
	Priority int
	Fn       HookFunc
}
