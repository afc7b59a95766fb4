package agent

import (
	"context"
	"sync"
)

// callbackRegistry holds completion callbacks by job id. It is process-local;
// a restart loses registrations but never job state.
type callbackRegistry struct {
	mu        sync.Mutex
	callbacks map[string]Callback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{callbacks: make(map[string]Callback)}
}

func (r *callbackRegistry) register(jobID string, cb Callback) {
	r.mu.Lock()
	r.callbacks[jobID] = cb
	r.mu.Unlock()
}

// fire removes and invokes the callback for jobID, if any.
func (r *callbackRegistry) fire(ctx context.Context, jobID string, job *AgentJobState) {
	r.mu.Lock()
	cb, ok := r.callbacks[jobID]
	delete(r.callbacks, jobID)
	r.mu.Unlock()

	if ok {
		snapshot := *job
		cb(ctx, &snapshot)
	}
}

func (r *callbackRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}
