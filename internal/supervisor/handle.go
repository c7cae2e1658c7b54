package supervisor

import (
	"fmt"
	"jobexec/internal/apperrors"
	"jobexec/internal/job"
	"slices"
	"sync"
	"time"
)

// allowedTransitions lists the legal next states for each non-terminal state.
var allowedTransitions = map[job.State][]job.State{
	job.StateStarting: {job.StateRunning, job.StateFailed, job.StateKilled},
	job.StateRunning:  {job.StateSucceeded, job.StateFailed, job.StateTimedOut, job.StateKilled},
}

// CanTransition reports whether from -> to is a legal handle transition.
func CanTransition(from, to job.State) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Handle tracks one OS process. Only the owning Supervisor mutates it;
// everyone else reads through Snapshot.
type Handle struct {
	mu        sync.RWMutex
	jobID     string
	pid       int
	startTime time.Time
	state     job.State
	done      chan struct{}
}

// Snapshot is a point-in-time copy of a Handle.
type Snapshot struct {
	JobID     string
	PID       int
	StartTime time.Time
	State     job.State
}

func newHandle(jobID string) *Handle {
	return &Handle{
		jobID: jobID,
		state: job.StateStarting,
		done:  make(chan struct{}),
	}
}

// Snapshot returns the current handle values.
func (h *Handle) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Snapshot{JobID: h.jobID, PID: h.pid, StartTime: h.startTime, State: h.state}
}

// State returns the current state.
func (h *Handle) State() job.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Done is closed once the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) setProcess(pid int, start time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pid = pid
	h.startTime = start
}

// transition moves the handle to the next state. Terminal states are final.
func (h *Handle) transition(to job.State) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !CanTransition(h.state, to) {
		return apperrors.Consistency("supervisor.transition", fmt.Sprintf("job %s: illegal transition %s -> %s", h.jobID, h.state, to))
	}
	h.state = to
	if to.Terminal() {
		close(h.done)
	}
	return nil
}
