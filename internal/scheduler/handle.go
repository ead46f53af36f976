package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type State int32

const (
	Pending State = iota
	Running
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handle tracks one submission. Only repeating submissions can be cancelled.
type Handle struct {
	id        uuid.UUID
	repeating bool

	mu         sync.Mutex
	state      State
	hostCancel func()

	runs atomic.Uint64
	done chan struct{}
	once sync.Once
}

func newHandle(repeating bool) *Handle {
	return &Handle{
		id:        uuid.New(),
		repeating: repeating,
		done:      make(chan struct{}),
	}
}

func (h *Handle) ID() uuid.UUID { return h.id }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Runs counts finished executions, including ones that failed.
func (h *Handle) Runs() uint64 { return h.runs.Load() }

// Repeating reports whether the handle belongs to a periodic task.
func (h *Handle) Repeating() bool { return h.repeating }

// Done is closed when a one-shot task finishes or a repeating task is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops a repeating task: no run starts after Cancel returns, and a run
// already in progress finishes. It returns false for one-shot tasks, which
// cannot be revoked once accepted, and for handles already cancelled.
func (h *Handle) Cancel() bool {
	if !h.repeating {
		return false
	}
	h.mu.Lock()
	if h.state == Cancelled {
		h.mu.Unlock()
		return false
	}
	h.state = Cancelled
	cancel := h.hostCancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.close()
	return true
}

func (h *Handle) String() string {
	return fmt.Sprintf("Handle{id=%s, state=%s, runs=%d}", h.id, h.State(), h.Runs())
}

func (h *Handle) setCancel(fn func()) {
	h.mu.Lock()
	h.hostCancel = fn
	h.mu.Unlock()
}

// begin moves the handle to Running, refusing when it was cancelled
func (h *Handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Cancelled {
		return false
	}
	h.state = Running
	return true
}

// finish records a run. One-shot handles complete, repeating ones go back to
// Pending unless they were cancelled mid-run.
func (h *Handle) finish(final bool) {
	h.runs.Add(1)
	h.mu.Lock()
	if h.state == Running {
		if final {
			h.state = Completed
		} else {
			h.state = Pending
		}
	}
	h.mu.Unlock()
	if final {
		h.close()
	}
}

func (h *Handle) close() { h.once.Do(func() { close(h.done) }) }
