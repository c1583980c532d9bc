// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/toeirei/stagehand/internal/model"
)

// Handle is the live reference to one executor process. Cancelling it
// cancels the context the process was started with, which makes exec send
// SIGTERM and escalate to SIGKILL after the wait delay.
type Handle struct {
	RunID     string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewHandle wraps cancel for runID.
func NewHandle(runID string, cancel context.CancelFunc) *Handle {
	return &Handle{RunID: runID, cancel: cancel}
}

// Cancel requests termination. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Registry maps run ids to live process handles. It holds at most one
// handle per run id.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds h. It fails with model.ErrRunAlreadyActive when another
// handle is already tracked for the same run.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.RunID]; ok {
		return fmt.Errorf("%w: %s", model.ErrRunAlreadyActive, h.RunID)
	}
	r.handles[h.RunID] = h
	return nil
}

// Get returns the tracked handle for runID.
func (r *Registry) Get(runID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[runID]
	return h, ok
}

// Remove drops h if it is still the tracked handle for its run. A handle
// that was already replaced or cancelled is left alone.
func (r *Registry) Remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.RunID]; ok && cur == h {
		delete(r.handles, h.RunID)
		return true
	}
	return false
}

// Cancel signals and untracks the handle for runID. It returns false, with
// no side effect, when nothing is tracked.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	h, ok := r.handles[runID]
	if ok {
		delete(r.handles, runID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// CancelAll cancels every tracked handle and returns how many there were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	hs := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		hs = append(hs, h)
		delete(r.handles, id)
	}
	r.mu.Unlock()
	for _, h := range hs {
		h.Cancel()
	}
	return len(hs)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
