// Package process stops spawned commands by process group, so children
// of a watched command cannot outlive it.
package process

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrProcessNotFound = errors.New("process not running")

const defaultStopTimeout = 5 * time.Second

// Handle identifies one running command. Wait, when set, blocks until
// the process is reaped; without it liveness is polled.
type Handle struct {
	PID  int
	PGID int
	Name string
	Wait func(context.Context) error
}

// Stop terminates a process group: SIGTERM, a grace period, then
// SIGKILL for whatever is still alive.
func Stop(ctx context.Context, handle Handle) error {
	return stopHandle(ctx, handle)
}

// Registry tracks live commands so shutdown can stop them all.
type Registry struct {
	mu      sync.Mutex
	entries map[int]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]Handle),
	}
}

func (r *Registry) Register(handle Handle) {
	if r == nil || handle.PID <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[handle.PID] = handle
	r.mu.Unlock()
}

func (r *Registry) Unregister(pid int) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StopAll stops every registered process. Entries that already exited
// are not an error.
func (r *Registry) StopAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := make([]Handle, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	var stopErr error
	for _, entry := range entries {
		if err := stopHandle(ctx, entry); err != nil && !errors.Is(err, ErrProcessNotFound) {
			stopErr = errors.Join(stopErr, err)
		}
	}
	if len(entries) > 0 {
		r.mu.Lock()
		for _, entry := range entries {
			delete(r.entries, entry.PID)
		}
		r.mu.Unlock()
	}
	return stopErr
}
