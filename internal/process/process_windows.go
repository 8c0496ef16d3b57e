//go:build windows

package process

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// SetGroup is a no-op: there are no unix process groups to arrange.
func SetGroup(cmd *exec.Cmd) {}

func GroupID(pid int) int {
	return 0
}

// Terminate has no graceful signal to send, so it kills outright.
func Terminate(pid, pgid int) error {
	return Kill(pid, pgid)
}

func Kill(pid, pgid int) error {
	_ = pgid
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	_ = proc.Kill()
	return nil
}

func stopHandle(ctx context.Context, handle Handle) error {
	if handle.PID <= 0 {
		return nil
	}
	proc, err := os.FindProcess(handle.PID)
	if err != nil {
		return ErrProcessNotFound
	}
	_ = proc.Kill()
	return waitForExit(ctx, handle)
}

func waitForExit(ctx context.Context, handle Handle) error {
	if handle.Wait != nil {
		return handle.Wait(ctx)
	}
	timeout := defaultStopTimeout
	var cancel <-chan struct{}
	if ctx != nil {
		cancel = ctx.Done()
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ctx.Err()
			}
			if remaining < timeout {
				timeout = remaining
			}
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		proc, err := os.FindProcess(handle.PID)
		if err != nil || proc == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-cancel:
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
