//go:build !windows

package process

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// SetGroup makes the command a process-group leader so signals reach
// its whole tree.
func SetGroup(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	setDeathSignal(cmd.SysProcAttr)
}

func GroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// Terminate sends SIGTERM to the group. A group that already vanished
// is not an error.
func Terminate(pid, pgid int) error {
	return signalGroup(pid, pgid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the group.
func Kill(pid, pgid int) error {
	return signalGroup(pid, pgid, syscall.SIGKILL)
}

func signalGroup(pid, pgid int, sig syscall.Signal) error {
	target := 0
	switch {
	case pgid > 0:
		target = -pgid
	case pid > 0:
		target = pid
	default:
		return nil
	}
	err := syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func stopHandle(ctx context.Context, handle Handle) error {
	if handle.PID <= 0 {
		return nil
	}
	if !alive(handle.PID) {
		return ErrProcessNotFound
	}
	termErr := Terminate(handle.PID, handle.PGID)
	waitErr := waitForExit(ctx, handle)
	if isExpectedExit(waitErr) {
		waitErr = nil
	}
	if waitErr == nil {
		return termErr
	}
	killErr := Kill(handle.PID, handle.PGID)
	_ = waitForExit(ctx, handle)
	return errors.Join(termErr, waitErr, killErr)
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
		if !alive(handle.PID) {
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

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// isExpectedExit recognizes death by signal, which is how a stopped
// process group normally reports back.
func isExpectedExit(err error) bool {
	if err == nil {
		return false
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled()
}
