//go:build !windows

package runner

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// startPTY launches the command attached to a pseudo-terminal and
// copies its output to stdout, so programs keep color and line
// buffering as if run interactively.
func startPTY(cmd *exec.Cmd, stdout io.Writer) (io.Closer, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	handle := &ptyHandle{file: ptmx, drained: make(chan struct{})}
	go func() {
		defer close(handle.drained)
		// Read errors with EIO once the child side closes.
		_, _ = io.Copy(stdout, ptmx)
	}()
	return handle, nil
}

type ptyHandle struct {
	file    *os.File
	drained chan struct{}
}

// Close waits briefly for remaining output, then releases the pty. A
// grandchild holding the terminal open must not block teardown.
func (handle *ptyHandle) Close() error {
	select {
	case <-handle.drained:
	case <-time.After(time.Second):
	}
	return handle.file.Close()
}
