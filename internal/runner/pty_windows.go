//go:build windows

package runner

import (
	"errors"
	"io"
	"os/exec"
)

var errPTYUnsupported = errors.New("pty not supported on this platform")

func startPTY(cmd *exec.Cmd, stdout io.Writer) (io.Closer, error) {
	return nil, errPTYUnsupported
}
