//go:build linux

package process

import "syscall"

// setDeathSignal terminates the child if the watcher itself dies
// without running its shutdown path.
func setDeathSignal(attr *syscall.SysProcAttr) {
	if attr == nil {
		return
	}
	attr.Pdeathsig = syscall.SIGTERM
}
