// Package runner executes a command in response to change
// notifications. At most one instance runs at a time; changes arriving
// during a run mark it dirty, and a dirty runner reruns once the
// current instance exits.
package runner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/process"
)

const defaultGraceTimeout = 5 * time.Second

// terminalClear resets the terminal like procps watch between runs.
const terminalClear = "\x1bc"

var ErrNoCommand = errors.New("no command to run")

// Options configures a Runner.
type Options struct {
	// Command is the argv executed on each change.
	Command []string
	// Dir is the working directory; empty inherits the caller's.
	Dir string
	// Watch clears the terminal before each run and reports the exit
	// status at info level instead of debug.
	Watch bool
	// Kill terminates a still-running command when further changes
	// arrive, then reruns it.
	Kill bool
	// PTY attaches the command to a pseudo-terminal so it keeps color
	// and line buffering. Unix only; elsewhere it falls back to pipes.
	PTY bool
	// GraceTimeout bounds the SIGTERM-to-SIGKILL escalation.
	GraceTimeout time.Duration

	Stdout    io.Writer
	Stderr    io.Writer
	Stdin     io.Reader
	Logger    *logging.Logger
	Processes *process.Registry
}

type exitStatus struct {
	state *os.ProcessState
	err   error
}

type instance struct {
	cmd        *exec.Cmd
	handle     process.Handle
	generation int
	pty        io.Closer
}

// Runner owns one command lifecycle. A single goroutine holds all
// state; Notify and Stop only pass messages.
type Runner struct {
	options Options
	logger  *logging.Logger
	stdout  io.Writer
	stderr  io.Writer

	changes chan struct{}
	exits   chan exitStatus
	kills   chan int
	quit    chan struct{}
	done    chan struct{}

	stopOnce sync.Once

	// Owned by the run goroutine.
	current    *instance
	generation int
	pending    bool
	terminated bool
}

// New validates the options and launches the runner loop. The command
// does not execute until Start or the first Notify.
func New(options Options) (*Runner, error) {
	if len(options.Command) == 0 {
		return nil, ErrNoCommand
	}
	if options.GraceTimeout <= 0 {
		options.GraceTimeout = defaultGraceTimeout
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLogger(nil, logging.LevelInfo)
	}
	stdout := options.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := options.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	runner := &Runner{
		options: options,
		logger:  logger,
		stdout:  stdout,
		stderr:  stderr,
		changes: make(chan struct{}, 1),
		exits:   make(chan exitStatus, 1),
		kills:   make(chan int, 4),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go runner.run()
	return runner, nil
}

// Start performs the initial run: the command executes once before any
// change arrives.
func (runner *Runner) Start() {
	runner.Notify()
}

// Notify marks the watched tree dirty. Notifications coalesce: any
// number of calls during a run produce exactly one rerun.
func (runner *Runner) Notify() {
	if runner == nil {
		return
	}
	select {
	case runner.changes <- struct{}{}:
	default:
	}
}

// Stop terminates any running command and shuts the loop down.
// Idempotent; blocks until the command has been reaped.
func (runner *Runner) Stop() {
	if runner == nil {
		return
	}
	runner.stopOnce.Do(func() {
		close(runner.quit)
	})
	<-runner.done
}

func (runner *Runner) run() {
	defer close(runner.done)
	for {
		select {
		case <-runner.changes:
			runner.pending = true
			runner.checkPending()
		case status := <-runner.exits:
			runner.handleExit(status)
		case generation := <-runner.kills:
			runner.expireGrace(generation)
		case <-runner.quit:
			runner.shutdown()
			return
		}
	}
}

// checkPending is the dirty-latch core: start when idle, or in kill
// mode terminate the running command so its exit triggers the rerun.
func (runner *Runner) checkPending() {
	if !runner.pending {
		return
	}
	if runner.current == nil {
		runner.pending = false
		runner.terminated = false
		runner.startProcess()
		return
	}
	if runner.options.Kill && !runner.terminated {
		runner.terminated = true
		runner.logger.Info("terminating command for restart", map[string]string{
			"pid": strconv.Itoa(runner.current.handle.PID),
		})
		_ = process.Terminate(runner.current.handle.PID, runner.current.handle.PGID)
		runner.armGrace(runner.current.generation)
	}
}

func (runner *Runner) newCommand() *exec.Cmd {
	command := runner.options.Command
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = runner.options.Dir
	cmd.Stdin = runner.options.Stdin
	process.SetGroup(cmd)
	return cmd
}

func (runner *Runner) startProcess() {
	if runner.options.Watch {
		fmt.Fprint(runner.stdout, terminalClear)
	}

	var started *instance
	if runner.options.PTY {
		cmd := runner.newCommand()
		closer, err := startPTY(cmd, runner.stdout)
		if err == nil {
			started = &instance{cmd: cmd, pty: closer}
		} else {
			runner.logger.Warn("pty unavailable, falling back to pipes", map[string]string{
				"error": err.Error(),
			})
		}
	}
	if started == nil {
		cmd := runner.newCommand()
		cmd.Stdout = runner.stdout
		cmd.Stderr = runner.stderr
		if err := cmd.Start(); err != nil {
			runner.logger.Error("failed to start command", map[string]string{
				"command": runner.options.Command[0],
				"error":   err.Error(),
			})
			return
		}
		started = &instance{cmd: cmd}
	}

	runner.generation++
	started.generation = runner.generation
	pid := started.cmd.Process.Pid
	started.handle = process.Handle{
		PID:  pid,
		PGID: process.GroupID(pid),
		Name: runner.options.Command[0],
	}
	runner.options.Processes.Register(started.handle)
	runner.current = started
	runner.logger.Debug("command started", map[string]string{
		"pid":     strconv.Itoa(pid),
		"command": strings.Join(runner.options.Command, " "),
	})

	go func(inst *instance) {
		err := inst.cmd.Wait()
		if inst.pty != nil {
			_ = inst.pty.Close()
		}
		runner.exits <- exitStatus{state: inst.cmd.ProcessState, err: err}
	}(started)
}

func (runner *Runner) handleExit(status exitStatus) {
	if inst := runner.current; inst != nil {
		runner.options.Processes.Unregister(inst.handle.PID)
	}
	runner.current = nil
	runner.reportExit(status)
	runner.checkPending()
}

// reportExit mirrors watch(1): always report the status, loudly in
// watch mode, quietly otherwise.
func (runner *Runner) reportExit(status exitStatus) {
	report := runner.logger.Debug
	if runner.options.Watch {
		report = runner.logger.Info
	}
	switch {
	case status.err == nil:
		report("command completed successfully", nil)
	case status.state != nil:
		report("command failed", map[string]string{
			"status": status.state.String(),
			"code":   strconv.Itoa(status.state.ExitCode()),
		})
	default:
		runner.logger.Error("command failed", map[string]string{
			"error": status.err.Error(),
		})
	}
}

// armGrace schedules the SIGKILL escalation for one command
// generation. A stale generation is ignored when it fires.
func (runner *Runner) armGrace(generation int) {
	time.AfterFunc(runner.options.GraceTimeout, func() {
		select {
		case runner.kills <- generation:
		case <-runner.done:
		}
	})
}

func (runner *Runner) expireGrace(generation int) {
	inst := runner.current
	if inst == nil || inst.generation != generation {
		return
	}
	runner.logger.Warn("command ignored SIGTERM, killing process group", map[string]string{
		"pid": strconv.Itoa(inst.handle.PID),
	})
	_ = process.Kill(inst.handle.PID, inst.handle.PGID)
}

// shutdown stops the running command without rerunning it, escalating
// to SIGKILL after the grace period.
func (runner *Runner) shutdown() {
	inst := runner.current
	if inst == nil {
		return
	}
	runner.pending = false
	runner.logger.Info("stopping command", map[string]string{
		"pid": strconv.Itoa(inst.handle.PID),
	})
	_ = process.Terminate(inst.handle.PID, inst.handle.PGID)

	grace := time.NewTimer(runner.options.GraceTimeout)
	defer grace.Stop()
	for {
		select {
		case status := <-runner.exits:
			runner.options.Processes.Unregister(inst.handle.PID)
			runner.current = nil
			runner.reportExit(status)
			return
		case <-grace.C:
			_ = process.Kill(inst.handle.PID, inst.handle.PGID)
		}
	}
}
