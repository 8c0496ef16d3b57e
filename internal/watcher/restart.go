package watcher

import (
	"fmt"
	"strconv"
	"time"

	"dirwatch/internal/source"
)

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

// scheduleRestart arms a backoff timer for a backend rebuild. A timer
// already pending absorbs further errors; exhausted attempts escalate
// to an unrecoverable failure.
func (watcher *Watcher) scheduleRestart(cause error) {
	if watcher == nil {
		return
	}
	watcher.restartMutex.Lock()
	if watcher.State() != StateRunning {
		watcher.restartMutex.Unlock()
		return
	}
	if watcher.restartTimer != nil {
		watcher.restartMutex.Unlock()
		return
	}
	if watcher.restartAttempts >= maxRestartAttempts {
		watcher.restartMutex.Unlock()
		watcher.fail(fmt.Errorf("event source failed after %d restart attempts: %v", maxRestartAttempts, cause))
		return
	}
	delay := restartDelay(watcher.restartAttempts)
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(delay, watcher.performRestart)
	watcher.restartMutex.Unlock()

	watcher.logger.Warn("scheduling event source restart", map[string]string{
		"delay": delay.String(),
		"cause": cause.Error(),
	})
}

func (watcher *Watcher) performRestart() {
	if watcher == nil {
		return
	}
	restartErr := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if restartErr == nil {
		watcher.restartAttempts = 0
		watcher.restartMutex.Unlock()
		return
	}
	watcher.restartMutex.Unlock()

	watcher.publishDiagnostic(DiagnosticRestartFailed, "", restartErr.Error())
	watcher.scheduleRestart(restartErr)
}

func (watcher *Watcher) cancelRestart() {
	if watcher == nil {
		return
	}
	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()
}

// restart rebuilds the event source from registry state. Roots that
// fail to rewatch stay registered (the next restart retries them) but
// do not count as survivors. Each survivor gets a synthetic Rescan,
// since events during the rebuild are lost.
func (watcher *Watcher) restart() error {
	if watcher.State() != StateRunning {
		return nil
	}

	roots := watcher.roots.List()
	replacement, err := watcher.newSource(watcher.options.Backend, watcher.sourceOptions())
	if err != nil {
		return fmt.Errorf("recreate event source: %w", err)
	}
	if err := replacement.Start(nil); err != nil {
		_ = replacement.Stop()
		return fmt.Errorf("restart event source: %w", err)
	}

	survivors := make([]WatchRoot, 0, len(roots))
	for _, root := range roots {
		if err := replacement.AddRoot(source.Root{Path: root.Path, Recursive: root.Recursive}); err != nil {
			watcher.publishDiagnostic(DiagnosticRootFailed, root.Path, err.Error())
			continue
		}
		survivors = append(survivors, root)
	}
	if len(survivors) == 0 && len(roots) > 0 {
		_ = replacement.Stop()
		return fmt.Errorf("%w: no roots could be rewatched", ErrNoRootsWatchable)
	}

	watcher.mutex.Lock()
	if watcher.state != StateRunning {
		watcher.mutex.Unlock()
		_ = replacement.Stop()
		return nil
	}
	previous := watcher.source
	watcher.source = replacement
	watcher.pumpGroup.Add(1)
	watcher.mutex.Unlock()

	if previous != nil {
		_ = previous.Stop()
	}
	watcher.startPump(replacement)

	watcher.registry.IncSourceRestart()
	watcher.publishDiagnostic(DiagnosticBackendRestarted, "",
		"event source restarted; watching "+strconv.Itoa(len(survivors))+" of "+strconv.Itoa(len(roots))+" roots")
	for _, root := range survivors {
		watcher.publishRescan(root.Path)
	}
	return nil
}
