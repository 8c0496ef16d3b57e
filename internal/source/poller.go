package source

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/radovskyb/watcher"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const (
	pollerBackendName   = "poll"
	defaultPollInterval = 500 * time.Millisecond
	minPollInterval     = 10 * time.Millisecond
)

// Poller is the portable polling backend. It scans watched trees on an
// interval and diffs the results, which makes it slower than the
// kernel backend but able to detect true rename pairs: both halves are
// emitted with a shared cookie.
type Poller struct {
	delegate *watcher.Watcher
	events   chan Event
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *logging.Logger
	registry *metrics.Registry
	interval time.Duration

	mutex   sync.Mutex
	roots   map[string]Root
	started bool
	closed  bool
}

func NewPoller(options Options) *Poller {
	interval := options.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}

	delegate := watcher.New()
	delegate.FilterOps(watcher.Create, watcher.Write, watcher.Remove, watcher.Rename, watcher.Move)

	return &Poller{
		delegate: delegate,
		events:   make(chan Event, 16),
		errors:   make(chan error, 4),
		done:     make(chan struct{}),
		logger:   options.Logger,
		registry: options.Metrics,
		interval: interval,
		roots:    make(map[string]Root),
	}
}

func (poller *Poller) Events() <-chan Event {
	if poller == nil {
		return nil
	}
	return poller.events
}

func (poller *Poller) Errors() <-chan error {
	if poller == nil {
		return nil
	}
	return poller.errors
}

// Start registers any initial roots and launches the polling loop. It
// does not return until the loop is confirmed running or has failed:
// closing an unstarted delegate would otherwise be a no-op and hang
// shutdown.
func (poller *Poller) Start(roots []Root) error {
	if poller == nil {
		return errors.New("nil poller")
	}

	poller.mutex.Lock()
	if poller.started {
		poller.mutex.Unlock()
		return ErrAlreadyStarted
	}
	poller.started = true
	poller.mutex.Unlock()

	var failures []error
	added := 0
	for _, root := range roots {
		if err := poller.AddRoot(root); err != nil {
			failures = append(failures, err)
			continue
		}
		added++
	}

	startErr := make(chan error, 1)
	go func() {
		startErr <- poller.delegate.Start(poller.interval)
	}()
	running := make(chan struct{})
	go func() {
		poller.delegate.Wait()
		close(running)
	}()
	select {
	case err := <-startErr:
		if err != nil {
			return Classify("", err)
		}
	case <-running:
	}

	poller.wg.Add(1)
	go poller.pump()

	if len(roots) > 0 && added == 0 {
		return errors.Join(failures...)
	}
	return nil
}

func (poller *Poller) Stop() error {
	if poller == nil {
		return nil
	}

	poller.mutex.Lock()
	if poller.closed {
		poller.mutex.Unlock()
		return nil
	}
	poller.closed = true
	poller.mutex.Unlock()

	poller.delegate.Close()
	close(poller.done)
	poller.wg.Wait()
	close(poller.events)
	close(poller.errors)
	return nil
}

func (poller *Poller) AddRoot(root Root) error {
	if poller == nil {
		return errors.New("nil poller")
	}

	var err error
	if root.Recursive {
		err = poller.delegate.AddRecursive(root.Path)
	} else {
		err = poller.delegate.Add(root.Path)
	}
	if err != nil {
		return Classify(root.Path, err)
	}

	poller.mutex.Lock()
	poller.roots[root.Path] = root
	poller.mutex.Unlock()
	return nil
}

func (poller *Poller) RemoveRoot(path string) error {
	if poller == nil {
		return nil
	}

	poller.mutex.Lock()
	root, known := poller.roots[path]
	delete(poller.roots, path)
	poller.mutex.Unlock()
	if !known {
		return nil
	}

	var err error
	if root.Recursive {
		err = poller.delegate.RemoveRecursive(path)
	} else {
		err = poller.delegate.Remove(path)
	}
	if err != nil {
		poller.logDebug("poll remove failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
	}
	return nil
}

func (poller *Poller) pump() {
	defer poller.wg.Done()
	for {
		select {
		case event := <-poller.delegate.Event:
			poller.handleEvent(event)
		case err := <-poller.delegate.Error:
			poller.handleError(err)
		case <-poller.delegate.Closed:
			return
		case <-poller.done:
			return
		}
	}
}

func (poller *Poller) handleEvent(event watcher.Event) {
	now := time.Now()
	switch event.Op {
	case watcher.Create:
		poller.emit(Event{Path: event.Path, Op: OpCreate, Time: now})
	case watcher.Write:
		poller.emit(Event{Path: event.Path, Op: OpModify, Time: now})
	case watcher.Remove:
		poller.checkRootVanished(event.Path)
		poller.emit(Event{Path: event.Path, Op: OpDelete, Time: now})
	case watcher.Rename, watcher.Move:
		from := event.OldPath
		if from == "" {
			from = event.Path
		}
		cookie := nextCookie()
		poller.emit(Event{Path: from, Op: OpRenameFrom, Cookie: cookie, Time: now})
		poller.emit(Event{Path: event.Path, Op: OpRenameTo, Cookie: cookie, Time: now})
	}
}

func (poller *Poller) handleError(err error) {
	// The delegate reports a deleted watch target without naming it; the
	// Remove events that follow identify what vanished.
	if errors.Is(err, watcher.ErrWatchedFileDeleted) {
		poller.forwardError(&Error{Kind: RootVanished, Err: err})
		return
	}
	poller.forwardError(Classify("", err))
}

func (poller *Poller) checkRootVanished(path string) {
	poller.mutex.Lock()
	_, isRoot := poller.roots[path]
	if isRoot {
		delete(poller.roots, path)
	}
	poller.mutex.Unlock()

	if isRoot {
		poller.logWarn("root vanished", map[string]string{"path": path})
		poller.forwardError(&Error{Kind: RootVanished, Path: path, Err: os.ErrNotExist})
	}
}

func (poller *Poller) emit(event Event) {
	poller.registry.IncRawEvent(pollerBackendName)
	select {
	case poller.events <- event:
	case <-poller.done:
	}
}

func (poller *Poller) forwardError(err error) {
	select {
	case poller.errors <- err:
	case <-poller.done:
	}
}

func (poller *Poller) logDebug(message string, fields map[string]string) {
	if poller == nil || poller.logger == nil {
		return
	}
	poller.logger.Debug(message, fields)
}

func (poller *Poller) logWarn(message string, fields map[string]string) {
	if poller == nil || poller.logger == nil {
		return
	}
	poller.logger.Warn(message, fields)
}
