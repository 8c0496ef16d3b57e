package watcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dirwatch/internal/change"
	"dirwatch/internal/coalesce"
	"dirwatch/internal/event"
	"dirwatch/internal/fsutil"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/patterns"
	"dirwatch/internal/source"
)

const (
	maxRestartAttempts         = 3
	restartBaseDelay           = 200 * time.Millisecond
	defaultBackpressureTimeout = time.Second
	diagnosticsBufferSize      = 64
	diagnosticsHistorySize     = 64
)

// Options configures a Watcher. Zero fields fall back to defaults.
type Options struct {
	// Backend selects the event source: source.BackendAuto,
	// source.BackendFSNotify or source.BackendPoll.
	Backend      string
	PollInterval time.Duration
	MaxWatches   int

	DebounceWindow      time.Duration
	RenamePairingWindow time.Duration
	MaxPendingPaths     int

	// SubscriberQueueCapacity bounds each subscriber's queue;
	// BackpressureTimeout is how long a publish waits on a full queue
	// before the subscriber is forcibly disconnected.
	SubscriberQueueCapacity int
	BackpressureTimeout     time.Duration

	// HistorySize keeps that many recent notifications for replay to
	// late subscribers. Zero disables history.
	HistorySize int

	// Include and Exclude are glob patterns matched against paths
	// relative to their root. Defaults: include everything, exclude
	// dotfiles.
	Include []string
	Exclude []string

	Logger  *logging.Logger
	Metrics *metrics.Registry

	// SourceFactory overrides backend construction, for tests.
	SourceFactory func(string, source.Options) (source.Source, error)
}

// Watcher is the facade over registry, source, engine and buses.
type Watcher struct {
	options   Options
	logger    *logging.Logger
	registry  *metrics.Registry
	roots     *Registry
	matcher   *patterns.Matcher
	engine    *coalesce.Engine
	newSource func(string, source.Options) (source.Source, error)

	notifications *event.Bus[change.Notification]
	diagnostics   *event.Bus[Diagnostic]

	mutex    sync.Mutex
	state    State
	starting bool
	source   source.Source
	fatalErr error

	pumpGroup sync.WaitGroup

	restartMutex    sync.Mutex
	restartAttempts int
	restartTimer    *time.Timer

	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Watcher in the Idle state. The returned watcher owns
// background goroutines; callers must Stop it even if Start was never
// called or failed.
func New(options Options) (*Watcher, error) {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLogger(nil, logging.LevelInfo)
	}
	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	if options.BackpressureTimeout <= 0 {
		options.BackpressureTimeout = defaultBackpressureTimeout
	}

	include := options.Include
	if len(include) == 0 {
		include = patterns.DefaultInclude
	}
	exclude := options.Exclude
	if len(exclude) == 0 {
		exclude = patterns.DefaultExclude
	}
	matcher, err := patterns.New(include, exclude)
	if err != nil {
		return nil, fmt.Errorf("compile patterns: %w", err)
	}

	watcher := &Watcher{
		options:  options,
		logger:   logger,
		registry: registry,
		roots:    NewRegistry(),
		matcher:  matcher,
		done:     make(chan struct{}),
	}
	watcher.newSource = options.SourceFactory
	if watcher.newSource == nil {
		watcher.newSource = source.New
	}

	watcher.notifications = event.NewBus[change.Notification](context.Background(), event.BusOptions{
		Name:                 "notifications",
		SubscriberBufferSize: options.SubscriberQueueCapacity,
		BlockOnFull:          true,
		WriteTimeout:         options.BackpressureTimeout,
		HistorySize:          options.HistorySize,
		Registry:             registry,
		Logger:               logger,
		OnForceDisconnect: func(blocked time.Duration) {
			watcher.publishDiagnostic(DiagnosticSubscriberDropped, "",
				"subscriber stalled past backpressure timeout and was disconnected (blocked "+blocked.String()+")")
		},
	})
	watcher.diagnostics = event.NewBus[Diagnostic](context.Background(), event.BusOptions{
		Name:                 "diagnostics",
		SubscriberBufferSize: diagnosticsBufferSize,
		HistorySize:          diagnosticsHistorySize,
		Registry:             registry,
		Logger:               logger,
	})

	watcher.engine = coalesce.New(coalesce.Options{
		DebounceWindow:      options.DebounceWindow,
		RenamePairingWindow: options.RenamePairingWindow,
		MaxPendingPaths:     options.MaxPendingPaths,
		Logger:              logger,
		Metrics:             registry,
		RootFor: func(path string) (string, bool) {
			root, ok := watcher.roots.RootFor(path)
			return root.Path, ok
		},
		Emit: func(notification change.Notification) {
			watcher.notifications.Publish(notification)
		},
	})
	watcher.engine.Start()

	return watcher, nil
}

// Start registers the initial roots and begins watching. Valid only
// from Idle. Roots that cannot be watched are reported as diagnostics;
// Start fails with ErrNoRootsWatchable only when none succeed, and the
// watcher stays Idle so a corrected Start can be retried.
func (watcher *Watcher) Start(ctx context.Context, specs []RootSpec) error {
	if watcher == nil {
		return ErrNotIdle
	}
	watcher.mutex.Lock()
	if watcher.state != StateIdle || watcher.starting {
		state := watcher.state
		watcher.mutex.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotIdle, state)
	}
	watcher.starting = true
	watcher.mutex.Unlock()
	defer func() {
		watcher.mutex.Lock()
		watcher.starting = false
		watcher.mutex.Unlock()
	}()

	src, err := watcher.newSource(watcher.options.Backend, watcher.sourceOptions())
	if err != nil {
		return fmt.Errorf("create event source: %w", err)
	}
	if err := src.Start(nil); err != nil {
		_ = src.Stop()
		return fmt.Errorf("start event source: %w", err)
	}

	watched := 0
	var lastErr error
	for _, spec := range specs {
		root, created, err := watcher.roots.Add(spec.Path, spec.Recursive)
		if err != nil {
			lastErr = err
			watcher.publishDiagnostic(DiagnosticRootFailed, spec.Path, err.Error())
			continue
		}
		if !created {
			watched++
			continue
		}
		if err := src.AddRoot(source.Root{Path: root.Path, Recursive: root.Recursive}); err != nil {
			lastErr = err
			watcher.roots.Remove(root.ID)
			watcher.publishDiagnostic(DiagnosticRootFailed, root.Path, err.Error())
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = src.Stop()
		if lastErr != nil {
			return fmt.Errorf("%w: %v", ErrNoRootsWatchable, lastErr)
		}
		return ErrNoRootsWatchable
	}

	watcher.mutex.Lock()
	if watcher.state != StateIdle {
		// Stopped while starting up; the source must not outlive us.
		state := watcher.state
		watcher.mutex.Unlock()
		_ = src.Stop()
		return fmt.Errorf("%w: state %s", ErrNotIdle, state)
	}
	watcher.source = src
	watcher.state = StateRunning
	watcher.pumpGroup.Add(1)
	watcher.mutex.Unlock()
	watcher.startPump(src)

	if ctx != nil {
		if cancel := ctx.Done(); cancel != nil {
			go func() {
				select {
				case <-cancel:
					watcher.Stop()
				case <-watcher.done:
				}
			}()
		}
	}

	watcher.logger.Info("watcher started", map[string]string{
		"roots":   strconv.Itoa(watched),
		"backend": watcher.backendName(),
	})
	return nil
}

// Stop drains and shuts everything down: source reads are
// interrupted, pending changes flush, queued notifications reach
// subscribers, then every subscription terminates. Idempotent;
// concurrent callers all block until teardown completes.
func (watcher *Watcher) Stop() error {
	if watcher == nil {
		return nil
	}
	watcher.stopOnce.Do(func() {
		watcher.mutex.Lock()
		watcher.state = StateStopping
		src := watcher.source
		watcher.source = nil
		watcher.mutex.Unlock()

		watcher.cancelRestart()

		if src != nil {
			_ = src.Stop()
		}
		watcher.pumpGroup.Wait()
		watcher.engine.Stop()
		watcher.notifications.Close()
		watcher.diagnostics.Close()

		watcher.mutex.Lock()
		watcher.state = StateStopped
		watcher.mutex.Unlock()

		watcher.logger.Info("watcher stopped", nil)
		close(watcher.done)
	})
	<-watcher.done
	return nil
}

// Done is closed once the watcher has fully stopped, whether by Stop
// or after an unrecoverable failure.
func (watcher *Watcher) Done() <-chan struct{} {
	if watcher == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return watcher.done
}

// Err reports the fatal error that brought the watcher down, or nil
// after a clean stop.
func (watcher *Watcher) Err() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.fatalErr
}

// State reports the current lifecycle state.
func (watcher *Watcher) State() State {
	if watcher == nil {
		return StateStopped
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.state
}

// AddRoot registers and watches another directory. Valid only while
// Running; add is best-effort synchronous and may fail with
// ErrInvalidPath or a backend error.
func (watcher *Watcher) AddRoot(path string, recursive bool) (WatchRoot, error) {
	if watcher == nil {
		return WatchRoot{}, ErrNotRunning
	}
	watcher.mutex.Lock()
	src := watcher.source
	state := watcher.state
	watcher.mutex.Unlock()
	if state != StateRunning || src == nil {
		return WatchRoot{}, fmt.Errorf("%w: state %s", ErrNotRunning, state)
	}

	root, created, err := watcher.roots.Add(path, recursive)
	if err != nil {
		return WatchRoot{}, err
	}
	if !created {
		return root, nil
	}
	if err := src.AddRoot(source.Root{Path: root.Path, Recursive: root.Recursive}); err != nil {
		watcher.roots.Remove(root.ID)
		return WatchRoot{}, fmt.Errorf("watch %s: %w", root.Path, err)
	}
	watcher.logger.Info("root added", map[string]string{"path": root.Path})
	return root, nil
}

// RemoveRoot stops watching a root. Unknown ids are a no-op. Valid
// only while Running; removal is effectively immediate.
func (watcher *Watcher) RemoveRoot(id RootID) error {
	if watcher == nil {
		return ErrNotRunning
	}
	watcher.mutex.Lock()
	src := watcher.source
	state := watcher.state
	watcher.mutex.Unlock()
	if state != StateRunning || src == nil {
		return fmt.Errorf("%w: state %s", ErrNotRunning, state)
	}

	root, ok := watcher.roots.Remove(id)
	if !ok {
		return nil
	}
	if err := src.RemoveRoot(root.Path); err != nil {
		watcher.logger.Warn("unwatch failed", map[string]string{
			"path":  root.Path,
			"error": err.Error(),
		})
	}
	watcher.logger.Info("root removed", map[string]string{"path": root.Path})
	return nil
}

// Roots snapshots the registered watch roots.
func (watcher *Watcher) Roots() []WatchRoot {
	if watcher == nil {
		return nil
	}
	return watcher.roots.List()
}

// Subscribe returns a channel of coalesced notifications and a cancel
// function. The channel observes emission order and terminates after
// Stop, once already-queued notifications have been drained.
func (watcher *Watcher) Subscribe() (<-chan change.Notification, func()) {
	return watcher.notificationBus().Subscribe()
}

// SubscribeKinds narrows a subscription to the given notification
// kinds. No kinds means no filter.
func (watcher *Watcher) SubscribeKinds(kinds ...change.Kind) (<-chan change.Notification, func()) {
	if len(kinds) == 0 {
		return watcher.Subscribe()
	}
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	return watcher.notificationBus().SubscribeTypes(names...)
}

// Diagnostics returns a channel of warnings and lifecycle notices,
// separate from the notification stream.
func (watcher *Watcher) Diagnostics() (<-chan Diagnostic, func()) {
	if watcher == nil {
		closed := make(chan Diagnostic)
		close(closed)
		return closed, func() {}
	}
	return watcher.diagnostics.Subscribe()
}

// History returns up to count recent notifications, oldest first.
// A non-positive count returns nothing.
func (watcher *Watcher) History(count int) []change.Notification {
	if watcher == nil || count <= 0 {
		return nil
	}
	return watcher.notifications.Recent(count)
}

// RecentDiagnostics returns up to count recent diagnostics, oldest first.
func (watcher *Watcher) RecentDiagnostics(count int) []Diagnostic {
	if watcher == nil || count <= 0 {
		return nil
	}
	return watcher.diagnostics.Recent(count)
}

// Status snapshots the watcher for health and status endpoints.
func (watcher *Watcher) Status() Status {
	if watcher == nil {
		return Status{State: StateStopped.String()}
	}
	watcher.mutex.Lock()
	state := watcher.state
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	attempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Status{
		State:           state.String(),
		Backend:         watcher.backendName(),
		Roots:           watcher.roots.List(),
		PendingPaths:    watcher.engine.Pending(),
		Subscribers:     watcher.notifications.SubscriberCount(),
		RestartAttempts: attempts,
	}
}

func (watcher *Watcher) notificationBus() *event.Bus[change.Notification] {
	if watcher == nil {
		return nil
	}
	return watcher.notifications
}

func (watcher *Watcher) sourceOptions() source.Options {
	return source.Options{
		Logger:       watcher.logger,
		Metrics:      watcher.registry,
		MaxWatches:   watcher.options.MaxWatches,
		PollInterval: watcher.options.PollInterval,
	}
}

func (watcher *Watcher) backendName() string {
	if watcher.options.Backend == "" {
		return source.BackendAuto
	}
	return watcher.options.Backend
}

// startPump forwards one source's streams until its channels close.
// Callers increment pumpGroup under the state mutex before calling, so
// Stop cannot Wait before the pump is registered.
func (watcher *Watcher) startPump(src source.Source) {
	go func() {
		defer watcher.pumpGroup.Done()
		events := src.Events()
		errs := src.Errors()
		for events != nil || errs != nil {
			select {
			case raw, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				watcher.handleEvent(raw)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				watcher.handleSourceError(err)
			}
		}
	}()
}

// handleEvent applies the include/exclude filter before anything
// reaches the engine. Events on the root itself bypass patterns.
func (watcher *Watcher) handleEvent(raw source.Event) {
	root, ok := watcher.roots.RootFor(raw.Path)
	if !ok {
		return
	}
	if raw.Path != root.Path {
		rel := fsutil.RelativeTo(raw.Path, root.Path)
		if !watcher.matcher.Match(rel) {
			return
		}
	}
	watcher.engine.Handle(raw)
}

func (watcher *Watcher) handleSourceError(err error) {
	classified := source.Classify("", err)
	switch classified.Kind {
	case source.RootVanished:
		watcher.publishDiagnostic(DiagnosticRootVanished, classified.Path, classified.Error())
	case source.PermissionDenied:
		watcher.publishDiagnostic(DiagnosticPermissionDenied, classified.Path, classified.Error())
	default:
		watcher.publishDiagnostic(DiagnosticBackendError, classified.Path, classified.Error())
	}
	if classified.Recoverable() {
		watcher.scheduleRestart(classified)
	}
}

func (watcher *Watcher) publishDiagnostic(kind, path, message string) {
	if watcher == nil {
		return
	}
	fields := map[string]string{"kind": kind}
	if path != "" {
		fields["path"] = path
	}
	watcher.logger.Warn(message, fields)
	watcher.diagnostics.Publish(Diagnostic{
		Kind:       kind,
		Path:       path,
		Message:    message,
		OccurredAt: time.Now().UTC(),
	})
}

// publishRescan tells subscribers to re-read a root whose fine-grained
// history was lost.
func (watcher *Watcher) publishRescan(root string) {
	watcher.registry.IncNotification(string(change.Rescan))
	watcher.notifications.Publish(change.Notification{
		Path:       root,
		Kind:       change.Rescan,
		OccurredAt: time.Now().UTC(),
	})
}

func (watcher *Watcher) fail(cause error) {
	err := cause
	if !errors.Is(cause, ErrNoRootsWatchable) {
		err = fmt.Errorf("%w: %v", ErrNoRootsWatchable, cause)
	}
	watcher.mutex.Lock()
	if watcher.fatalErr == nil {
		watcher.fatalErr = err
	}
	watcher.mutex.Unlock()
	watcher.publishDiagnostic(DiagnosticWatcherUnrecoverable, "", err.Error())
	go watcher.Stop()
}
