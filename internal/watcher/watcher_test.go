package watcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dirwatch/internal/change"
	"dirwatch/internal/event"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/source"
)

func newTestWatcher(t *testing.T, factory func(string, source.Options) (source.Source, error), mutate func(*Options)) *Watcher {
	t.Helper()
	options := Options{
		DebounceWindow:      50 * time.Millisecond,
		BackpressureTimeout: 250 * time.Millisecond,
		Logger:              logging.NewLoggerWithOutput(nil, logging.LevelError, io.Discard),
		Metrics:             &metrics.Registry{},
		SourceFactory:       factory,
	}
	if mutate != nil {
		mutate(&options)
	}
	watcher, err := New(options)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { watcher.Stop() })
	return watcher
}

func singleSourceFactory(fake *fakeSource) func(string, source.Options) (source.Source, error) {
	return func(string, source.Options) (source.Source, error) {
		return fake, nil
	}
}

func receiveNotification(t *testing.T, channel <-chan change.Notification) change.Notification {
	t.Helper()
	return event.ReceiveWithTimeout(t, channel, 2*time.Second)
}

func expectNoNotification(t *testing.T, channel <-chan change.Notification, wait time.Duration) {
	t.Helper()
	select {
	case notification, ok := <-channel:
		if ok {
			t.Fatalf("unexpected notification: %s %s", notification.Kind, notification.Path)
		}
	case <-time.After(wait):
	}
}

func receiveDiagnostic(t *testing.T, channel <-chan Diagnostic, kind string) Diagnostic {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case diagnostic, ok := <-channel:
			if !ok {
				t.Fatalf("diagnostics channel closed while waiting for %s", kind)
			}
			if diagnostic.Kind == kind {
				return diagnostic
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s diagnostic", kind)
		}
	}
}

func TestWatcherStartOnlyFromIdle(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()

	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := watcher.State(); got != StateRunning {
		t.Fatalf("expected Running, got %s", got)
	}
	if !fake.HasRoot(dir) {
		t.Fatalf("expected backend to watch %s", dir)
	}

	err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}})
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle from second start, got %v", err)
	}

	watcher.Stop()
	err = watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}})
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle after stop, got %v", err)
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)

	if err := watcher.Stop(); err != nil {
		t.Fatalf("stop from idle: %v", err)
	}
	if err := watcher.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := watcher.State(); got != StateStopped {
		t.Fatalf("expected Stopped, got %s", got)
	}
	select {
	case <-watcher.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
	if err := watcher.Err(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestWatcherRootOpsRequireRunning(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)

	if _, err := watcher.AddRoot(t.TempDir(), true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from idle AddRoot, got %v", err)
	}
	if err := watcher.RemoveRoot(1); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning from idle RemoveRoot, got %v", err)
	}
}

func TestWatcherDeliversCoalescedNotifications(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	path := filepath.Join(dir, "report.txt")
	fake.emit(source.Event{Path: path, Op: source.OpCreate, Time: time.Now()})
	fake.emit(source.Event{Path: path, Op: source.OpModify, Time: time.Now()})

	notification := receiveNotification(t, notifications)
	if notification.Kind != change.Created {
		t.Fatalf("expected created, got %s", notification.Kind)
	}
	if notification.Path != path {
		t.Fatalf("expected path %s, got %s", path, notification.Path)
	}
	expectNoNotification(t, notifications, 100*time.Millisecond)
}

func TestWatcherAppliesPatternFilter(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), func(options *Options) {
		options.Exclude = []string{"*.log"}
	})
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	fake.emit(source.Event{Path: filepath.Join(dir, "noise.log"), Op: source.OpCreate, Time: time.Now()})
	kept := filepath.Join(dir, "kept.txt")
	fake.emit(source.Event{Path: kept, Op: source.OpCreate, Time: time.Now()})

	notification := receiveNotification(t, notifications)
	if notification.Path != kept {
		t.Fatalf("expected only %s to pass the filter, got %s", kept, notification.Path)
	}
	expectNoNotification(t, notifications, 100*time.Millisecond)
}

func TestWatcherExcludesDotfilesByDefault(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	fake.emit(source.Event{Path: filepath.Join(dir, ".hidden"), Op: source.OpCreate, Time: time.Now()})
	fake.emit(source.Event{Path: filepath.Join(dir, ".git", "config"), Op: source.OpModify, Time: time.Now()})
	kept := filepath.Join(dir, "kept.txt")
	fake.emit(source.Event{Path: kept, Op: source.OpCreate, Time: time.Now()})

	notification := receiveNotification(t, notifications)
	if notification.Path != kept {
		t.Fatalf("expected dotfiles to be filtered, got %s", notification.Path)
	}
	expectNoNotification(t, notifications, 100*time.Millisecond)
}

func TestWatcherDropsEventsOutsideRoots(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	fake.emit(source.Event{Path: filepath.Join(t.TempDir(), "stray.txt"), Op: source.OpCreate, Time: time.Now()})
	expectNoNotification(t, notifications, 100*time.Millisecond)
}

func TestWatcherStopDrainsQueuedNotifications(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), func(options *Options) {
		options.DebounceWindow = time.Second
	})
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	names := []string{"a.txt", "b.txt", "c.txt"}
	for _, name := range names {
		fake.emit(source.Event{Path: filepath.Join(dir, name), Op: source.OpCreate, Time: time.Now()})
	}

	// Stop before the debounce window elapses: pending changes must
	// flush and reach the subscriber before the channel terminates.
	watcher.Stop()

	for _, name := range names {
		notification := receiveNotification(t, notifications)
		if notification.Path != filepath.Join(dir, name) {
			t.Fatalf("expected %s, got %s", name, notification.Path)
		}
		if notification.Kind != change.Created {
			t.Fatalf("expected created for %s, got %s", name, notification.Kind)
		}
	}
	if _, ok := <-notifications; ok {
		t.Fatalf("expected channel to close after drain")
	}
}

func TestWatcherSubscribeKinds(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	deletions, cancel := watcher.SubscribeKinds(change.Deleted)
	defer cancel()

	fake.emit(source.Event{Path: filepath.Join(dir, "fresh.txt"), Op: source.OpCreate, Time: time.Now()})
	gone := filepath.Join(dir, "gone.txt")
	fake.emit(source.Event{Path: gone, Op: source.OpDelete, Time: time.Now()})

	notification := receiveNotification(t, deletions)
	if notification.Kind != change.Deleted || notification.Path != gone {
		t.Fatalf("expected deleted %s, got %s %s", gone, notification.Kind, notification.Path)
	}
	expectNoNotification(t, deletions, 100*time.Millisecond)
}

func TestWatcherAddRemoveRootWhileRunning(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	first := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: first, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	second := t.TempDir()
	root, err := watcher.AddRoot(second, true)
	if err != nil {
		t.Fatalf("add root: %v", err)
	}
	if !fake.HasRoot(second) {
		t.Fatalf("expected backend to watch %s", second)
	}
	if len(watcher.Roots()) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(watcher.Roots()))
	}

	path := filepath.Join(second, "late.txt")
	fake.emit(source.Event{Path: path, Op: source.OpCreate, Time: time.Now()})
	notification := receiveNotification(t, notifications)
	if notification.Path != path {
		t.Fatalf("expected notification from new root, got %s", notification.Path)
	}

	if err := watcher.RemoveRoot(root.ID); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	if fake.HasRoot(second) {
		t.Fatalf("expected backend to unwatch %s", second)
	}
	if err := watcher.RemoveRoot(root.ID); err != nil {
		t.Fatalf("expected unknown id removal to be a no-op, got %v", err)
	}

	// Events under a removed root no longer resolve to any root.
	fake.emit(source.Event{Path: path, Op: source.OpModify, Time: time.Now()})
	expectNoNotification(t, notifications, 100*time.Millisecond)
}

func TestWatcherAddRootRejectsInvalidPath(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	if err := watcher.Start(context.Background(), []RootSpec{{Path: t.TempDir(), Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := watcher.AddRoot(filepath.Join(t.TempDir(), "absent"), true); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if len(watcher.Roots()) != 1 {
		t.Fatalf("expected failed add to leave registry untouched, got %d roots", len(watcher.Roots()))
	}
}

func TestWatcherStartPartialSuccess(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	good := t.TempDir()
	missing := filepath.Join(t.TempDir(), "absent")

	err := watcher.Start(context.Background(), []RootSpec{
		{Path: missing, Recursive: true},
		{Path: good, Recursive: true},
	})
	if err != nil {
		t.Fatalf("expected partial success, got %v", err)
	}
	roots := watcher.Roots()
	if len(roots) != 1 || roots[0].Path != good {
		t.Fatalf("expected only %s registered, got %+v", good, roots)
	}

	found := false
	for _, diagnostic := range watcher.RecentDiagnostics(10) {
		if diagnostic.Kind == DiagnosticRootFailed && diagnostic.Path == missing {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a root_failed diagnostic for %s", missing)
	}
}

func TestWatcherStartFailsWithNoWatchableRoots(t *testing.T) {
	// The failed Start stops its source, so the retry needs a fresh one.
	queue := &sourceQueue{sources: []source.Source{newFakeSource(), newFakeSource()}}
	watcher := newTestWatcher(t, queue.factory, nil)
	missing := filepath.Join(t.TempDir(), "absent")

	err := watcher.Start(context.Background(), []RootSpec{{Path: missing, Recursive: true}})
	if !errors.Is(err, ErrNoRootsWatchable) {
		t.Fatalf("expected ErrNoRootsWatchable, got %v", err)
	}
	if got := watcher.State(); got != StateIdle {
		t.Fatalf("expected watcher to stay Idle for a retry, got %s", got)
	}

	// A corrected Start must succeed from the same watcher.
	if err := watcher.Start(context.Background(), []RootSpec{{Path: t.TempDir(), Recursive: true}}); err != nil {
		t.Fatalf("retry start: %v", err)
	}
}

func TestWatcherBackendAddFailureRollsBack(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()
	fake.FailAdds(dir, os.ErrPermission)

	err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}})
	if !errors.Is(err, ErrNoRootsWatchable) {
		t.Fatalf("expected ErrNoRootsWatchable, got %v", err)
	}
	if len(watcher.Roots()) != 0 {
		t.Fatalf("expected rollback to clear the registry, got %d roots", len(watcher.Roots()))
	}
}

func TestWatcherVanishedRootKeepsRegistryEntry(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	diagnostics, cancel := watcher.Diagnostics()
	defer cancel()

	fake.emitError(&source.Error{Kind: source.RootVanished, Path: dir, Err: os.ErrNotExist})

	diagnostic := receiveDiagnostic(t, diagnostics, DiagnosticRootVanished)
	if diagnostic.Path != dir {
		t.Fatalf("expected diagnostic for %s, got %s", dir, diagnostic.Path)
	}
	if got := watcher.State(); got != StateRunning {
		t.Fatalf("expected watcher to keep running, got %s", got)
	}
	if len(watcher.Roots()) != 1 {
		t.Fatalf("expected vanished root to stay registered, got %d roots", len(watcher.Roots()))
	}
}

func TestWatcherContextCancelStops(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx, []RootSpec{{Path: t.TempDir(), Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancel()
	select {
	case <-watcher.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for cancellation to stop the watcher")
	}
	if got := watcher.State(); got != StateStopped {
		t.Fatalf("expected Stopped, got %s", got)
	}
	if err := watcher.Err(); err != nil {
		t.Fatalf("expected clean stop on cancellation, got %v", err)
	}
}

func TestWatcherHistoryReplaysRecentNotifications(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), func(options *Options) {
		options.HistorySize = 8
	})
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	notifications, cancel := watcher.Subscribe()
	defer cancel()

	path := filepath.Join(dir, "kept.txt")
	fake.emit(source.Event{Path: path, Op: source.OpCreate, Time: time.Now()})
	receiveNotification(t, notifications)

	history := watcher.History(4)
	if len(history) != 1 || history[0].Path != path {
		t.Fatalf("expected history to hold the notification, got %+v", history)
	}
}

func TestWatcherStatusSnapshot(t *testing.T) {
	fake := newFakeSource()
	watcher := newTestWatcher(t, singleSourceFactory(fake), func(options *Options) {
		options.Backend = source.BackendPoll
	})
	dir := t.TempDir()
	if err := watcher.Start(context.Background(), []RootSpec{{Path: dir, Recursive: true}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, cancel := watcher.Subscribe()
	defer cancel()

	status := watcher.Status()
	if status.State != StateRunning.String() {
		t.Fatalf("expected running status, got %s", status.State)
	}
	if status.Backend != source.BackendPoll {
		t.Fatalf("expected poll backend, got %s", status.Backend)
	}
	if len(status.Roots) != 1 || status.Roots[0].Path != dir {
		t.Fatalf("expected root %s in status, got %+v", dir, status.Roots)
	}
	if status.Subscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", status.Subscribers)
	}
}
