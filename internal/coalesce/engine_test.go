package coalesce

import (
	"testing"
	"time"

	"dirwatch/internal/change"
	"dirwatch/internal/event"
	"dirwatch/internal/source"
)

func startEngine(t *testing.T, options Options) (*Engine, chan change.Notification) {
	t.Helper()
	notifications := make(chan change.Notification, 64)
	options.Emit = func(notification change.Notification) {
		notifications <- notification
	}
	engine := New(options)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine, notifications
}

func waitNotification(t *testing.T, notifications <-chan change.Notification) change.Notification {
	t.Helper()
	select {
	case notification := <-notifications:
		return notification
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a notification")
		return change.Notification{}
	}
}

func expectQuiet(t *testing.T, notifications <-chan change.Notification, wait time.Duration) {
	t.Helper()
	select {
	case notification := <-notifications:
		t.Fatalf("expected no notification, got %s %s", notification.Kind, notification.Path)
	case <-time.After(wait):
	}
}

func TestBurstCollapsesToOneModified(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: 30 * time.Millisecond})

	for i := 0; i < 5; i++ {
		engine.Handle(source.Event{Path: "/tmp/a", Op: source.OpModify})
	}

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Modified || notification.Path != "/tmp/a" {
		t.Fatalf("unexpected notification %s %s", notification.Kind, notification.Path)
	}
	expectQuiet(t, notifications, 120*time.Millisecond)
}

func TestCreateThenWritesCollapseToCreated(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: 30 * time.Millisecond})

	engine.Handle(source.Event{Path: "/tmp/new", Op: source.OpCreate})
	engine.Handle(source.Event{Path: "/tmp/new", Op: source.OpModify})
	engine.Handle(source.Event{Path: "/tmp/new", Op: source.OpModify})

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Created {
		t.Fatalf("expected created, got %s", notification.Kind)
	}
	expectQuiet(t, notifications, 120*time.Millisecond)
}

func TestCreateThenDeleteNetsOut(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: 30 * time.Millisecond})

	engine.Handle(source.Event{Path: "/tmp/ephemeral", Op: source.OpCreate})
	engine.Handle(source.Event{Path: "/tmp/ephemeral", Op: source.OpDelete})

	expectQuiet(t, notifications, 150*time.Millisecond)
	engine.FlushAll()
	expectQuiet(t, notifications, 20*time.Millisecond)
}

func TestDeleteThenCreateBecomesModified(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/swap", Op: source.OpDelete})
	engine.Handle(source.Event{Path: "/tmp/swap", Op: source.OpCreate})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Modified {
		t.Fatalf("expected modified, got %s", notification.Kind)
	}
}

func TestRenamePairEmitsSingleRenamed(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/old", Op: source.OpRenameFrom, Cookie: 7})
	engine.Handle(source.Event{Path: "/tmp/new", Op: source.OpRenameTo, Cookie: 7})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Renamed {
		t.Fatalf("expected renamed, got %s", notification.Kind)
	}
	if notification.Path != "/tmp/new" || notification.From != "/tmp/old" {
		t.Fatalf("unexpected rename %s -> %s", notification.From, notification.Path)
	}
	expectQuiet(t, notifications, 50*time.Millisecond)
}

func TestRenamePairsByArrivalOrderWithoutCookies(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/first", Op: source.OpRenameFrom})
	engine.Handle(source.Event{Path: "/tmp/second", Op: source.OpRenameTo})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Renamed || notification.From != "/tmp/first" {
		t.Fatalf("expected renamed from /tmp/first, got %s from %q", notification.Kind, notification.From)
	}
}

func TestUnpairedRenameFromDegradesToDeleted(t *testing.T) {
	engine, notifications := startEngine(t, Options{
		DebounceWindow:      50 * time.Millisecond,
		RenamePairingWindow: 20 * time.Millisecond,
	})

	engine.Handle(source.Event{Path: "/tmp/moved-away", Op: source.OpRenameFrom, Cookie: 9})

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Deleted || notification.Path != "/tmp/moved-away" {
		t.Fatalf("unexpected notification %s %s", notification.Kind, notification.Path)
	}
}

func TestUnpairedRenameToBehavesAsCreate(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/moved-in", Op: source.OpRenameTo, Cookie: 11})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Created || notification.Path != "/tmp/moved-in" {
		t.Fatalf("unexpected notification %s %s", notification.Kind, notification.Path)
	}
}

func TestRenameOfFreshFileCollapsesToCreated(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/scratch", Op: source.OpCreate})
	engine.Handle(source.Event{Path: "/tmp/scratch", Op: source.OpRenameFrom, Cookie: 3})
	engine.Handle(source.Event{Path: "/tmp/final", Op: source.OpRenameTo, Cookie: 3})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Created || notification.Path != "/tmp/final" {
		t.Fatalf("unexpected notification %s %s", notification.Kind, notification.Path)
	}
	expectQuiet(t, notifications, 50*time.Millisecond)
}

func TestRenameChainReportsOriginalSource(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/a", Op: source.OpRenameFrom, Cookie: 1})
	engine.Handle(source.Event{Path: "/tmp/b", Op: source.OpRenameTo, Cookie: 1})
	engine.Handle(source.Event{Path: "/tmp/b", Op: source.OpRenameFrom, Cookie: 2})
	engine.Handle(source.Event{Path: "/tmp/c", Op: source.OpRenameTo, Cookie: 2})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Renamed {
		t.Fatalf("expected renamed, got %s", notification.Kind)
	}
	if notification.Path != "/tmp/c" || notification.From != "/tmp/a" {
		t.Fatalf("unexpected rename %s -> %s", notification.From, notification.Path)
	}
	expectQuiet(t, notifications, 50*time.Millisecond)
}

func TestRenamedThenDeletedReportsOldName(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/old", Op: source.OpRenameFrom, Cookie: 4})
	engine.Handle(source.Event{Path: "/tmp/new", Op: source.OpRenameTo, Cookie: 4})
	engine.Handle(source.Event{Path: "/tmp/new", Op: source.OpDelete})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Deleted || notification.Path != "/tmp/old" {
		t.Fatalf("unexpected notification %s %s", notification.Kind, notification.Path)
	}
}

func TestFlushAllPreservesEventOrder(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/x", Op: source.OpModify})
	engine.Handle(source.Event{Path: "/tmp/y", Op: source.OpCreate})
	engine.Handle(source.Event{Path: "/tmp/z", Op: source.OpDelete})
	engine.FlushAll()

	wantPaths := []string{"/tmp/x", "/tmp/y", "/tmp/z"}
	for _, want := range wantPaths {
		notification := waitNotification(t, notifications)
		if notification.Path != want {
			t.Fatalf("expected %s, got %s", want, notification.Path)
		}
	}
}

func TestLaterEventWinsOnEqualTimestamps(t *testing.T) {
	engine, notifications := startEngine(t, Options{DebounceWindow: time.Second})

	now := time.Now()
	engine.Handle(source.Event{Path: "/tmp/race", Op: source.OpModify, Time: now})
	engine.Handle(source.Event{Path: "/tmp/race", Op: source.OpDelete, Time: now})
	engine.FlushAll()

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Deleted {
		t.Fatalf("expected deleted, got %s", notification.Kind)
	}
}

func TestOverflowEmitsSingleRescan(t *testing.T) {
	engine, notifications := startEngine(t, Options{
		DebounceWindow:  time.Second,
		MaxPendingPaths: 3,
		RootFor: func(string) (string, bool) {
			return "/srv/data", true
		},
	})

	for _, path := range []string{"/srv/data/a", "/srv/data/b", "/srv/data/c", "/srv/data/d"} {
		engine.Handle(source.Event{Path: path, Op: source.OpModify})
	}

	notification := waitNotification(t, notifications)
	if notification.Kind != change.Rescan || notification.Path != "/srv/data" {
		t.Fatalf("unexpected notification %s %s", notification.Kind, notification.Path)
	}

	engine.FlushAll()
	expectQuiet(t, notifications, 50*time.Millisecond)
	if pending := engine.Pending(); pending != 0 {
		t.Fatalf("expected no pending paths after rescan, got %d", pending)
	}
}

func TestStopFlushesPending(t *testing.T) {
	collector := event.NewEventCollector[change.Notification]()
	engine := New(Options{
		DebounceWindow: time.Second,
		Emit:           collector.Collect,
	})
	engine.Start()

	engine.Handle(source.Event{Path: "/tmp/late", Op: source.OpModify})
	engine.Stop()

	flushed := collector.Events()
	if len(flushed) != 1 {
		t.Fatalf("expected stop to flush the pending change, got %d notifications", len(flushed))
	}
	if flushed[0].Kind != change.Modified || flushed[0].Path != "/tmp/late" {
		t.Fatalf("unexpected notification %s %s", flushed[0].Kind, flushed[0].Path)
	}
}

func TestHandleAfterStopIsHarmless(t *testing.T) {
	engine := New(Options{DebounceWindow: time.Second})
	engine.Start()
	engine.Stop()

	engine.Handle(source.Event{Path: "/tmp/ignored", Op: source.OpModify})
	engine.FlushAll()
	engine.Stop()
}

func TestPendingCounts(t *testing.T) {
	engine, _ := startEngine(t, Options{DebounceWindow: time.Second})

	engine.Handle(source.Event{Path: "/tmp/one", Op: source.OpModify})
	engine.Handle(source.Event{Path: "/tmp/two", Op: source.OpModify})

	deadline := time.Now().Add(2 * time.Second)
	for engine.Pending() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pending count never reached 2, got %d", engine.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}

	engine.FlushAll()
	if pending := engine.Pending(); pending != 0 {
		t.Fatalf("expected no pending after flush, got %d", pending)
	}
}
