package coalesce

import (
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dirwatch/internal/change"
	"dirwatch/internal/fsutil"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/source"
)

const (
	// DefaultDebounceWindow is how long a path must stay quiet before
	// its pending change is emitted.
	DefaultDebounceWindow = 100 * time.Millisecond

	// DefaultMaxPendingPaths bounds the accumulator map. Crossing it
	// trades per-path detail for a single Rescan of the affected root.
	DefaultMaxPendingPaths = 1024
)

// Options configures an Engine. Zero fields fall back to defaults.
type Options struct {
	// DebounceWindow is the quiet period per path. Each new raw event
	// for a path restarts its window.
	DebounceWindow time.Duration

	// RenamePairingWindow is how long an unmatched rename source half
	// waits for its destination half. Clamped to DebounceWindow.
	RenamePairingWindow time.Duration

	// MaxPendingPaths caps distinct paths with pending changes.
	MaxPendingPaths int

	// RootFor resolves the watched root that owns a path. Used to
	// scope the Rescan emitted on overflow. When nil, or when no root
	// matches, the overflow clears the path's parent directory.
	RootFor func(path string) (string, bool)

	// Emit receives each finished notification. Called from the
	// engine goroutine; a slow Emit applies backpressure upstream.
	Emit func(change.Notification)

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// pendingChange is the collapsed net change for one path. key is the
// accumulator slot and never changes; path is what the notification
// reports and may diverge when a renamed-in file is deleted again.
type pendingChange struct {
	key       string
	path      string
	kind      change.Kind
	from      string
	firstSeen time.Time
	lastSeen  time.Time
	seq       uint64
	timer     *time.Timer
	deadline  time.Time
}

// renameWait is an unpaired rename source half. The path's prior
// pending state rides along so pairing can compute the net effect at
// the destination.
type renameWait struct {
	id          uint64
	path        string
	cookie      uint64
	seq         uint64
	seen        time.Time
	wasNew      bool
	chainedFrom string
	timer       *time.Timer
}

// Engine collapses raw events into notifications. Create with New,
// then Start; Handle feeds events until Stop.
type Engine struct {
	window       time.Duration
	renameWindow time.Duration
	maxPending   int
	rootFor      func(string) (string, bool)
	emit         func(change.Notification)
	logger       *logging.Logger
	registry     *metrics.Registry

	input       chan source.Event
	flushes     chan string
	expiries    chan uint64
	flushAllReq chan chan struct{}
	quit        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once

	pendingGauge atomic.Int64

	// Owned by the run goroutine.
	pending    map[string]*pendingChange
	waiting    []*renameWait
	nextWaitID uint64
	nextSeq    uint64
}

// New builds an Engine from options. Call Start before Handle.
func New(options Options) *Engine {
	window := options.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	renameWindow := options.RenamePairingWindow
	if renameWindow <= 0 || renameWindow > window {
		renameWindow = window
	}
	maxPending := options.MaxPendingPaths
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingPaths
	}
	emit := options.Emit
	if emit == nil {
		emit = func(change.Notification) {}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLogger(nil, logging.LevelError)
	}
	return &Engine{
		window:       window,
		renameWindow: renameWindow,
		maxPending:   maxPending,
		rootFor:      options.RootFor,
		emit:         emit,
		logger:       logger,
		registry:     options.Metrics,
		input:        make(chan source.Event, 64),
		flushes:      make(chan string, 64),
		expiries:     make(chan uint64, 16),
		flushAllReq:  make(chan chan struct{}),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		pending:      make(map[string]*pendingChange),
	}
}

// Start launches the engine goroutine.
func (engine *Engine) Start() {
	if engine == nil {
		return
	}
	go engine.run()
}

// Handle feeds one raw event into the engine. It blocks while the
// engine is busy and returns without effect after Stop.
func (engine *Engine) Handle(event source.Event) {
	if engine == nil {
		return
	}
	select {
	case engine.input <- event:
	case <-engine.done:
	}
}

// FlushAll forces every pending change out immediately, ordered by the
// sequence of each path's last raw event. It returns once the flush
// has completed.
func (engine *Engine) FlushAll() {
	if engine == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case engine.flushAllReq <- ack:
		<-ack
	case <-engine.done:
	}
}

// Stop flushes all pending changes and terminates the engine. Safe to
// call more than once.
func (engine *Engine) Stop() {
	if engine == nil {
		return
	}
	engine.stopOnce.Do(func() { close(engine.quit) })
	<-engine.done
}

// Pending reports how many paths currently hold an unflushed change,
// unpaired rename halves included.
func (engine *Engine) Pending() int {
	if engine == nil {
		return 0
	}
	return int(engine.pendingGauge.Load())
}

func (engine *Engine) run() {
	for {
		select {
		case event := <-engine.input:
			engine.handle(event)
		case key := <-engine.flushes:
			engine.flushKey(key)
		case id := <-engine.expiries:
			engine.expireRename(id)
		case ack := <-engine.flushAllReq:
			engine.flushAllNow()
			close(ack)
		case <-engine.quit:
			engine.flushAllNow()
			close(engine.done)
			return
		}
	}
}

func (engine *Engine) handle(event source.Event) {
	when := event.Time
	if when.IsZero() {
		when = time.Now()
	}
	engine.nextSeq++
	seq := engine.nextSeq

	switch event.Op {
	case source.OpCreate:
		engine.applyCreate(event.Path, when, seq)
	case source.OpModify:
		engine.applyModify(event.Path, when, seq)
	case source.OpDelete:
		engine.applyDelete(event.Path, when, seq)
	case source.OpRenameFrom:
		engine.applyRenameFrom(event.Path, event.Cookie, when, seq)
	case source.OpRenameTo:
		engine.applyRenameTo(event.Path, event.Cookie, when, seq)
	}
	engine.updateGauge()
}

// applyCreate folds a creation into the path's pending change. A
// create after a delete inside one window nets out to Modified: the
// file existed when the window opened and exists now, only different.
func (engine *Engine) applyCreate(path string, when time.Time, seq uint64) {
	entry, ok := engine.pending[path]
	if !ok {
		engine.insert(path, change.Created, "", when, seq)
		return
	}
	if entry.kind == change.Deleted {
		entry.kind = change.Modified
		entry.path = entry.key
	}
	engine.touch(entry, when, seq)
}

func (engine *Engine) applyModify(path string, when time.Time, seq uint64) {
	entry, ok := engine.pending[path]
	if !ok {
		engine.insert(path, change.Modified, "", when, seq)
		return
	}
	// Created and Renamed absorb writes; a write on a Deleted entry is
	// stale ordering and changes nothing.
	engine.touch(entry, when, seq)
}

func (engine *Engine) applyDelete(path string, when time.Time, seq uint64) {
	entry, ok := engine.pending[path]
	if !ok {
		engine.insert(path, change.Deleted, "", when, seq)
		return
	}
	switch entry.kind {
	case change.Created:
		// Created then deleted inside one window: nothing happened.
		engine.drop(entry)
		return
	case change.Renamed:
		// The renamed-in file is gone again. The pre-window name is
		// the one subscribers know, so report its disappearance.
		entry.path = entry.from
		entry.from = ""
		entry.kind = change.Deleted
	default:
		entry.kind = change.Deleted
	}
	engine.touch(entry, when, seq)
}

// applyRenameFrom moves the path's pending state into the waiting
// list. The path slot frees up immediately: a new file created at the
// old name accumulates on its own.
func (engine *Engine) applyRenameFrom(path string, cookie uint64, when time.Time, seq uint64) {
	wait := &renameWait{
		path:   path,
		cookie: cookie,
		seq:    seq,
		seen:   when,
	}
	if entry, ok := engine.pending[path]; ok {
		switch entry.kind {
		case change.Created:
			wait.wasNew = true
		case change.Renamed:
			wait.chainedFrom = entry.from
		}
		engine.drop(entry)
	}
	engine.nextWaitID++
	wait.id = engine.nextWaitID
	id := wait.id
	wait.timer = time.AfterFunc(engine.renameWindow, func() {
		select {
		case engine.expiries <- id:
		case <-engine.done:
		}
	})
	engine.waiting = append(engine.waiting, wait)
}

// applyRenameTo pairs the destination half with a waiting source
// half. A nonzero cookie must match exactly; without cookies the
// oldest waiting half wins. Unmatched destinations behave as creates.
func (engine *Engine) applyRenameTo(path string, cookie uint64, when time.Time, seq uint64) {
	wait := engine.takeWaiting(cookie)
	if wait == nil || wait.wasNew {
		// Either no source half to pair with, or the source file only
		// ever existed inside this window. Both net out to a create at
		// the destination.
		engine.applyCreate(path, when, seq)
		return
	}
	from := wait.path
	if wait.chainedFrom != "" {
		from = wait.chainedFrom
	}
	entry, ok := engine.pending[path]
	if !ok {
		engine.insert(path, change.Renamed, from, when, seq)
		return
	}
	entry.kind = change.Renamed
	entry.from = from
	entry.path = entry.key
	engine.touch(entry, when, seq)
}

// takeWaiting removes and returns the matching source half, or nil.
func (engine *Engine) takeWaiting(cookie uint64) *renameWait {
	for index, wait := range engine.waiting {
		if cookie != 0 && wait.cookie != cookie {
			continue
		}
		wait.timer.Stop()
		engine.waiting = append(engine.waiting[:index], engine.waiting[index+1:]...)
		return wait
	}
	return nil
}

// expireRename degrades a source half whose destination never showed
// up. The file is gone from its old name as far as watchers can tell.
func (engine *Engine) expireRename(id uint64) {
	var wait *renameWait
	for index, candidate := range engine.waiting {
		if candidate.id == id {
			wait = candidate
			engine.waiting = append(engine.waiting[:index], engine.waiting[index+1:]...)
			break
		}
	}
	if wait == nil {
		return
	}
	engine.degradeWait(wait, true)
	engine.updateGauge()
}

// degradeWait settles an unpaired source half: net-new files vanish
// silently, a reused name folds into that name's fresh entry, and
// otherwise the old name is reported Deleted. When emit is false the
// caller collects the notification itself.
func (engine *Engine) degradeWait(wait *renameWait, emit bool) *pendingChange {
	if wait.wasNew {
		return nil
	}
	if entry, ok := engine.pending[wait.path]; ok {
		// The name was reused while the half waited. The file at that
		// name vanished first, so a fresh create there nets out to
		// Modified.
		if entry.kind == change.Created {
			entry.kind = change.Modified
		}
		return nil
	}
	settled := &pendingChange{
		key:      wait.path,
		path:     wait.path,
		kind:     change.Deleted,
		lastSeen: wait.seen,
		seq:      wait.seq,
	}
	if emit {
		engine.finish(change.Notification{
			Path:       settled.path,
			Kind:       settled.kind,
			OccurredAt: settled.lastSeen,
		})
		return nil
	}
	return settled
}

// insert adds a fresh pending change and arms its flush timer,
// handling overflow when the accumulator map is full.
func (engine *Engine) insert(path string, kind change.Kind, from string, when time.Time, seq uint64) {
	entry := &pendingChange{
		key:       path,
		path:      path,
		kind:      kind,
		from:      from,
		firstSeen: when,
	}
	engine.pending[path] = entry
	engine.touch(entry, when, seq)
	if len(engine.pending) > engine.maxPending {
		engine.overflow(path)
	}
}

// touch refreshes an entry's window after a contributing raw event.
func (engine *Engine) touch(entry *pendingChange, when time.Time, seq uint64) {
	entry.lastSeen = when
	entry.seq = seq
	entry.deadline = time.Now().Add(engine.window)
	if entry.timer == nil {
		key := entry.key
		entry.timer = time.AfterFunc(engine.window, func() {
			select {
			case engine.flushes <- key:
			case <-engine.done:
			}
		})
		return
	}
	entry.timer.Reset(engine.window)
}

// drop removes an entry without emitting anything.
func (engine *Engine) drop(entry *pendingChange) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(engine.pending, entry.key)
	engine.updateGauge()
}

// flushKey handles a timer firing. A stale firing from before the
// window was pushed back is ignored; the reset timer fires again.
func (engine *Engine) flushKey(key string) {
	entry, ok := engine.pending[key]
	if !ok {
		return
	}
	if time.Now().Before(entry.deadline) {
		return
	}
	engine.flushEntry(entry)
	engine.updateGauge()
}

func (engine *Engine) flushEntry(entry *pendingChange) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(engine.pending, entry.key)
	engine.finish(change.Notification{
		Path:       entry.path,
		Kind:       entry.kind,
		From:       entry.from,
		OccurredAt: entry.lastSeen,
	})
}

// drainInput absorbs events already handed off before a full flush,
// so nothing accepted by Handle is lost to select ordering.
func (engine *Engine) drainInput() {
	for {
		select {
		case event := <-engine.input:
			engine.handle(event)
		default:
			return
		}
	}
}

// flushAllNow drains every waiting rename half and pending change in
// one pass, ordered by the sequence of each path's last raw event.
func (engine *Engine) flushAllNow() {
	engine.drainInput()
	settled := make([]*pendingChange, 0, len(engine.pending)+len(engine.waiting))
	for _, wait := range engine.waiting {
		wait.timer.Stop()
		if entry := engine.degradeWait(wait, false); entry != nil {
			settled = append(settled, entry)
		}
	}
	engine.waiting = nil
	for _, entry := range engine.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		settled = append(settled, entry)
	}
	engine.pending = make(map[string]*pendingChange)
	sort.Slice(settled, func(i, j int) bool { return settled[i].seq < settled[j].seq })
	for _, entry := range settled {
		engine.finish(change.Notification{
			Path:       entry.path,
			Kind:       entry.kind,
			From:       entry.from,
			OccurredAt: entry.lastSeen,
		})
	}
	engine.updateGauge()
}

// overflow replaces per-path detail under the affected root with a
// single Rescan telling subscribers to walk the tree themselves.
func (engine *Engine) overflow(path string) {
	root := ""
	if engine.rootFor != nil {
		if owner, ok := engine.rootFor(path); ok {
			root = owner
		}
	}
	if root == "" {
		root = filepath.Dir(path)
	}
	cleared := 0
	for key, entry := range engine.pending {
		if !fsutil.Within(entry.path, root) && !fsutil.Within(key, root) {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(engine.pending, key)
		cleared++
	}
	kept := engine.waiting[:0]
	for _, wait := range engine.waiting {
		if fsutil.Within(wait.path, root) {
			wait.timer.Stop()
			cleared++
			continue
		}
		kept = append(kept, wait)
	}
	engine.waiting = kept
	engine.logger.Warn("pending paths overflowed, falling back to rescan", map[string]string{
		"root":    root,
		"cleared": strconv.Itoa(cleared),
	})
	if engine.registry != nil {
		engine.registry.IncOverflow()
	}
	engine.finish(change.Notification{
		Path:       root,
		Kind:       change.Rescan,
		OccurredAt: time.Now(),
	})
}

func (engine *Engine) finish(notification change.Notification) {
	if engine.registry != nil {
		engine.registry.IncNotification(string(notification.Kind))
	}
	engine.emit(notification)
}

func (engine *Engine) updateGauge() {
	count := int64(len(engine.pending) + len(engine.waiting))
	engine.pendingGauge.Store(count)
	if engine.registry != nil {
		engine.registry.SetPendingPaths(int(count))
	}
}
