package source

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"dirwatch/internal/fsutil"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const (
	notifierBackendName = "fsnotify"
	defaultMaxWatches   = 4096
)

var errWatchLimit = errors.New("watch limit reached")

// Notifier is the kernel-notification backend. fsnotify watches are
// per-directory, so recursive roots are expanded by walking the tree
// and newly created directories are added as their Create events
// arrive. inotify exposes no rename cookie through fsnotify, so renames
// surface as OpRenameFrom only.
type Notifier struct {
	watcher    *fsnotify.Watcher
	events     chan Event
	errors     chan error
	done       chan struct{}
	wg         sync.WaitGroup
	senders    sync.WaitGroup // AddRoot/RemoveRoot walks that may forward errors
	logger     *logging.Logger
	registry   *metrics.Registry
	maxWatches int

	mutex   sync.Mutex
	roots   map[string]Root   // root path -> subscription
	watched map[string]string // watched dir -> owning root
	started bool
	closed  bool
}

func NewNotifier(options Options) (*Notifier, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, Classify("", err)
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	return &Notifier{
		watcher:    fsWatcher,
		events:     make(chan Event, 16),
		errors:     make(chan error, 4),
		done:       make(chan struct{}),
		logger:     options.Logger,
		registry:   options.Metrics,
		maxWatches: maxWatches,
		roots:      make(map[string]Root),
		watched:    make(map[string]string),
	}, nil
}

func (notifier *Notifier) Events() <-chan Event {
	if notifier == nil {
		return nil
	}
	return notifier.events
}

func (notifier *Notifier) Errors() <-chan error {
	if notifier == nil {
		return nil
	}
	return notifier.errors
}

// Start launches event delivery and registers any initial roots. The
// returned error is nil as long as at least one root could be added;
// individual failures are joined only when every root fails.
func (notifier *Notifier) Start(roots []Root) error {
	if notifier == nil {
		return errors.New("nil notifier")
	}

	notifier.mutex.Lock()
	if notifier.started {
		notifier.mutex.Unlock()
		return ErrAlreadyStarted
	}
	notifier.started = true
	notifier.mutex.Unlock()

	notifier.wg.Add(1)
	go notifier.pump()

	var failures []error
	added := 0
	for _, root := range roots {
		if err := notifier.AddRoot(root); err != nil {
			failures = append(failures, err)
			continue
		}
		added++
	}
	if len(roots) > 0 && added == 0 {
		return errors.Join(failures...)
	}
	return nil
}

// Stop tears the backend down. No events are delivered after it
// returns; the event and error channels are closed.
func (notifier *Notifier) Stop() error {
	if notifier == nil {
		return nil
	}

	notifier.mutex.Lock()
	if notifier.closed {
		notifier.mutex.Unlock()
		return nil
	}
	notifier.closed = true
	notifier.mutex.Unlock()

	err := notifier.watcher.Close()
	close(notifier.done)
	notifier.wg.Wait()
	notifier.senders.Wait()
	close(notifier.events)
	close(notifier.errors)
	return err
}

func (notifier *Notifier) AddRoot(root Root) error {
	if notifier == nil {
		return errors.New("nil notifier")
	}

	info, err := os.Stat(root.Path)
	if err != nil {
		return Classify(root.Path, err)
	}
	if !info.IsDir() {
		return &Error{Kind: RootVanished, Path: root.Path, Err: syscall.ENOTDIR}
	}

	notifier.mutex.Lock()
	if notifier.closed {
		notifier.mutex.Unlock()
		return nil
	}
	notifier.senders.Add(1)
	notifier.roots[root.Path] = root
	notifier.mutex.Unlock()
	defer notifier.senders.Done()

	if err := notifier.addWatch(root.Path, root.Path); err != nil {
		notifier.mutex.Lock()
		delete(notifier.roots, root.Path)
		notifier.mutex.Unlock()
		if errors.Is(err, errWatchLimit) {
			return &Error{Kind: ResourceExhausted, Path: root.Path, Err: err}
		}
		return Classify(root.Path, err)
	}

	if root.Recursive {
		notifier.expandTree(root.Path, root.Path, false)
	}
	return nil
}

func (notifier *Notifier) RemoveRoot(path string) error {
	if notifier == nil {
		return nil
	}

	notifier.mutex.Lock()
	if notifier.closed {
		notifier.mutex.Unlock()
		return nil
	}
	notifier.senders.Add(1)
	delete(notifier.roots, path)
	var removed []string
	for dir, owner := range notifier.watched {
		if owner == path {
			removed = append(removed, dir)
			delete(notifier.watched, dir)
		}
	}
	var nested []Root
	for _, root := range notifier.roots {
		if fsutil.Within(root.Path, path) {
			nested = append(nested, root)
		}
	}
	notifier.mutex.Unlock()
	defer notifier.senders.Done()

	for _, dir := range removed {
		if err := notifier.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			notifier.logWarn("watch remove failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
		}
	}

	// Roots nested under the removed one lose their shared watches;
	// re-establish them.
	for _, root := range nested {
		if err := notifier.addWatch(root.Path, root.Path); err != nil {
			continue
		}
		if root.Recursive {
			notifier.expandTree(root.Path, root.Path, false)
		}
	}
	return nil
}

func (notifier *Notifier) pump() {
	defer notifier.wg.Done()
	for {
		select {
		case event, ok := <-notifier.watcher.Events:
			if !ok {
				return
			}
			notifier.handleEvent(event)
		case err, ok := <-notifier.watcher.Errors:
			if !ok {
				return
			}
			notifier.forwardError(Classify("", err))
		case <-notifier.done:
			return
		}
	}
}

func (notifier *Notifier) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	now := time.Now()

	switch {
	case event.Has(fsnotify.Create):
		notifier.emit(Event{Path: path, Op: OpCreate, Time: now})
		notifier.watchCreatedDir(path)
	case event.Has(fsnotify.Write):
		notifier.emit(Event{Path: path, Op: OpModify, Time: now})
	case event.Has(fsnotify.Remove):
		notifier.forgetPath(path)
		notifier.emit(Event{Path: path, Op: OpDelete, Time: now})
	case event.Has(fsnotify.Rename):
		// The kernel reports only the old name here; the destination, if
		// it lands inside a watched tree, arrives as a separate Create.
		notifier.forgetPath(path)
		notifier.emit(Event{Path: path, Op: OpRenameFrom, Time: now})
	}
}

// watchCreatedDir extends coverage when a directory appears under a
// recursive root, and synthesizes Create events for anything already
// inside it: entries written between mkdir and watch registration
// would otherwise be missed.
func (notifier *Notifier) watchCreatedDir(path string) {
	root, ok := notifier.owningRecursiveRoot(path)
	if !ok {
		return
	}
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}
	notifier.expandTree(path, root, true)
}

func (notifier *Notifier) expandTree(dir, root string, synthesizeContents bool) {
	permissionIssue := false
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrPermission) {
				permissionIssue = true
			}
			return nil
		}
		if synthesizeContents && path != dir {
			notifier.emit(Event{Path: path, Op: OpCreate, Time: time.Now()})
		}
		if !entry.IsDir() {
			return nil
		}
		if err := notifier.addWatch(path, root); err != nil {
			if errors.Is(err, errWatchLimit) {
				notifier.forwardError(&Error{Kind: ResourceExhausted, Path: path, Err: err})
				return fs.SkipAll
			}
			if errors.Is(err, fs.ErrPermission) {
				permissionIssue = true
				return fs.SkipDir
			}
			notifier.logWarn("watch add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
		return nil
	})
	if permissionIssue {
		notifier.forwardError(&Error{Kind: PermissionDenied, Path: dir, Err: fs.ErrPermission})
	}
}

func (notifier *Notifier) addWatch(path, root string) error {
	notifier.mutex.Lock()
	if notifier.closed {
		notifier.mutex.Unlock()
		return nil
	}
	if _, exists := notifier.watched[path]; exists {
		notifier.mutex.Unlock()
		return nil
	}
	if len(notifier.watched) >= notifier.maxWatches {
		notifier.mutex.Unlock()
		return errWatchLimit
	}
	notifier.watched[path] = root
	count := len(notifier.watched)
	notifier.mutex.Unlock()

	if err := notifier.watcher.Add(path); err != nil {
		notifier.mutex.Lock()
		delete(notifier.watched, path)
		notifier.mutex.Unlock()
		return err
	}
	notifier.logDebug("watch added", path, count)
	return nil
}

// forgetPath clears bookkeeping when a watched path disappears. The
// kernel drops its own watch on deletion, so only the maps are
// touched. A vanished root is reported; others stay live.
func (notifier *Notifier) forgetPath(path string) {
	notifier.mutex.Lock()
	_, isRoot := notifier.roots[path]
	if isRoot {
		delete(notifier.roots, path)
	}
	delete(notifier.watched, path)
	for dir := range notifier.watched {
		if fsutil.Within(dir, path) {
			delete(notifier.watched, dir)
		}
	}
	notifier.mutex.Unlock()

	if isRoot {
		notifier.logWarn("root vanished", map[string]string{"path": path})
		notifier.forwardError(&Error{Kind: RootVanished, Path: path, Err: os.ErrNotExist})
	}
}

func (notifier *Notifier) owningRecursiveRoot(path string) (string, bool) {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	for _, root := range notifier.roots {
		if root.Recursive && fsutil.Within(path, root.Path) {
			return root.Path, true
		}
	}
	return "", false
}

func (notifier *Notifier) emit(event Event) {
	notifier.registry.IncRawEvent(notifierBackendName)
	select {
	case notifier.events <- event:
	case <-notifier.done:
	}
}

func (notifier *Notifier) forwardError(err error) {
	select {
	case notifier.errors <- err:
	case <-notifier.done:
	}
}

func (notifier *Notifier) logDebug(message, path string, activeCount int) {
	if notifier == nil || notifier.logger == nil {
		return
	}
	notifier.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}

func (notifier *Notifier) logWarn(message string, fields map[string]string) {
	if notifier == nil || notifier.logger == nil {
		return
	}
	notifier.logger.Warn(message, fields)
}
