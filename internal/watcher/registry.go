package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dirwatch/internal/fsutil"
)

// RootID is the registry handle for one watched root.
type RootID uint64

// WatchRoot is a registered directory plus its recursion flag.
type WatchRoot struct {
	ID        RootID    `json:"id"`
	Path      string    `json:"path"`
	Recursive bool      `json:"recursive"`
	AddedAt   time.Time `json:"added_at"`
}

// Registry owns the set of watched roots. The facade is the only
// mutator; backends work from snapshots.
type Registry struct {
	mutex  sync.Mutex
	roots  map[RootID]WatchRoot
	byPath map[string]RootID
	nextID RootID
}

func NewRegistry() *Registry {
	return &Registry{
		roots:  make(map[RootID]WatchRoot),
		byPath: make(map[string]RootID),
	}
}

// Add registers a directory. Paths normalize to absolute cleaned form
// before anything else, so duplicates spelled differently collapse to
// one entry. Re-adding a registered path returns the existing entry
// with created false.
func (registry *Registry) Add(path string, recursive bool) (WatchRoot, bool, error) {
	if registry == nil {
		return WatchRoot{}, false, ErrInvalidPath
	}
	normalized, err := fsutil.Normalize(path)
	if err != nil {
		return WatchRoot{}, false, fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
	}
	info, err := os.Stat(normalized)
	if err != nil {
		return WatchRoot{}, false, fmt.Errorf("%w: %s: %v", ErrInvalidPath, normalized, err)
	}
	if !info.IsDir() {
		return WatchRoot{}, false, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, normalized)
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if id, ok := registry.byPath[normalized]; ok {
		return registry.roots[id], false, nil
	}
	registry.nextID++
	root := WatchRoot{
		ID:        registry.nextID,
		Path:      normalized,
		Recursive: recursive,
		AddedAt:   time.Now().UTC(),
	}
	registry.roots[root.ID] = root
	registry.byPath[normalized] = root.ID
	return root, true, nil
}

// Remove drops a root by id. Unknown ids are a no-op, which keeps
// concurrent teardown races harmless.
func (registry *Registry) Remove(id RootID) (WatchRoot, bool) {
	if registry == nil {
		return WatchRoot{}, false
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	root, ok := registry.roots[id]
	if !ok {
		return WatchRoot{}, false
	}
	delete(registry.roots, id)
	delete(registry.byPath, root.Path)
	return root, true
}

// Get looks up a root by id.
func (registry *Registry) Get(id RootID) (WatchRoot, bool) {
	if registry == nil {
		return WatchRoot{}, false
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	root, ok := registry.roots[id]
	return root, ok
}

// List snapshots the registered roots sorted by path.
func (registry *Registry) List() []WatchRoot {
	if registry == nil {
		return nil
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	roots := make([]WatchRoot, 0, len(registry.roots))
	for _, root := range registry.roots {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Path < roots[j].Path })
	return roots
}

func (registry *Registry) Len() int {
	if registry == nil {
		return 0
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.roots)
}

// RootFor resolves the registered root owning a path: the longest
// matching root whose scope covers it. Non-recursive roots cover only
// themselves and their direct children.
func (registry *Registry) RootFor(path string) (WatchRoot, bool) {
	if registry == nil {
		return WatchRoot{}, false
	}
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	var best WatchRoot
	found := false
	for _, root := range registry.roots {
		if !rootCovers(root, path) {
			continue
		}
		if !found || len(root.Path) > len(best.Path) {
			best = root
			found = true
		}
	}
	return best, found
}

func rootCovers(root WatchRoot, path string) bool {
	if path == root.Path {
		return true
	}
	if root.Recursive {
		return fsutil.Within(path, root.Path)
	}
	return filepath.Dir(path) == root.Path
}
