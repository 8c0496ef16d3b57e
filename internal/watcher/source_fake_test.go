package watcher

import (
	"errors"
	"sync"

	"dirwatch/internal/source"
)

var errExhaustedQueue = errors.New("no replacement source available")

// fakeSource is an in-memory source.Source so facade tests never
// depend on kernel notification timing.
type fakeSource struct {
	mutex    sync.Mutex
	roots    map[string]source.Root
	addErr   map[string]error
	started  bool
	stopOnce sync.Once

	events chan source.Event
	errors chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		roots:  make(map[string]source.Root),
		addErr: make(map[string]error),
		events: make(chan source.Event, 64),
		errors: make(chan error, 8),
	}
}

func (fake *fakeSource) Start(roots []source.Root) error {
	fake.mutex.Lock()
	fake.started = true
	fake.mutex.Unlock()
	for _, root := range roots {
		if err := fake.AddRoot(root); err != nil {
			return err
		}
	}
	return nil
}

func (fake *fakeSource) AddRoot(root source.Root) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if err := fake.addErr[root.Path]; err != nil {
		return err
	}
	fake.roots[root.Path] = root
	return nil
}

func (fake *fakeSource) RemoveRoot(path string) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	delete(fake.roots, path)
	return nil
}

func (fake *fakeSource) Events() <-chan source.Event {
	return fake.events
}

func (fake *fakeSource) Errors() <-chan error {
	return fake.errors
}

func (fake *fakeSource) Stop() error {
	fake.stopOnce.Do(func() {
		close(fake.events)
		close(fake.errors)
	})
	return nil
}

func (fake *fakeSource) HasRoot(path string) bool {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	_, ok := fake.roots[path]
	return ok
}

func (fake *fakeSource) FailAdds(path string, err error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.addErr[path] = err
}

func (fake *fakeSource) emit(event source.Event) {
	fake.events <- event
}

func (fake *fakeSource) emitError(err error) {
	fake.errors <- err
}

// sourceQueue hands out fakes in order; once exhausted, construction
// fails, which exercises the restart escalation path.
type sourceQueue struct {
	mutex   sync.Mutex
	sources []source.Source
	calls   int
	failErr error
}

func (queue *sourceQueue) factory(string, source.Options) (source.Source, error) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if queue.calls >= len(queue.sources) {
		err := queue.failErr
		if err == nil {
			err = errExhaustedQueue
		}
		return nil, err
	}
	src := queue.sources[queue.calls]
	queue.calls++
	return src, nil
}
