package engine

import (
	"path/filepath"
	"sync"

	"github.com/guileen/litepool/storage"
)

// fileRegistry shares one store between every handle opened on the same
// path. Pebble locks its directory, so a second Open on a path would fail.
type fileRegistry struct {
	mu     sync.Mutex
	stores map[string]*sharedStore
}

type sharedStore struct {
	kv   *storage.KV
	refs int
}

var files = &fileRegistry{stores: make(map[string]*sharedStore)}

// acquire returns the store at path and a release func that closes it once
// the last handle lets go.
func (r *fileRegistry) acquire(path string) (*storage.KV, func() error, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stores[path]
	if !ok {
		kv, err := storage.Open(storage.DefaultConfig(path))
		if err != nil {
			return nil, nil, err
		}
		s = &sharedStore{kv: kv}
		r.stores[path] = s
	}
	s.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() { err = r.release(path, s) })
		return err
	}
	return s.kv, release, nil
}

func (r *fileRegistry) release(path string, s *sharedStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return nil
	}
	if r.stores[path] == s {
		delete(r.stores, path)
	}
	return s.kv.Close()
}

// refs reports the number of open handles on path.
func (r *fileRegistry) refs(path string) int {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[filepath.Clean(path)]; ok {
		return s.refs
	}
	return 0
}
