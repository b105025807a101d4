// Package storage provides the Pebble key-value store backing local datastores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("kv store is closed")
)

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// KV is a Pebble-backed key-value store. It is safe for concurrent use.
type KV struct {
	db     *pebble.DB
	path   string
	mu     sync.RWMutex
	closed bool

	writeOpts   *pebble.WriteOptions
	dirty       atomic.Bool
	flushTicker *time.Ticker
	flushDone   chan struct{}
	flushWG     sync.WaitGroup
}

// Open opens (creating if needed) the store described by config.
func Open(config *Config) (*KV, error) {
	cache := pebble.NewCache(config.CacheSize)
	defer cache.Unref()

	compression := pebble.NoCompression
	if config.CompressionEnabled {
		compression = pebble.SnappyCompression
	}

	level := pebble.LevelOptions{
		BlockSize:   config.BlockSize,
		Compression: compression,
	}
	if config.EnableBloomFilter {
		level.FilterPolicy = bloom.FilterPolicy(config.BloomFilterBitsPerKey)
		level.FilterType = pebble.TableFilter
	}

	opts := &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: config.MaxOpenFiles,
		MemTableSize: uint64(config.MemTableSize),
		Levels:       []pebble.LevelOptions{level},
	}

	dir := config.Path
	if config.InMemory {
		opts.FS = vfs.NewMem()
		dir = ""
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	kv := &KV{
		db:        db,
		path:      dir,
		writeOpts: pebble.NoSync,
	}
	if config.SyncWrites {
		kv.writeOpts = pebble.Sync
	}

	if config.FlushInterval > 0 {
		kv.flushTicker = time.NewTicker(config.FlushInterval)
		kv.flushDone = make(chan struct{})
		kv.flushWG.Add(1)
		go kv.backgroundFlush()
	}

	return kv, nil
}

// Path returns the directory of an on-disk store, or "" for an in-memory one.
func (k *KV) Path() string {
	return k.path
}

func (k *KV) Get(ctx context.Context, key []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, ErrClosed
	}

	value, closer, err := k.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (k *KV) Set(ctx context.Context, key, value []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}

	if err := k.db.Set(key, value, k.writeOpts); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	k.dirty.Store(true)
	return nil
}

func (k *KV) Delete(ctx context.Context, key []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}

	if err := k.db.Delete(key, k.writeOpts); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	k.dirty.Store(true)
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (k *KV) DeletePrefix(ctx context.Context, prefix []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}

	end := prefixEnd(prefix)
	if end == nil {
		return fmt.Errorf("pebble delete range: unbounded prefix %q", prefix)
	}
	if err := k.db.DeleteRange(prefix, end, k.writeOpts); err != nil {
		return fmt.Errorf("pebble delete range: %w", err)
	}
	k.dirty.Store(true)
	return nil
}

// Scan calls fn for every key starting with prefix, in key order. The slices
// passed to fn are only valid for the duration of the call.
func (k *KV) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}

	iter, err := k.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return err
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return fmt.Errorf("pebble iter: %w", err)
	}
	return iter.Close()
}

// Flush forces the memtable to disk.
func (k *KV) Flush() error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return ErrClosed
	}
	k.dirty.Store(false)
	return k.db.Flush()
}

func (k *KV) backgroundFlush() {
	defer k.flushWG.Done()
	for {
		select {
		case <-k.flushTicker.C:
			if k.dirty.Load() {
				_ = k.Flush()
			}
		case <-k.flushDone:
			return
		}
	}
}

// Close stops the background flusher and closes the database. Closing twice is a no-op.
func (k *KV) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	if k.flushTicker != nil {
		k.flushTicker.Stop()
		close(k.flushDone)
		k.flushWG.Wait()
	}

	return k.db.Close()
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
