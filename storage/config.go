package storage

import (
	"time"
)

// Config holds configuration options for the Pebble KV store
type Config struct {
	Path                  string
	InMemory              bool // keep everything in a private in-memory filesystem; Path is ignored
	CacheSize             int64
	MemTableSize          int
	MaxOpenFiles          int
	FlushInterval         time.Duration // zero disables the background flusher
	BlockSize             int
	CompressionEnabled    bool
	EnableBloomFilter     bool
	BloomFilterBitsPerKey int
	SyncWrites            bool
}

// DefaultConfig creates a configuration for an on-disk store at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:                  path,
		CacheSize:             64 << 20, // 64MB block cache
		MemTableSize:          16 << 20, // 16MB memtable
		MaxOpenFiles:          1000,
		FlushInterval:         500 * time.Millisecond,
		BlockSize:             32 << 10, // 32KB blocks
		CompressionEnabled:    true,
		EnableBloomFilter:     true,
		BloomFilterBitsPerKey: 10,
		SyncWrites:            false,
	}
}

// InMemoryConfig creates a configuration for a store that never touches disk.
func InMemoryConfig() *Config {
	return &Config{
		InMemory:              true,
		CacheSize:             8 << 20,
		MemTableSize:          4 << 20,
		MaxOpenFiles:          100,
		BlockSize:             4 << 10,
		CompressionEnabled:    false,
		EnableBloomFilter:     true,
		BloomFilterBitsPerKey: 5,
	}
}
