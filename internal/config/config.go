// Package config describes the declarative shape a ledgerdb TFDb is opened
// with.
//
// Config does not:
//   - Watch for live changes (load-once at construction, like the rest of
//     this system)
//   - Persist itself; the caller owns wherever Config came from
//   - Touch the ingest or read hot path
package config

import (
	"errors"
	"fmt"
	"time"
)

// NamingKind selects a chunkfile.NamingStrategy implementation.
type NamingKind string

const (
	// NamingPrefixOnly uses a single filename per (start, version), as used
	// in simple tests and early databases.
	NamingPrefixOnly NamingKind = "prefix"

	// NamingVersioned uses the chunk-{start:D6}.{version:D6} pattern and
	// supports version collapse across multiple files per start.
	NamingVersioned NamingKind = "versioned"
)

// Config is the declarative shape of a TFDb: what should exist, not how to
// build it.
type Config struct {
	// Dir is the database directory. Created if it does not exist.
	Dir string

	// ChunkSize is the logical body capacity of a chunk, in bytes.
	ChunkSize int64

	// Naming selects the file-naming strategy. Defaults to NamingVersioned.
	Naming NamingKind

	// Prefix is prepended to chunk filenames (e.g. "chunk-" or "prefix.tf").
	Prefix string

	// VerifyHash requests hash verification of completed chunks on open.
	VerifyHash bool

	// BackgroundFlushInterval, when non-zero, starts a periodic job that
	// flushes the chaser checkpoint and completes an over-capacity ongoing
	// chunk. Zero disables the background job; callers drive flushing
	// explicitly instead.
	BackgroundFlushInterval time.Duration
}

// Validate checks that the configuration is internally consistent and fills
// in defaults. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("config: Dir must not be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: ChunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.Naming == "" {
		c.Naming = NamingVersioned
	}
	if c.Naming != NamingPrefixOnly && c.Naming != NamingVersioned {
		return fmt.Errorf("config: unknown Naming %q", c.Naming)
	}
	if c.Naming == NamingVersioned && c.Prefix == "" {
		c.Prefix = "chunk-"
	}
	return nil
}
