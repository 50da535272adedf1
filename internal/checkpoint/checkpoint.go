// Package checkpoint implements ledgerdb's durable, monotonic 64-bit
// counters: writer, chaser, epoch and truncate.
//
// A checkpoint is a named offset persisted as an 8-byte little-endian signed
// integer in its own file. Two implementations exist — a plain-file variant
// and a memory-mapped variant — sharing the same Checkpoint capability set
// ({Read, Write, Flush}) per the "capability sets, not hierarchies" guidance
// for polymorphic on-disk components in this codebase.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"
)

// Size is the on-disk size of a checkpoint file: one little-endian int64.
const Size = 8

// Checkpoint is a durable, monotonic 64-bit counter.
type Checkpoint interface {
	// Read returns the current value. The plain-file and mmap variants
	// include a Write that has not been flushed yet; the cached wrapper
	// returns the last flushed value.
	Read() (int64, error)

	// Write sets the in-memory value. It is not guaranteed durable until
	// Flush returns.
	Write(v int64) error

	// Flush durably persists the current value.
	Flush() error

	// Close releases any resources held by the checkpoint.
	Close() error
}

// New opens or creates a plain-file checkpoint at path, initializing it to
// initial if it does not yet exist.
func New(path string, initial int64) (Checkpoint, error) {
	f, created, err := openOrCreate(path, initial)
	if err != nil {
		return nil, err
	}
	cp := &fileCheckpoint{file: f}
	if created {
		if err := cp.Write(initial); err != nil {
			f.Close()
			return nil, err
		}
		if err := cp.Flush(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		v, err := cp.readFromDisk()
		if err != nil {
			f.Close()
			return nil, err
		}
		cp.value = v
	}
	return cp, nil
}

func openOrCreate(path string, initial int64) (*os.File, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, false, fmt.Errorf("checkpoint: create %s: %w", path, err)
		}
		if err := f.Truncate(Size); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("checkpoint: truncate %s: %w", path, err)
		}
		return f, true, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	return f, false, nil
}

// fileCheckpoint is the plain-file Checkpoint implementation: writes are
// buffered in memory and only reach disk on Flush.
type fileCheckpoint struct {
	mu    sync.Mutex
	file  *os.File
	value int64
}

func (c *fileCheckpoint) Read() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *fileCheckpoint) Write(v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	return nil
}

func (c *fileCheckpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf [Size]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(c.value))
	if _, err := c.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	return c.file.Sync()
}

func (c *fileCheckpoint) readFromDisk() (int64, error) {
	var buf [Size]byte
	if _, err := c.file.ReadAt(buf[:], 0); err != nil {
		return 0, fmt.Errorf("checkpoint: read: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (c *fileCheckpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// mmapCheckpoint is the memory-mapped Checkpoint implementation: Write
// updates the mapped page directly, Flush calls msync via syscall.
type mmapCheckpoint struct {
	mu   sync.Mutex
	file *os.File
	data []byte
}

// NewMmap opens or creates a memory-mapped checkpoint at path, initializing
// it to initial if it does not yet exist. Preferred over New where the
// platform supports it.
func NewMmap(path string, initial int64) (Checkpoint, error) {
	f, created, err := openOrCreate(path, initial)
	if err != nil {
		return nil, err
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, Size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: mmap %s: %w", path, err)
	}
	cp := &mmapCheckpoint{file: f, data: data}
	if created {
		if err := cp.Write(initial); err != nil {
			cp.Close()
			return nil, err
		}
		if err := cp.Flush(); err != nil {
			cp.Close()
			return nil, err
		}
	}
	return cp, nil
}

func (c *mmapCheckpoint) Read() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(binary.LittleEndian.Uint64(c.data)), nil
}

func (c *mmapCheckpoint) Write(v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	binary.LittleEndian.PutUint64(c.data, uint64(v))
	return nil
}

func (c *mmapCheckpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&c.data[0])), uintptr(len(c.data)), syscall.MS_SYNC)
	if errno != 0 {
		return fmt.Errorf("checkpoint: msync: %w", errno)
	}
	return nil
}

func (c *mmapCheckpoint) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.data != nil {
		if unmapErr := syscall.Munmap(c.data); unmapErr != nil {
			err = unmapErr
		}
		c.data = nil
	}
	if closeErr := c.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// cached wraps a Checkpoint so that the in-memory value read back by Read is
// only updated after a successful Flush, per the durability rule in the
// concurrency model: "the in-memory cached value is updated only after the
// flush."
type cached struct {
	mu       sync.Mutex
	backing  Checkpoint
	pending  int64
	flushed  int64
	hasWrite bool
}

// NewCached wraps backing so that Read returns the last flushed value until
// a pending Write is itself flushed.
func NewCached(backing Checkpoint) (Checkpoint, error) {
	v, err := backing.Read()
	if err != nil {
		return nil, err
	}
	return &cached{backing: backing, flushed: v, pending: v}, nil
}

func (c *cached) Read() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed, nil
}

func (c *cached) Write(v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = v
	c.hasWrite = true
	return c.backing.Write(v)
}

func (c *cached) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasWrite {
		return nil
	}
	if err := c.backing.Flush(); err != nil {
		return err
	}
	c.flushed = c.pending
	c.hasWrite = false
	return nil
}

func (c *cached) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.Close()
}
