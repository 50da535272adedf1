package chunkfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

var (
	// ErrChunkFull is returned by Append when the requested bytes would
	// exceed the chunk's declared ChunkSize.
	ErrChunkFull = errors.New("chunkfile: append would exceed chunk size")

	// ErrAlreadyCompleted is returned by Append/Complete on a chunk that has
	// already been sealed.
	ErrAlreadyCompleted = errors.New("chunkfile: chunk already completed")

	// ErrChunkSizeMismatch is returned by OpenCompleted when the file length
	// does not match headerSize + actualDataSize + footerSize exactly.
	ErrChunkSizeMismatch = errors.New("chunkfile: declared size does not match file length")

	// ErrChecksumMismatch is returned by OpenCompleted with verifyHash=true
	// when the recomputed content hash differs from the stored one.
	ErrChecksumMismatch = errors.New("chunkfile: checksum verification failed")
)

// Chunk is one segment of the transaction log: a fixed-capacity body
// preceded by a header and, once sealed, followed by a footer.
//
// An ongoing chunk is writable; a completed chunk is immutable and backed
// by a read-only memory mapping, so concurrent readers need no locking
// beyond the roster lookup that hands them a *Chunk.
type Chunk struct {
	Path      string
	Header    ChunkHeader
	Footer    ChunkFooter
	completed bool

	file    *os.File
	bodyLen int64 // ongoing only: logical bytes appended so far

	mm []byte // completed only: mmap of the whole file
}

// Create allocates a new ongoing chunk file at path for logical chunk
// number start, with body capacity chunkSize.
func Create(path string, start int, chunkSize int64) (*Chunk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkfile: create %s: %w", path, err)
	}
	h := NewChunkHeader(start, chunkSize)
	hdrBytes, err := h.Encode()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt(hdrBytes[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkfile: write header: %w", err)
	}
	if err := f.Truncate(HeaderSize + chunkSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkfile: preallocate body: %w", err)
	}
	return &Chunk{Path: path, Header: h, file: f}, nil
}

// OpenOngoing opens an existing ongoing chunk, parsing only the header.
// Body-size validation is intentionally skipped: the tail may legitimately
// be under-filled after a crash, and that laxity must be preserved.
func OpenOngoing(path string) (*Chunk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkfile: open %s: %w", path, err)
	}
	var hdrBuf [HeaderSize]byte
	if _, err := f.ReadAt(hdrBuf[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkfile: read header: %w", err)
	}
	h, err := DecodeHeader(hdrBuf[:])
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Chunk{Path: path, Header: h, file: f}, nil
}

// RecoverBodyLen scans the body of an ongoing chunk using the framed record
// format and sets bodyLen to the offset just past the last well-formed
// record, truncating any trailing garbage from a torn write. It stops at
// the first decode failure or at ChunkSize, whichever comes first.
func (c *Chunk) RecoverBodyLen() (int64, error) {
	if c.completed {
		return 0, errors.New("chunkfile: RecoverBodyLen on completed chunk")
	}
	var offset int64
	for offset < c.Header.ChunkSize {
		buf := make([]byte, SizeFieldBytes)
		n, err := c.file.ReadAt(buf, HeaderSize+offset)
		if n < SizeFieldBytes || err != nil {
			break
		}
		payload, next, derr := c.readBodyRecordAt(offset)
		if derr != nil {
			break
		}
		_ = payload
		offset = next
	}
	c.bodyLen = offset
	return offset, nil
}

func (c *Chunk) readBodyRecordAt(localOffset int64) ([]byte, int64, error) {
	// Peek the declared size, then read exactly that many bytes via the
	// file so we never need the whole chunk resident in memory.
	var sizeBuf [SizeFieldBytes]byte
	if _, err := c.file.ReadAt(sizeBuf[:], HeaderSize+localOffset); err != nil {
		return nil, localOffset, err
	}
	size := int64(leUint32(sizeBuf[:]))
	if size < MinRecordSize || localOffset+size > c.Header.ChunkSize {
		return nil, localOffset, ErrRecordTooSmall
	}
	frame := make([]byte, size)
	if _, err := c.file.ReadAt(frame, HeaderSize+localOffset); err != nil {
		return nil, localOffset, err
	}
	payload, next, err := DecodeRecordAt(frame, 0)
	if err != nil {
		return nil, localOffset, err
	}
	return payload, localOffset + next, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Append extends the ongoing chunk's logical body with a framed record,
// returning the local offset at which it begins.
func (c *Chunk) Append(payload []byte) (int64, error) {
	if c.completed {
		return 0, ErrAlreadyCompleted
	}
	frame := EncodeRecord(payload)
	if c.bodyLen+int64(len(frame)) > c.Header.ChunkSize {
		return 0, ErrChunkFull
	}
	start := c.bodyLen
	if _, err := c.file.WriteAt(frame, HeaderSize+start); err != nil {
		return 0, fmt.Errorf("chunkfile: append: %w", err)
	}
	c.bodyLen += int64(len(frame))
	return start, nil
}

// Remaining reports how many more bytes can be appended to the body.
func (c *Chunk) Remaining() int64 {
	return c.Header.ChunkSize - c.bodyLen
}

// BodyLen reports the logical bytes appended so far.
func (c *Chunk) BodyLen() int64 {
	return c.bodyLen
}

// Complete seals the ongoing chunk: computes the checksum over header and
// body, writes the footer, and transitions it to completed. The underlying
// file is truncated to its exact final size and mapped read-only, the same
// way OpenCompleted maps it; Close releases the mapping and the file.
func (c *Chunk) Complete() error {
	if c.completed {
		return ErrAlreadyCompleted
	}
	hdrBytes, err := c.Header.Encode()
	if err != nil {
		return err
	}
	body := make([]byte, c.bodyLen)
	if _, err := c.file.ReadAt(body, HeaderSize); err != nil && err != io.EOF {
		return fmt.Errorf("chunkfile: read body for checksum: %w", err)
	}
	footer := ChunkFooter{
		IsCompleted:      true,
		ActualDataSize:   c.bodyLen,
		PhysicalDataSize: c.bodyLen,
		Checksum:         Checksum(hdrBytes[:], body),
	}
	finalSize := HeaderSize + c.bodyLen + FooterSize
	if err := c.file.Truncate(finalSize); err != nil {
		return fmt.Errorf("chunkfile: truncate to final size: %w", err)
	}
	footerBytes := footer.Encode()
	if _, err := c.file.WriteAt(footerBytes[:], HeaderSize+c.bodyLen); err != nil {
		return fmt.Errorf("chunkfile: write footer: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("chunkfile: sync: %w", err)
	}
	data, err := syscall.Mmap(int(c.file.Fd()), 0, int(finalSize), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("chunkfile: mmap %s: %w", c.Path, err)
	}
	c.Footer = footer
	c.completed = true
	c.mm = data
	return nil
}

// OpenCompleted opens a sealed chunk read-only via a memory mapping,
// validates its declared sizes against the file length, and optionally
// verifies its checksum.
func OpenCompleted(path string, verifyHash bool) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunkfile: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < HeaderSize+FooterSize {
		f.Close()
		return nil, fmt.Errorf("%w: file too small for header+footer", ErrChunkSizeMismatch)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkfile: mmap %s: %w", path, err)
	}

	h, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}
	footer, err := DecodeFooter(data[len(data)-FooterSize:])
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}
	if !footer.IsCompleted {
		syscall.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: footer not marked completed", ErrChunkSizeMismatch)
	}
	wantSize := HeaderSize + footer.ActualDataSize + FooterSize
	if int64(info.Size()) != wantSize {
		syscall.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: declared %d, file %d", ErrChunkSizeMismatch, wantSize, info.Size())
	}
	if footer.ActualDataSize > h.ChunkSize {
		syscall.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: actualDataSize exceeds declared ChunkSize", ErrChunkSizeMismatch)
	}

	if verifyHash {
		hdrBytes, err := h.Encode()
		if err != nil {
			syscall.Munmap(data)
			f.Close()
			return nil, err
		}
		body := data[HeaderSize : HeaderSize+footer.ActualDataSize]
		got := Checksum(hdrBytes[:], body)
		if got != footer.Checksum {
			syscall.Munmap(data)
			f.Close()
			return nil, ErrChecksumMismatch
		}
	}

	return &Chunk{
		Path:      path,
		Header:    h,
		Footer:    footer,
		completed: true,
		file:      f,
		mm:        data,
		bodyLen:   footer.ActualDataSize,
	}, nil
}

// IsCompleted reports whether the chunk has been sealed.
func (c *Chunk) IsCompleted() bool { return c.completed }

// ReadRecordAt reads the framed record beginning at localOffset within the
// body, returning its payload and the offset immediately following it.
func (c *Chunk) ReadRecordAt(localOffset int64) (payload []byte, next int64, err error) {
	if c.completed {
		return DecodeRecordAt(c.mm[HeaderSize:HeaderSize+c.bodyLen], localOffset)
	}
	return c.readBodyRecordAt(localOffset)
}

// ReadRecordBefore reads the framed record ending at localOffset
// (exclusive), returning its payload and the start offset of that record.
// Used for backward stream/all-events traversal.
func (c *Chunk) ReadRecordBefore(localOffset int64) (payload []byte, start int64, err error) {
	if c.completed {
		return DecodeRecordBefore(c.mm[HeaderSize:HeaderSize+c.bodyLen], localOffset)
	}
	if localOffset < MinRecordSize {
		return nil, 0, ErrNoPreviousRecord
	}
	var sizeBuf [SizeFieldBytes]byte
	if _, err := c.file.ReadAt(sizeBuf[:], HeaderSize+localOffset-SizeFieldBytes); err != nil {
		return nil, 0, err
	}
	size := int64(leUint32(sizeBuf[:]))
	start = localOffset - size
	if start < 0 {
		return nil, 0, ErrSizeMismatch
	}
	payload, _, err = c.readBodyRecordAt(start)
	if err != nil {
		return nil, 0, err
	}
	return payload, start, nil
}

// Close releases the chunk's file handle and, for completed chunks, its
// memory mapping.
func (c *Chunk) Close() error {
	var err error
	if c.mm != nil {
		if e := syscall.Munmap(c.mm); e != nil {
			err = e
		}
		c.mm = nil
	}
	if c.file != nil {
		if e := c.file.Close(); e != nil && err == nil {
			err = e
		}
		c.file = nil
	}
	return err
}
