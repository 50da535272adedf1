// Package chunkfile implements a single chunk file: header, body, optional
// footer, and the two on-disk naming conventions used to find chunks in a
// database directory.
//
// Encoding: a fixed-size ChunkHeader at byte 0, the body immediately after,
// and — for completed chunks only — a fixed-size ChunkFooter occupying the
// last region of the file. An ongoing (still being appended to) chunk has
// its body region pre-allocated to the full declared ChunkSize but carries
// no footer.
package chunkfile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// HeaderSize is the fixed on-disk size of a ChunkHeader.
	HeaderSize = 128

	// FooterSize is the fixed on-disk size of a ChunkFooter.
	FooterSize = 128

	// ChecksumSize is the width of the content-hash field in the footer.
	ChecksumSize = 16

	headerSignature = 0x69 // 'i', shared with the rest of the format family
	headerVersion   = 1
)

var (
	ErrHeaderTooSmall    = errors.New("chunkfile: header too small")
	ErrSignatureMismatch = errors.New("chunkfile: signature mismatch")
	ErrHeaderVersion     = errors.New("chunkfile: unsupported header version")
	ErrFooterTooSmall    = errors.New("chunkfile: footer too small")
	ErrInvalidChunkRange = errors.New("chunkfile: chunkEndNumber < chunkStartNumber")
)

// ChunkHeader is the fixed header at byte 0 of every chunk file.
type ChunkHeader struct {
	// ChunkSize is the declared body capacity in bytes.
	ChunkSize int64

	// ChunkStartNumber is the first logical chunk number this file covers.
	ChunkStartNumber int

	// ChunkEndNumber is the last logical chunk number this file covers.
	// Equal to ChunkStartNumber except for scavenged/merged chunks.
	ChunkEndNumber int

	// IsScavenged marks a chunk produced by merging multiple originals.
	IsScavenged bool

	// ChunkID is a random GUID identifying this chunk file instance.
	ChunkID uuid.UUID
}

// NewChunkHeader builds a header for a freshly created ongoing chunk
// covering a single logical chunk number start.
func NewChunkHeader(start int, chunkSize int64) ChunkHeader {
	return ChunkHeader{
		ChunkSize:        chunkSize,
		ChunkStartNumber: start,
		ChunkEndNumber:   start,
		ChunkID:          uuid.New(),
	}
}

// Encode writes h into a HeaderSize buffer.
func (h ChunkHeader) Encode() ([HeaderSize]byte, error) {
	var buf [HeaderSize]byte
	if h.ChunkEndNumber < h.ChunkStartNumber {
		return buf, ErrInvalidChunkRange
	}
	buf[0] = headerSignature
	buf[1] = headerVersion
	binary.LittleEndian.PutUint64(buf[2:10], uint64(h.ChunkSize))
	binary.LittleEndian.PutUint32(buf[10:14], uint32(h.ChunkStartNumber))
	binary.LittleEndian.PutUint32(buf[14:18], uint32(h.ChunkEndNumber))
	if h.IsScavenged {
		buf[18] = 1
	}
	idBytes, err := h.ChunkID.MarshalBinary()
	if err != nil {
		return buf, fmt.Errorf("chunkfile: marshal chunk id: %w", err)
	}
	copy(buf[19:35], idBytes)
	return buf, nil
}

// DecodeHeader parses a ChunkHeader from buf, which must be at least
// HeaderSize bytes.
func DecodeHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < HeaderSize {
		return ChunkHeader{}, ErrHeaderTooSmall
	}
	if buf[0] != headerSignature {
		return ChunkHeader{}, ErrSignatureMismatch
	}
	if buf[1] != headerVersion {
		return ChunkHeader{}, ErrHeaderVersion
	}
	var h ChunkHeader
	h.ChunkSize = int64(binary.LittleEndian.Uint64(buf[2:10]))
	h.ChunkStartNumber = int(binary.LittleEndian.Uint32(buf[10:14]))
	h.ChunkEndNumber = int(binary.LittleEndian.Uint32(buf[14:18]))
	h.IsScavenged = buf[18] != 0
	id, err := uuid.FromBytes(buf[19:35])
	if err != nil {
		return ChunkHeader{}, fmt.Errorf("chunkfile: parse chunk id: %w", err)
	}
	h.ChunkID = id
	if h.ChunkEndNumber < h.ChunkStartNumber {
		return ChunkHeader{}, ErrInvalidChunkRange
	}
	return h, nil
}

// ChunkFooter is the fixed footer written only when a chunk is completed.
type ChunkFooter struct {
	IsCompleted      bool
	HasMap           bool
	ActualDataSize   int64
	PhysicalDataSize int64
	MapSize          int64
	Checksum         [ChecksumSize]byte
}

// Encode writes f into a FooterSize buffer.
func (f ChunkFooter) Encode() [FooterSize]byte {
	var buf [FooterSize]byte
	if f.IsCompleted {
		buf[0] = 1
	}
	if f.HasMap {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:10], uint64(f.ActualDataSize))
	binary.LittleEndian.PutUint64(buf[10:18], uint64(f.PhysicalDataSize))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(f.MapSize))
	copy(buf[26:26+ChecksumSize], f.Checksum[:])
	return buf
}

// DecodeFooter parses a ChunkFooter from buf, which must be at least
// FooterSize bytes.
func DecodeFooter(buf []byte) (ChunkFooter, error) {
	if len(buf) < FooterSize {
		return ChunkFooter{}, ErrFooterTooSmall
	}
	var f ChunkFooter
	f.IsCompleted = buf[0] != 0
	f.HasMap = buf[1] != 0
	f.ActualDataSize = int64(binary.LittleEndian.Uint64(buf[2:10]))
	f.PhysicalDataSize = int64(binary.LittleEndian.Uint64(buf[10:18]))
	f.MapSize = int64(binary.LittleEndian.Uint64(buf[18:26]))
	copy(f.Checksum[:], buf[26:26+ChecksumSize])
	return f, nil
}

// Checksum computes the content hash over a header-stream and a
// body-stream: two independent xxhash64 digests concatenated into a
// fixed 16-byte field, so header corruption and body corruption are
// each individually detectable.
func Checksum(headerBytes, body []byte) [ChecksumSize]byte {
	var out [ChecksumSize]byte
	hSum := xxhash.Sum64(headerBytes)
	bSum := xxhash.Sum64(body)
	binary.LittleEndian.PutUint64(out[0:8], hSum)
	binary.LittleEndian.PutUint64(out[8:16], bSum)
	return out
}
