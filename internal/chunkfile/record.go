package chunkfile

import (
	"encoding/binary"
	"errors"
	"io"
)

// SizeFieldBytes is the width of the length prefix/suffix around each
// record, mirroring the size-prefixed-and-suffixed framing used elsewhere
// in this codebase's chunk layer so a record can be read moving either
// direction through the body.
const SizeFieldBytes = 4

// MinRecordSize is the smallest possible framed record: two length fields
// and zero payload bytes.
const MinRecordSize = 2 * SizeFieldBytes

var (
	ErrRecordTooSmall   = errors.New("chunkfile: record smaller than minimum frame")
	ErrSizeMismatch     = errors.New("chunkfile: record prefix/suffix size mismatch")
	ErrNoPreviousRecord = errors.New("chunkfile: no record before offset")
)

// EncodeRecord frames payload as [size][payload][size], both copies of size
// being the total framed length.
func EncodeRecord(payload []byte) []byte {
	total := MinRecordSize + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	copy(buf[4:4+len(payload)], payload)
	binary.LittleEndian.PutUint32(buf[total-4:total], uint32(total))
	return buf
}

// DecodeRecordAt reads the framed record starting at offset within data,
// returning its payload and the offset immediately following it.
func DecodeRecordAt(data []byte, offset int64) (payload []byte, next int64, err error) {
	if offset < 0 || offset > int64(len(data)) {
		return nil, offset, io.EOF
	}
	if offset+SizeFieldBytes > int64(len(data)) {
		return nil, offset, io.ErrUnexpectedEOF
	}
	size := int64(binary.LittleEndian.Uint32(data[offset : offset+SizeFieldBytes]))
	if size < MinRecordSize {
		return nil, offset, ErrRecordTooSmall
	}
	end := offset + size
	if end > int64(len(data)) {
		return nil, offset, io.ErrUnexpectedEOF
	}
	suffix := int64(binary.LittleEndian.Uint32(data[end-SizeFieldBytes : end]))
	if suffix != size {
		return nil, offset, ErrSizeMismatch
	}
	return data[offset+SizeFieldBytes : end-SizeFieldBytes], end, nil
}

// DecodeRecordBefore reads the framed record ending at offset (exclusive),
// returning its payload and the start offset of that record.
func DecodeRecordBefore(data []byte, offset int64) (payload []byte, start int64, err error) {
	if offset < MinRecordSize {
		return nil, 0, ErrNoPreviousRecord
	}
	if offset > int64(len(data)) {
		return nil, 0, io.EOF
	}
	size := int64(binary.LittleEndian.Uint32(data[offset-SizeFieldBytes : offset]))
	start = offset - size
	if start < 0 {
		return nil, 0, ErrSizeMismatch
	}
	payload, _, err = DecodeRecordAt(data, start)
	if err != nil {
		return nil, 0, err
	}
	return payload, start, nil
}
