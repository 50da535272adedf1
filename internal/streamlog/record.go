package streamlog

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// encodeEvent serializes one committed event's on-log representation:
// streamID, eventNumber, eventID, eventType, data and metadata, each
// length-prefixed where variable-width. The outer size-prefix-and-suffix
// framing is added by tfdb/chunkfile; this is purely the payload.
func encodeEvent(streamID string, eventNumber int64, eventID uuid.UUID, eventType string, data, metadata []byte) []byte {
	size := 4 + len(streamID) + 8 + 16 + 4 + len(eventType) + 4 + len(data) + 4 + len(metadata)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(streamID)))
	off += 4
	off += copy(buf[off:], streamID)

	binary.LittleEndian.PutUint64(buf[off:], uint64(eventNumber))
	off += 8

	off += copy(buf[off:], eventID[:])

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(eventType)))
	off += 4
	off += copy(buf[off:], eventType)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(data)))
	off += 4
	off += copy(buf[off:], data)

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(metadata)))
	off += 4
	off += copy(buf[off:], metadata)

	return buf[:off]
}

// decodedEvent is the parsed form of a single on-log event record.
type decodedEvent struct {
	StreamID    string
	EventNumber int64
	EventID     uuid.UUID
	EventType   string
	Data        []byte
	Metadata    []byte
}

func decodeEvent(buf []byte) (decodedEvent, error) {
	var d decodedEvent
	off := 0
	readUint32 := func(name string) (uint32, error) {
		if off+4 > len(buf) {
			return 0, fmt.Errorf("streamlog: truncated reading %s length", name)
		}
		v := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		return v, nil
	}

	n, err := readUint32("streamID")
	if err != nil {
		return d, err
	}
	if off+int(n) > len(buf) {
		return d, fmt.Errorf("streamlog: truncated streamID")
	}
	d.StreamID = string(buf[off : off+int(n)])
	off += int(n)

	if off+8 > len(buf) {
		return d, fmt.Errorf("streamlog: truncated eventNumber")
	}
	d.EventNumber = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	if off+16 > len(buf) {
		return d, fmt.Errorf("streamlog: truncated eventID")
	}
	copy(d.EventID[:], buf[off:off+16])
	off += 16

	n, err = readUint32("eventType")
	if err != nil {
		return d, err
	}
	if off+int(n) > len(buf) {
		return d, fmt.Errorf("streamlog: truncated eventType")
	}
	d.EventType = string(buf[off : off+int(n)])
	off += int(n)

	n, err = readUint32("data")
	if err != nil {
		return d, err
	}
	if off+int(n) > len(buf) {
		return d, fmt.Errorf("streamlog: truncated data")
	}
	d.Data = append([]byte{}, buf[off:off+int(n)]...)
	off += int(n)

	n, err = readUint32("metadata")
	if err != nil {
		return d, err
	}
	if off+int(n) > len(buf) {
		return d, fmt.Errorf("streamlog: truncated metadata")
	}
	d.Metadata = append([]byte{}, buf[off:off+int(n)]...)
	off += int(n)

	return d, nil
}
