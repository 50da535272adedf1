// Package streamlog layers per-stream expected-version checking,
// idempotent-write detection, and multi-event transactions over the raw
// append-only offsets of internal/tfdb.
//
// Every committed event is one tfdb record; a stream's identity and
// ordering live entirely in an in-memory index rebuilt from the log at
// Open. There is no separate on-disk prepare phase for transactions: writes
// staged with Write are buffered in memory and only reach the log when
// Commit runs, so a crash mid-transaction leaves no partial trace.
package streamlog

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"ledgerdb/internal/logging"
	"ledgerdb/internal/tfdb"
)

// ExpectedVersion encodes the caller's expectation about a stream's current
// state, mirroring the constants used throughout the EventStoreDB family.
type ExpectedVersion int64

const (
	// ExpectedStreamExists requires the stream to already have at least one
	// event, without pinning an exact version.
	ExpectedStreamExists ExpectedVersion = -4

	// ExpectedNoStream requires the stream to not exist yet.
	ExpectedNoStream ExpectedVersion = -1

	// ExpectedAny skips version checking; idempotency is still detected by
	// event ID when possible.
	ExpectedAny ExpectedVersion = -2
)

// Event is a single event proposed for append. EventID should be supplied
// by the caller so that retries of the same logical write can be detected.
type Event struct {
	EventID   uuid.UUID
	EventType string
	Data      []byte
	Metadata  []byte
}

// AppendResult reports where a batch landed in its stream.
type AppendResult struct {
	FirstEventNumber int64
	LastEventNumber  int64
	IsIdempotent     bool
}

type committedEvent struct {
	EventID      uuid.UUID
	EventType    string
	GlobalOffset int64
}

type streamState struct {
	events []committedEvent
}

func (s *streamState) lastEventNumber() int64 {
	return int64(len(s.events)) - 1
}

// alignedWith reports whether the batch's event IDs and types match the
// committed events starting at position, for exactly len(batch) entries.
func (s *streamState) alignedWith(position int64, batch []Event) bool {
	if position < 0 {
		return false
	}
	end := position + int64(len(batch))
	if end > int64(len(s.events)) {
		return false
	}
	for i, e := range batch {
		c := s.events[position+int64(i)]
		if c.EventID != e.EventID || c.EventType != e.EventType {
			return false
		}
	}
	return true
}

type pendingTxn struct {
	streamID string
	expected ExpectedVersion
	events   []Event
}

// StreamLog is the per-stream view over a tfdb.DB.
type StreamLog struct {
	db     *tfdb.DB
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*streamState
	txns    map[uuid.UUID]*pendingTxn
}

// Open rebuilds the stream index by replaying every record in db from the
// beginning, then returns a StreamLog ready for Append/StartTransaction.
func Open(db *tfdb.DB, logger *slog.Logger) (*StreamLog, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	sl := &StreamLog{
		db:      db,
		logger:  logger,
		streams: make(map[string]*streamState),
		txns:    make(map[uuid.UUID]*pendingTxn),
	}
	if err := sl.replay(); err != nil {
		return nil, err
	}
	return sl, nil
}

func (sl *StreamLog) replay() error {
	writer, err := sl.db.Writer()
	if err != nil {
		return fmt.Errorf("streamlog: read writer checkpoint: %w", err)
	}
	offset := int64(0)
	for offset < writer {
		payload, next, err := sl.db.Read(offset)
		if err != nil {
			return fmt.Errorf("streamlog: replay at offset %d: %w", offset, err)
		}
		d, err := decodeEvent(payload)
		if err != nil {
			return fmt.Errorf("streamlog: decode record at offset %d: %w", offset, err)
		}
		st := sl.streams[d.StreamID]
		if st == nil {
			st = &streamState{}
			sl.streams[d.StreamID] = st
		}
		st.events = append(st.events, committedEvent{
			EventID:      d.EventID,
			EventType:    d.EventType,
			GlobalOffset: offset,
		})
		offset = next
	}
	sl.logger.Debug("streamlog: replay complete", "streams", len(sl.streams), "writer", writer)
	return nil
}

// Append writes events to streamID, enforcing expected and detecting
// idempotent retries. On success every event in the batch is committed
// atomically: either all of them land in the stream's index, or none do.
func (sl *StreamLog) Append(streamID string, expected ExpectedVersion, events []Event) (AppendResult, error) {
	if streamID == "" {
		return AppendResult{}, ErrEmptyStreamID
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.appendLocked(streamID, expected, events)
}

func (sl *StreamLog) appendLocked(streamID string, expected ExpectedVersion, events []Event) (AppendResult, error) {
	st := sl.streams[streamID]
	if st == nil {
		st = &streamState{}
	}
	currentLast := st.lastEventNumber()

	first, idempotent, err := resolveAppendPosition(st, currentLast, expected, events)
	if err != nil {
		return AppendResult{}, err
	}
	if idempotent {
		return AppendResult{
			FirstEventNumber: first,
			LastEventNumber:  first + int64(len(events)) - 1,
			IsIdempotent:     true,
		}, nil
	}

	newStream := sl.streams[streamID] == nil
	if newStream {
		sl.streams[streamID] = st
	}

	for i, e := range events {
		eventNumber := first + int64(i)
		payload := encodeEvent(streamID, eventNumber, e.EventID, e.EventType, e.Data, e.Metadata)
		offset, err := sl.db.Append(payload)
		if err != nil {
			return AppendResult{}, fmt.Errorf("streamlog: append event %d to %q: %w", eventNumber, streamID, err)
		}
		st.events = append(st.events, committedEvent{
			EventID:      e.EventID,
			EventType:    e.EventType,
			GlobalOffset: offset,
		})
	}

	return AppendResult{
		FirstEventNumber: first,
		LastEventNumber:  first + int64(len(events)) - 1,
		IsIdempotent:     false,
	}, nil
}

// resolveAppendPosition determines the event number the batch should start
// at, or detects that the batch is a duplicate of an already-committed
// range and should be treated as an idempotent no-op.
func resolveAppendPosition(st *streamState, currentLast int64, expected ExpectedVersion, events []Event) (first int64, idempotent bool, err error) {
	switch {
	case expected == ExpectedAny:
		if currentLast >= 0 {
			tailStart := currentLast + 1 - int64(len(events))
			if st.alignedWith(tailStart, events) {
				return tailStart, true, nil
			}
		}
		return currentLast + 1, false, nil

	case expected == ExpectedNoStream:
		if currentLast == -1 {
			return 0, false, nil
		}
		if st.alignedWith(0, events) {
			return 0, true, nil
		}
		return 0, false, ErrWrongExpectedVersion

	case expected == ExpectedStreamExists:
		if currentLast == -1 {
			return 0, false, ErrWrongExpectedVersion
		}
		return currentLast + 1, false, nil

	case expected >= 0:
		n := int64(expected)
		switch {
		case n == currentLast:
			return n + 1, false, nil
		case n < currentLast:
			if st.alignedWith(n+1, events) {
				return n + 1, true, nil
			}
			return 0, false, ErrWrongExpectedVersion
		default:
			return 0, false, ErrWrongExpectedVersion
		}

	default:
		return 0, false, fmt.Errorf("streamlog: invalid expected version %d", expected)
	}
}

// StartTransaction allocates a transaction ID and stages expected for a
// later Commit. No record is written to the log until Commit succeeds.
func (sl *StreamLog) StartTransaction(streamID string, expected ExpectedVersion) (uuid.UUID, error) {
	if streamID == "" {
		return uuid.UUID{}, ErrEmptyStreamID
	}
	txnID := uuid.New()
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.txns[txnID] = &pendingTxn{streamID: streamID, expected: expected}
	return txnID, nil
}

// Write buffers events onto an open transaction. Nothing is appended to the
// log until Commit.
func (sl *StreamLog) Write(txnID uuid.UUID, events []Event) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	txn, ok := sl.txns[txnID]
	if !ok {
		return ErrUnknownTransaction
	}
	txn.events = append(txn.events, events...)
	return nil
}

// Commit applies every event staged on txnID as a single Append call,
// using the expected version recorded at StartTransaction, then discards
// the transaction regardless of outcome.
func (sl *StreamLog) Commit(txnID uuid.UUID) (AppendResult, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	txn, ok := sl.txns[txnID]
	if !ok {
		return AppendResult{}, ErrUnknownTransaction
	}
	delete(sl.txns, txnID)
	return sl.appendLocked(txn.streamID, txn.expected, txn.events)
}

// Rollback discards a transaction's staged writes without touching the
// log.
func (sl *StreamLog) Rollback(txnID uuid.UUID) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if _, ok := sl.txns[txnID]; !ok {
		return ErrUnknownTransaction
	}
	delete(sl.txns, txnID)
	return nil
}

// StreamEvent is a single read-back event returned by ReadStream.
type StreamEvent struct {
	EventNumber int64
	EventID     uuid.UUID
	EventType   string
	Data        []byte
	Metadata    []byte
}

// ReadStream reads events [from, from+maxCount) from streamID in forward
// order. It returns fewer than maxCount events if the stream ends first.
func (sl *StreamLog) ReadStream(streamID string, from int64, maxCount int) ([]StreamEvent, error) {
	sl.mu.Lock()
	st := sl.streams[streamID]
	if st == nil {
		sl.mu.Unlock()
		return nil, nil
	}
	end := from + int64(maxCount)
	if end > int64(len(st.events)) {
		end = int64(len(st.events))
	}
	if from < 0 || from >= end {
		sl.mu.Unlock()
		return nil, nil
	}
	offsets := make([]int64, 0, end-from)
	for i := from; i < end; i++ {
		offsets = append(offsets, st.events[i].GlobalOffset)
	}
	sl.mu.Unlock()

	result := make([]StreamEvent, 0, len(offsets))
	for _, off := range offsets {
		payload, _, err := sl.db.Read(off)
		if err != nil {
			return nil, fmt.Errorf("streamlog: read event at offset %d: %w", off, err)
		}
		d, err := decodeEvent(payload)
		if err != nil {
			return nil, fmt.Errorf("streamlog: decode event at offset %d: %w", off, err)
		}
		result = append(result, StreamEvent{
			EventNumber: d.EventNumber,
			EventID:     d.EventID,
			EventType:   d.EventType,
			Data:        d.Data,
			Metadata:    d.Metadata,
		})
	}
	return result, nil
}

// LastEventNumber returns the highest committed event number for streamID,
// or -1 if the stream does not exist.
func (sl *StreamLog) LastEventNumber(streamID string) int64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	st := sl.streams[streamID]
	if st == nil {
		return -1
	}
	return st.lastEventNumber()
}
