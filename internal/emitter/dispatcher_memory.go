package emitter

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"ledgerdb/internal/streamlog"
)

// MemoryDispatcher is a ReadDispatcher and WriteDispatcher backed directly
// by a streamlog.StreamLog, for use in tests and single-process
// deployments where the emitter and the log share an address space.
type MemoryDispatcher struct {
	log *streamlog.StreamLog
}

// NewMemoryDispatcher wraps log as both halves of the emitter's dispatcher
// pair.
func NewMemoryDispatcher(log *streamlog.StreamLog) *MemoryDispatcher {
	return &MemoryDispatcher{log: log}
}

func (d *MemoryDispatcher) WriteEvents(ctx context.Context, streamID string, expectedVersion int64, events []OutboundEvent) (WriteCompletion, error) {
	batch := make([]streamlog.Event, len(events))
	for i, e := range events {
		batch[i] = streamlog.Event{
			EventID:   uuid.UUID(e.EventID),
			EventType: e.EventType,
			Data:      e.Data,
			Metadata:  e.Metadata,
		}
	}
	res, err := d.log.Append(streamID, streamlog.ExpectedVersion(expectedVersion), batch)
	if errors.Is(err, streamlog.ErrWrongExpectedVersion) {
		return WriteCompletion{Result: WriteWrongExpectedVersion}, nil
	}
	if err != nil {
		return WriteCompletion{}, err
	}
	return WriteCompletion{Result: WriteSuccess, FirstEventNumber: res.FirstEventNumber}, nil
}

func (d *MemoryDispatcher) ReadStreamEventsBackward(ctx context.Context, streamID string, fromEventNumber int64, maxCount int) (ReadBackwardCompletion, error) {
	last := d.log.LastEventNumber(streamID)
	if last == -1 {
		return ReadBackwardCompletion{IsEndOfStream: true, NextEventNumber: -1}, nil
	}
	from := fromEventNumber
	if from == -1 {
		from = last
	}
	if from > last {
		from = last
	}
	start := from - int64(maxCount) + 1
	if start < 0 {
		start = 0
	}
	events, err := d.log.ReadStream(streamID, start, int(from-start+1))
	if err != nil {
		return ReadBackwardCompletion{}, err
	}

	out := make([]InboundEvent, len(events))
	for i, e := range events {
		out[len(events)-1-i] = InboundEvent{
			EventNumber: e.EventNumber,
			EventType:   e.EventType,
			Data:        e.Data,
			Metadata:    e.Metadata,
		}
	}

	return ReadBackwardCompletion{
		Events:          out,
		NextEventNumber: start - 1,
		IsEndOfStream:   start == 0,
	}, nil
}
