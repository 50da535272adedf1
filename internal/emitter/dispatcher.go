package emitter

import "context"

// WriteResult enumerates the outcomes WriteDispatcher can report for one
// WriteEvents call.
type WriteResult int

const (
	WriteSuccess WriteResult = iota
	WriteWrongExpectedVersion
	WritePrepareTimeout
	WriteForwardTimeout
	WriteCommitTimeout
)

func (r WriteResult) String() string {
	switch r {
	case WriteSuccess:
		return "Success"
	case WriteWrongExpectedVersion:
		return "WrongExpectedVersion"
	case WritePrepareTimeout:
		return "PrepareTimeout"
	case WriteForwardTimeout:
		return "ForwardTimeout"
	case WriteCommitTimeout:
		return "CommitTimeout"
	default:
		return "Unknown"
	}
}

// IsTimeout reports whether r is one of the transient *Timeout outcomes
// the emitter retries locally.
func (r WriteResult) IsTimeout() bool {
	switch r {
	case WritePrepareTimeout, WriteForwardTimeout, WriteCommitTimeout:
		return true
	default:
		return false
	}
}

// OutboundEvent is one event the emitter wants appended to the target
// stream.
type OutboundEvent struct {
	EventID   [16]byte
	EventType string
	Data      []byte
	Metadata  []byte
}

// WriteCompletion is what a WriteDispatcher reports back for one batch.
type WriteCompletion struct {
	Result           WriteResult
	FirstEventNumber int64
}

// WriteDispatcher abstracts the append path the emitter writes through. A
// real implementation forwards to streamlog.Append (or, across a cluster,
// a network RPC); the in-memory implementation in dispatcher_memory.go
// exists for tests.
type WriteDispatcher interface {
	WriteEvents(ctx context.Context, streamID string, expectedVersion int64, events []OutboundEvent) (WriteCompletion, error)
}

// InboundEvent is one event read back from the target stream.
type InboundEvent struct {
	EventNumber int64
	EventType   string
	Data        []byte
	Metadata    []byte
}

// ReadBackwardCompletion is what a ReadDispatcher reports for one
// ReadStreamEventsBackward call.
type ReadBackwardCompletion struct {
	Events          []InboundEvent
	NextEventNumber int64
	IsEndOfStream   bool
}

// ReadDispatcher abstracts the backward-read path the emitter uses during
// recovery-mode dedup. fromEventNumber == -1 means "from the tail".
type ReadDispatcher interface {
	ReadStreamEventsBackward(ctx context.Context, streamID string, fromEventNumber int64, maxCount int) (ReadBackwardCompletion, error)
}
