package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"ledgerdb/internal/logging"
)

// State is one node of the EmittedStream state machine.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateRecovering
	StateWriting
	StateCheckpointRequested
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateRecovering:
		return "Recovering"
	case StateWriting:
		return "Writing"
	case StateCheckpointRequested:
		return "CheckpointRequested"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

var (
	// ErrInvalidOperation is InvalidOperation in the spec's error taxonomy:
	// a state-machine or projection-determinism violation.
	ErrInvalidOperation = errors.New("emitter: invalid operation")

	// ErrRestartRequested signals a concurrency violation: another writer
	// mutated the target stream. The supervisor must restart the
	// projection; the emitter does not retry locally.
	ErrRestartRequested = errors.New("emitter: restart requested")

	// ErrFailed signals that the emitter stopped hard because the target
	// stream belongs to a different projection.
	ErrFailed = errors.New("emitter: failed (cross-projection conflict)")
)

// EmitEvent is one event a caller wants to emit, before CheckpointTag and
// ProjectionVersion metadata are attached.
type EmitEvent struct {
	EventID   uuid.UUID
	EventType string
	Data      []byte
	Extra     map[string]string
}

type reconciledEvent struct {
	tag         CheckpointTag
	eventType   string
	eventNumber int64
}

type pendingBatch struct {
	causedByTag CheckpointTag
	expectedTag *CheckpointTag
	events      []EmitEvent
	onCommitted func(firstEventNumber int64)
}

// EmittedStream is a single-writer sink that emits derived events into one
// target stream with at-most-once semantics across restarts.
type EmittedStream struct {
	targetStream string
	projection   ProjectionVersion
	from         CheckpointTag
	read         ReadDispatcher
	write        WriteDispatcher
	logger       *slog.Logger
	maxRetries   int
	onRestart    func(reason string)
	onFailed     func(reason string)

	mu                  sync.Mutex
	state               State
	checkpointRequested bool
	pending             []*pendingBatch
	lastAcceptedTag     *CheckpointTag

	recoveryStarted bool
	recoveryDone    bool
	recoveryStack   []reconciledEvent

	lastSubmittedOrCommitted *CheckpointTag
	lastKnownEventNumber     int64 // -1 == NoStream, matching streamlog.ExpectedNoStream
}

// Option configures an EmittedStream at construction.
type Option func(*EmittedStream)

// WithLogger sets the structured logger used for state transitions and
// recovery progress.
func WithLogger(logger *slog.Logger) Option {
	return func(es *EmittedStream) { es.logger = logger }
}

// WithMaxRetries bounds how many times a batch is republished after a
// transient (*Timeout) write failure before it is treated as fatal.
func WithMaxRetries(n int) Option {
	return func(es *EmittedStream) { es.maxRetries = n }
}

// WithRestartHandler registers the supervisor callback invoked when the
// emitter detects a concurrency violation.
func WithRestartHandler(f func(reason string)) Option {
	return func(es *EmittedStream) { es.onRestart = f }
}

// WithFailedHandler registers the supervisor callback invoked when the
// emitter fails hard (cross-projection conflict or determinism violation).
func WithFailedHandler(f func(reason string)) Option {
	return func(es *EmittedStream) { es.onFailed = f }
}

// New constructs an EmittedStream targeting streamID. from is the
// CheckpointTag this projection starts reading its source from; the first
// emitEvents call's causedByTag must be >= from.
func New(streamID string, projection ProjectionVersion, from CheckpointTag, read ReadDispatcher, write WriteDispatcher, opts ...Option) *EmittedStream {
	es := &EmittedStream{
		targetStream:         streamID,
		projection:           projection,
		from:                 from,
		read:                 read,
		write:                write,
		logger:               logging.Discard(),
		maxRetries:           3,
		state:                StateCreated,
		lastKnownEventNumber: -1,
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

func (es *EmittedStream) State() State {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.state
}

// Start transitions Created -> Started. Valid only from Created.
func (es *EmittedStream) Start() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.state != StateCreated {
		return fmt.Errorf("%w: Start called in state %s", ErrInvalidOperation, es.state)
	}
	es.state = StateStarted
	es.logger.Debug("emitter: started", "stream", es.targetStream)
	return nil
}

// EmitEvents enqueues a batch of derived events caused by causedByTag. All
// events in the batch share causedByTag; expectedTag, if non-nil, must
// match the tag metadata of the last event this emitter submitted or
// committed or a RestartRequested is raised when the batch is processed.
// onCommitted, if non-nil, is invoked with the event number the batch
// ultimately occupies, whether via dedup or a fresh write.
func (es *EmittedStream) EmitEvents(causedByTag CheckpointTag, expectedTag *CheckpointTag, events []EmitEvent, onCommitted func(firstEventNumber int64)) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.state == StateDisposed {
		return fmt.Errorf("%w: EmitEvents called after Disposed", ErrInvalidOperation)
	}
	if es.checkpointRequested {
		return fmt.Errorf("%w: EmitEvents called with checkpoint pending", ErrInvalidOperation)
	}

	if es.lastAcceptedTag == nil {
		if causedByTag.Less(es.from) {
			return fmt.Errorf("%w: causedByTag %s precedes from %s", ErrInvalidOperation, causedByTag, es.from)
		}
	} else if !causedByTag.Greater(*es.lastAcceptedTag) {
		return fmt.Errorf("%w: causedByTag %s does not exceed last accepted %s", ErrInvalidOperation, causedByTag, *es.lastAcceptedTag)
	}

	tag := causedByTag
	es.lastAcceptedTag = &tag
	es.pending = append(es.pending, &pendingBatch{
		causedByTag: causedByTag,
		expectedTag: expectedTag,
		events:      events,
		onCommitted: onCommitted,
	})
	return nil
}

// Checkpoint marks that no further events will be emitted once the pending
// queue drains. Valid only when Started and not already requested.
func (es *EmittedStream) Checkpoint() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.state != StateStarted {
		return fmt.Errorf("%w: Checkpoint called in state %s", ErrInvalidOperation, es.state)
	}
	if es.checkpointRequested {
		return fmt.Errorf("%w: checkpoint already requested", ErrInvalidOperation)
	}
	es.checkpointRequested = true
	es.state = StateCheckpointRequested
	return nil
}

// Flush drains as much of the pending queue as it can: building the
// recovery dedup stack on first use, reconciling against it, then falling
// through to live writes once recovery completes. It processes batches in
// order and stops at the first error (fatal failures dispose the stream;
// transient ones leave the batch at the head of the queue for a later
// Flush).
func (es *EmittedStream) Flush(ctx context.Context) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.state == StateDisposed {
		return fmt.Errorf("%w: Flush called after Disposed", ErrInvalidOperation)
	}

	for len(es.pending) > 0 {
		b := es.pending[0]

		if !es.recoveryDone {
			es.state = StateRecovering
			if !es.recoveryStarted {
				if err := es.buildRecoveryStack(ctx, b.causedByTag); err != nil {
					return err
				}
				es.recoveryStarted = true
			}
			resolved, err := es.reconcile(b)
			if err != nil {
				return err
			}
			if resolved {
				es.pending = es.pending[1:]
				continue
			}
		}

		es.state = StateWriting
		if err := es.writeBatch(ctx, b); err != nil {
			return err
		}
		es.pending = es.pending[1:]
	}

	if es.checkpointRequested {
		es.state = StateDisposed
		es.logger.Debug("emitter: checkpoint drained, disposed", "stream", es.targetStream)
	} else {
		es.state = StateStarted
	}
	return nil
}

// buildRecoveryStack reads the target stream backwards from the tail,
// collecting events whose tag is >= upTo into recoveryStack (oldest
// first). It detects a cross-projection conflict on the newest event and
// fails hard in that case.
func (es *EmittedStream) buildRecoveryStack(ctx context.Context, upTo CheckpointTag) error {
	const pageSize = 32
	var stack []reconciledEvent
	fromEventNumber := int64(-1)
	seenAny := false

	for {
		comp, err := es.read.ReadStreamEventsBackward(ctx, es.targetStream, fromEventNumber, pageSize)
		if err != nil {
			return fmt.Errorf("emitter: recovery read: %w", err)
		}

		stop := false
		for _, ev := range comp.Events {
			tag, pv, derr := decodeMetadata(ev.Metadata)
			if derr != nil {
				es.state = StateDisposed
				return fmt.Errorf("%w: unparseable metadata on event %d: %v", ErrInvalidOperation, ev.EventNumber, derr)
			}
			if !seenAny {
				seenAny = true
				if pv.ProjectionID != "" && pv.ProjectionID != es.projection.ProjectionID {
					es.state = StateDisposed
					if es.onFailed != nil {
						es.onFailed("target stream owned by a different projection")
					}
					return ErrFailed
				}
				t := tag
				es.lastSubmittedOrCommitted = &t
				es.lastKnownEventNumber = ev.EventNumber
			}
			if tag.Less(upTo) {
				stop = true
				break
			}
			if es.projection.Owns(pv) {
				stack = append(stack, reconciledEvent{tag: tag, eventType: ev.EventType, eventNumber: ev.EventNumber})
			}
		}
		if stop || comp.IsEndOfStream {
			break
		}
		fromEventNumber = comp.NextEventNumber
	}

	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	es.recoveryStack = stack
	es.logger.Debug("emitter: recovery stack built", "stream", es.targetStream, "depth", len(stack))
	return nil
}

// reconcile attempts to dedup b against the recovery stack. It returns
// resolved=true when b was matched (or recovery otherwise decided b needs
// no write) and should be dropped from the queue without hitting the
// WriteDispatcher.
func (es *EmittedStream) reconcile(b *pendingBatch) (resolved bool, err error) {
	if len(es.recoveryStack) == 0 || b.causedByTag.Greater(es.recoveryStack[0].tag) {
		es.recoveryDone = true
		return false, nil
	}

	top := es.recoveryStack[0]
	if len(b.events) != 1 || b.events[0].EventType != top.eventType || !b.causedByTag.Equal(top.tag) {
		es.state = StateDisposed
		if es.onFailed != nil {
			es.onFailed("projection determinism violated during recovery")
		}
		return false, fmt.Errorf("%w: recovered event at tag %s does not match pending emit", ErrInvalidOperation, top.tag)
	}

	es.recoveryStack = es.recoveryStack[1:]
	t := top.tag
	es.lastSubmittedOrCommitted = &t
	es.lastKnownEventNumber = top.eventNumber
	if b.onCommitted != nil {
		b.onCommitted(top.eventNumber)
	}
	if len(es.recoveryStack) == 0 {
		es.recoveryDone = true
	}
	return true, nil
}

// writeBatch performs the concurrency-violation check, then writes b to
// the target stream, retrying on transient dispatcher timeouts up to
// maxRetries.
func (es *EmittedStream) writeBatch(ctx context.Context, b *pendingBatch) error {
	if b.expectedTag != nil {
		switch {
		case es.lastSubmittedOrCommitted == nil:
			es.state = StateDisposed
			es.requestRestart("expected prior event but stream has none")
			return ErrRestartRequested
		case !b.expectedTag.Equal(*es.lastSubmittedOrCommitted):
			es.state = StateDisposed
			es.requestRestart("expectedTag mismatch")
			return ErrRestartRequested
		}
	}

	outbound := make([]OutboundEvent, len(b.events))
	for i, e := range b.events {
		metadata, err := encodeMetadata(b.causedByTag, es.projection, e.Extra)
		if err != nil {
			return fmt.Errorf("emitter: encode metadata: %w", err)
		}
		outbound[i] = OutboundEvent{
			EventID:   e.EventID,
			EventType: e.EventType,
			Data:      e.Data,
			Metadata:  metadata,
		}
	}

	expectedVersion := es.lastKnownEventNumber
	attempts := 0
	for {
		completion, err := es.write.WriteEvents(ctx, es.targetStream, expectedVersion, outbound)
		if err != nil {
			return fmt.Errorf("emitter: write events: %w", err)
		}

		switch completion.Result {
		case WriteSuccess:
			first := completion.FirstEventNumber
			last := first + int64(len(b.events)) - 1
			tag := b.causedByTag
			es.lastSubmittedOrCommitted = &tag
			es.lastKnownEventNumber = last
			if b.onCommitted != nil {
				b.onCommitted(first)
			}
			return nil

		case WriteWrongExpectedVersion:
			es.state = StateDisposed
			es.requestRestart("WrongExpectedVersion from dispatcher")
			return ErrRestartRequested

		default:
			if !completion.Result.IsTimeout() {
				es.state = StateDisposed
				return fmt.Errorf("emitter: fatal write result %s", completion.Result)
			}
			attempts++
			if attempts > es.maxRetries {
				es.state = StateDisposed
				return fmt.Errorf("emitter: write retries exhausted after %s", completion.Result)
			}
			es.logger.Warn("emitter: retrying transient write failure", "result", completion.Result, "attempt", attempts)
		}
	}
}

func (es *EmittedStream) requestRestart(reason string) {
	es.logger.Warn("emitter: restart requested", "stream", es.targetStream, "reason", reason)
	if es.onRestart != nil {
		es.onRestart(reason)
	}
}
