package streamlog

import "errors"

// ErrWrongExpectedVersion is returned when the expected version supplied to
// Append does not match the stream's actual state and the write cannot be
// reconciled as an idempotent retry.
var ErrWrongExpectedVersion = errors.New("streamlog: wrong expected version")

// ErrUnknownTransaction is returned by Write/Commit/Rollback for a
// transaction ID that was never started, or already resolved.
var ErrUnknownTransaction = errors.New("streamlog: unknown transaction")

// ErrEmptyStreamID is returned when a stream ID is the empty string.
var ErrEmptyStreamID = errors.New("streamlog: empty stream id")
