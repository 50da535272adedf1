package streamlog

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"ledgerdb/internal/config"
	"ledgerdb/internal/tfdb"
)

func openTestDB(t *testing.T) *tfdb.DB {
	t.Helper()
	cfg := config.Config{Dir: t.TempDir(), ChunkSize: 64 * 1024}
	db, err := tfdb.Open(cfg, nil)
	if err != nil {
		t.Fatalf("tfdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendToNewStreamWithNoStream(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	res, err := sl.Append("orders-1", ExpectedNoStream, []Event{
		{EventID: uuid.New(), EventType: "OrderPlaced", Data: []byte("a")},
		{EventID: uuid.New(), EventType: "OrderPlaced", Data: []byte("b")},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.FirstEventNumber != 0 || res.LastEventNumber != 1 || res.IsIdempotent {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := sl.LastEventNumber("orders-1"); got != 1 {
		t.Fatalf("LastEventNumber = %d, want 1", got)
	}
}

func TestAppendNoStreamRejectsExistingStream(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, sl, "s", ExpectedNoStream, []Event{{EventID: uuid.New(), EventType: "E"}})

	_, err = sl.Append("s", ExpectedNoStream, []Event{{EventID: uuid.New(), EventType: "E"}})
	if !errors.Is(err, ErrWrongExpectedVersion) {
		t.Fatalf("Append = %v, want ErrWrongExpectedVersion", err)
	}
}

func TestAppendIdempotentRetrySameExpectedVersion(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	eventID := uuid.New()
	events := []Event{{EventID: eventID, EventType: "E", Data: []byte("x")}}

	first := mustAppend(t, sl, "s", ExpectedNoStream, events)
	second, err := sl.Append("s", ExpectedNoStream, events)
	if err != nil {
		t.Fatalf("Append retry: %v", err)
	}
	if !second.IsIdempotent {
		t.Fatal("expected retry to be detected as idempotent")
	}
	if second.FirstEventNumber != first.FirstEventNumber {
		t.Fatalf("idempotent retry returned different position: %+v vs %+v", second, first)
	}
	if got := sl.LastEventNumber("s"); got != 0 {
		t.Fatalf("LastEventNumber = %d, want 0 (no duplicate committed)", got)
	}

	// Retrying once more at NoStream (-1) also dedups.
	third, err := sl.Append("s", ExpectedVersion(-1), events)
	if err != nil {
		t.Fatalf("Append retry at NoStream again: %v", err)
	}
	if !third.IsIdempotent {
		t.Fatal("expected second retry to be idempotent")
	}
}

func TestAppendIdempotentRetryAtExplicitVersion(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, sl, "s", ExpectedNoStream, []Event{{EventID: uuid.New(), EventType: "E"}})

	retryID := uuid.New()
	first, err := sl.Append("s", ExpectedVersion(0), []Event{{EventID: retryID, EventType: "E2"}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.IsIdempotent {
		t.Fatal("first write at version 0 should not be idempotent")
	}

	retry, err := sl.Append("s", ExpectedVersion(0), []Event{{EventID: retryID, EventType: "E2"}})
	if err != nil {
		t.Fatalf("Append retry: %v", err)
	}
	if !retry.IsIdempotent || retry.FirstEventNumber != 1 {
		t.Fatalf("unexpected retry result: %+v", retry)
	}

	mismatched, err := sl.Append("s", ExpectedVersion(0), []Event{{EventID: uuid.New(), EventType: "Different"}})
	if !errors.Is(err, ErrWrongExpectedVersion) {
		t.Fatalf("Append with mismatched retry = %+v, %v, want ErrWrongExpectedVersion", mismatched, err)
	}
}

func TestAppendWrongExpectedVersionAheadOfStream(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = sl.Append("s", ExpectedVersion(5), []Event{{EventID: uuid.New(), EventType: "E"}})
	if !errors.Is(err, ErrWrongExpectedVersion) {
		t.Fatalf("Append = %v, want ErrWrongExpectedVersion", err)
	}
}

func TestAppendStreamExistsRequiresPriorEvents(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = sl.Append("s", ExpectedStreamExists, []Event{{EventID: uuid.New(), EventType: "E"}})
	if !errors.Is(err, ErrWrongExpectedVersion) {
		t.Fatalf("Append = %v, want ErrWrongExpectedVersion", err)
	}

	mustAppend(t, sl, "s", ExpectedNoStream, []Event{{EventID: uuid.New(), EventType: "E"}})
	res, err := sl.Append("s", ExpectedStreamExists, []Event{{EventID: uuid.New(), EventType: "E2"}})
	if err != nil {
		t.Fatalf("Append after stream exists: %v", err)
	}
	if res.FirstEventNumber != 1 {
		t.Fatalf("FirstEventNumber = %d, want 1", res.FirstEventNumber)
	}
}

func TestReadStreamReturnsCommittedEvents(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustAppend(t, sl, "s", ExpectedNoStream, []Event{
		{EventID: uuid.New(), EventType: "A", Data: []byte("1")},
		{EventID: uuid.New(), EventType: "B", Data: []byte("2")},
		{EventID: uuid.New(), EventType: "C", Data: []byte("3")},
	})

	events, err := sl.ReadStream("s", 0, 10)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, want := range []string{"A", "B", "C"} {
		if events[i].EventType != want || events[i].EventNumber != int64(i) {
			t.Errorf("events[%d] = %+v, want type %s number %d", i, events[i], want, i)
		}
	}
}

func TestTransactionCommitAppliesAllEventsAtomically(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn, err := sl.StartTransaction("s", ExpectedNoStream)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := sl.Write(txn, []Event{{EventID: uuid.New(), EventType: "A"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sl.Write(txn, []Event{{EventID: uuid.New(), EventType: "B"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := sl.LastEventNumber("s"); got != -1 {
		t.Fatalf("LastEventNumber before commit = %d, want -1 (nothing visible yet)", got)
	}

	res, err := sl.Commit(txn)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if res.FirstEventNumber != 0 || res.LastEventNumber != 1 {
		t.Fatalf("unexpected commit result: %+v", res)
	}

	if _, err := sl.Commit(txn); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("second Commit = %v, want ErrUnknownTransaction", err)
	}
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	sl, err := Open(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	txn, err := sl.StartTransaction("s", ExpectedNoStream)
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if err := sl.Write(txn, []Event{{EventID: uuid.New(), EventType: "A"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sl.Rollback(txn); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := sl.Write(txn, []Event{{EventID: uuid.New(), EventType: "A"}}); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("Write on rolled-back txn = %v, want ErrUnknownTransaction", err)
	}
	if got := sl.LastEventNumber("s"); got != -1 {
		t.Fatalf("LastEventNumber after rollback = %d, want -1", got)
	}
}

func TestReplayRebuildsStreamIndexAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Dir: dir, ChunkSize: 64 * 1024}

	db, err := tfdb.Open(cfg, nil)
	if err != nil {
		t.Fatalf("tfdb.Open: %v", err)
	}
	sl, err := Open(db, nil)
	if err != nil {
		t.Fatalf("streamlog.Open: %v", err)
	}
	mustAppend(t, sl, "s", ExpectedNoStream, []Event{
		{EventID: uuid.New(), EventType: "A", Data: []byte("x")},
		{EventID: uuid.New(), EventType: "B", Data: []byte("y")},
	})
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := tfdb.Open(cfg, nil)
	if err != nil {
		t.Fatalf("tfdb.Open (reopen): %v", err)
	}
	defer db2.Close()
	sl2, err := Open(db2, nil)
	if err != nil {
		t.Fatalf("streamlog.Open (reopen): %v", err)
	}
	if got := sl2.LastEventNumber("s"); got != 1 {
		t.Fatalf("LastEventNumber after reopen = %d, want 1", got)
	}
	events, err := sl2.ReadStream("s", 0, 10)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "A" || events[1].EventType != "B" {
		t.Fatalf("unexpected events after reopen: %+v", events)
	}
}

func mustAppend(t *testing.T, sl *StreamLog, streamID string, expected ExpectedVersion, events []Event) AppendResult {
	t.Helper()
	res, err := sl.Append(streamID, expected, events)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return res
}
