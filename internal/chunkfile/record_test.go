package chunkfile

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	frame := EncodeRecord(payload)

	got, next, err := DecodeRecordAt(frame, 0)
	if err != nil {
		t.Fatalf("DecodeRecordAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
	if next != int64(len(frame)) {
		t.Fatalf("next = %d, want %d", next, len(frame))
	}
}

func TestDecodeRecordBeforeRoundTrip(t *testing.T) {
	a := EncodeRecord([]byte("first"))
	b := EncodeRecord([]byte("second"))
	data := append(append([]byte{}, a...), b...)

	got, start, err := DecodeRecordBefore(data, int64(len(data)))
	if err != nil {
		t.Fatalf("DecodeRecordBefore: %v", err)
	}
	if !bytes.Equal(got, []byte("second")) {
		t.Fatalf("payload = %q, want %q", got, "second")
	}
	if start != int64(len(a)) {
		t.Fatalf("start = %d, want %d", start, len(a))
	}

	got2, start2, err := DecodeRecordBefore(data, start)
	if err != nil {
		t.Fatalf("DecodeRecordBefore: %v", err)
	}
	if !bytes.Equal(got2, []byte("first")) {
		t.Fatalf("payload = %q, want %q", got2, "first")
	}
	if start2 != 0 {
		t.Fatalf("start2 = %d, want 0", start2)
	}
}

func TestDecodeRecordBeforeAtStartFails(t *testing.T) {
	if _, _, err := DecodeRecordBefore([]byte{}, 0); err != ErrNoPreviousRecord {
		t.Fatalf("err = %v, want ErrNoPreviousRecord", err)
	}
}

// TestDecodeRecordCorruptSize reproduces the shape of spec scenario S1:
// arbitrary bytes that don't form a valid frame must fail, not panic.
func TestDecodeRecordCorruptSize(t *testing.T) {
	garbage := []byte("this is just some test blahbydy blah")
	if _, _, err := DecodeRecordAt(garbage, 0); err == nil {
		t.Fatal("expected error decoding garbage bytes")
	}
}
