package chunkfile

import "testing"

func TestChunkHeaderRoundTrip(t *testing.T) {
	h := NewChunkHeader(3, 10000)
	h.IsScavenged = true
	h.ChunkEndNumber = 5

	buf, err := h.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeHeader(buf[:])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.ChunkSize != h.ChunkSize || got.ChunkStartNumber != h.ChunkStartNumber ||
		got.ChunkEndNumber != h.ChunkEndNumber || got.IsScavenged != h.IsScavenged ||
		got.ChunkID != h.ChunkID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestChunkHeaderInvalidRange(t *testing.T) {
	h := NewChunkHeader(5, 10000)
	h.ChunkEndNumber = 4
	if _, err := h.Encode(); err != ErrInvalidChunkRange {
		t.Fatalf("Encode() = %v, want ErrInvalidChunkRange", err)
	}
}

func TestDecodeHeaderSignatureMismatch(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = 0x00
	if _, err := DecodeHeader(buf); err != ErrSignatureMismatch {
		t.Fatalf("DecodeHeader() = %v, want ErrSignatureMismatch", err)
	}
}

func TestChunkFooterRoundTrip(t *testing.T) {
	f := ChunkFooter{
		IsCompleted:      true,
		HasMap:           true,
		ActualDataSize:   1234,
		PhysicalDataSize: 1234,
		MapSize:          56,
	}
	f.Checksum = Checksum([]byte("header"), []byte("body"))

	buf := f.Encode()
	got, err := DecodeFooter(buf[:])
	if err != nil {
		t.Fatalf("DecodeFooter: %v", err)
	}
	if got != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestChecksumDetectsBodyChange(t *testing.T) {
	h := []byte("a-header")
	a := Checksum(h, []byte("body-one"))
	b := Checksum(h, []byte("body-two"))
	if a == b {
		t.Fatal("expected different checksums for different bodies")
	}
}
