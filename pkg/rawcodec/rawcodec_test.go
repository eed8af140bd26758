package rawcodec

import (
	"bytes"
	"testing"
)

func TestCompressDecompress(t *testing.T) {
	raw := bytes.Repeat([]byte(`{"id":"ABC","body":"hello"}`), 20)

	compressed := Compress(raw)
	if len(compressed) == 0 || len(compressed) >= len(raw) {
		t.Fatalf("expected a smaller payload, got %d bytes from %d", len(compressed), len(raw))
	}

	got, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("payload mismatch")
	}
}

func TestEmptyPayload(t *testing.T) {
	if Compress(nil) != nil {
		t.Errorf("expected nil for empty payload")
	}

	got, err := Decompress(nil)
	if err != nil || got != nil {
		t.Errorf("Decompress(nil) = %v, %v", got, err)
	}
}

func TestDecompressGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not zstd")); err == nil {
		t.Errorf("expected error")
	}
}
