package buffer

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestGetReturnsFullLengthSlices(t *testing.T) {
	pool := NewBufferPool(1024)

	buf := pool.Get()
	if len(buf.B) != 1024 {
		t.Fatalf("expected 1024-byte slice, got %d", len(buf.B))
	}
	pool.Put(buf)

	// A recycled buffer must come back at full length too, or a future
	// io.CopyBuffer call would panic on a zero-length slice.
	again := pool.Get()
	if len(again.B) != 1024 {
		t.Fatalf("recycled slice has length %d, want 1024", len(again.B))
	}
	pool.Put(again)
}

func TestGetWorksWithCopyBuffer(t *testing.T) {
	pool := NewBufferPool(8)

	buf := pool.Get()
	defer pool.Put(buf)

	var out bytes.Buffer
	n, err := io.CopyBuffer(&out, strings.NewReader("segment payload"), buf.B)
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if n != int64(len("segment payload")) || out.String() != "segment payload" {
		t.Fatalf("copied %d bytes, got %q", n, out.String())
	}
}
