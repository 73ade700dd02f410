package proxy

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestMemoryBufferAppendGet(t *testing.T) {
	b := NewMemoryBuffer(4, time.Minute)
	ctx := context.Background()

	if b.Head() != -1 {
		t.Fatalf("empty buffer head = %d, want -1", b.Head())
	}

	for i := 0; i < 3; i++ {
		idx, err := b.Append(ctx, []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		if idx != int64(i) {
			t.Errorf("append %d returned idx %d", i, idx)
		}
	}

	for i := int64(0); i < 3; i++ {
		data, ok, err := b.Get(ctx, i)
		if err != nil || !ok {
			t.Fatalf("Get(%d) = %v, %v", i, ok, err)
		}
		if data[0] != byte(i) {
			t.Errorf("Get(%d) returned wrong chunk %v", i, data)
		}
	}
}

func TestMemoryBufferEvictsWhenLapped(t *testing.T) {
	b := NewMemoryBuffer(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.Append(ctx, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok, _ := b.Get(ctx, 0); ok {
		t.Error("lapped chunk still readable")
	}
	if data, ok, _ := b.Get(ctx, 4); !ok || data[0] != 4 {
		t.Error("newest chunk unreadable")
	}
}

func TestMemoryBufferTTL(t *testing.T) {
	b := NewMemoryBuffer(4, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := b.Append(ctx, []byte{1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, ok, _ := b.Get(ctx, 0); ok {
		t.Error("expired chunk still readable")
	}
}

func TestMemoryBufferFutureIndexMisses(t *testing.T) {
	b := NewMemoryBuffer(4, time.Minute)
	if _, ok, _ := b.Get(context.Background(), 7); ok {
		t.Error("unwritten index readable")
	}
}

func TestPacketAlignerCutsOnPacketBoundary(t *testing.T) {
	a := newPacketAligner(400) // rounds down to 376 = 2 packets

	if a.target != 2*tsPacketSize {
		t.Fatalf("aligner target = %d, want %d", a.target, 2*tsPacketSize)
	}

	in := make([]byte, 3*tsPacketSize)
	for i := range in {
		in[i] = byte(i % 251)
	}

	chunks := a.push(in)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if len(chunks[0]) != 2*tsPacketSize {
		t.Errorf("chunk size = %d, want %d", len(chunks[0]), 2*tsPacketSize)
	}
	if !bytes.Equal(chunks[0], in[:2*tsPacketSize]) {
		t.Error("chunk content diverged from input order")
	}

	tail := a.flush()
	if len(tail) != tsPacketSize {
		t.Errorf("flush returned %d bytes, want one whole packet", len(tail))
	}
	if !bytes.Equal(tail, in[2*tsPacketSize:]) {
		t.Error("flushed tail diverged from input")
	}
}

func TestPacketAlignerHoldsPartialPacket(t *testing.T) {
	a := newPacketAligner(tsPacketSize)

	if chunks := a.push(make([]byte, 100)); len(chunks) != 0 {
		t.Error("partial packet emitted as a chunk")
	}
	if tail := a.flush(); tail != nil {
		t.Error("flush emitted a torn packet")
	}
}

// The concatenation of everything a reader pulls, starting anywhere, is a
// contiguous byte-suffix of what the writer appended.
func TestBufferOrderingContiguous(t *testing.T) {
	b := NewMemoryBuffer(64, time.Minute)
	ctx := context.Background()

	var written bytes.Buffer
	for i := 0; i < 32; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 4)
		written.Write(chunk)
		if _, err := b.Append(ctx, chunk); err != nil {
			t.Fatal(err)
		}
	}

	var read bytes.Buffer
	start := int64(5)
	for idx := start; idx <= b.Head(); idx++ {
		data, ok, err := b.Get(ctx, idx)
		if err != nil || !ok {
			t.Fatalf("Get(%d) failed", idx)
		}
		read.Write(data)
	}

	if !bytes.HasSuffix(written.Bytes(), read.Bytes()) {
		t.Error("reader bytes are not a contiguous suffix of writer bytes")
	}
}
