package byteio

import (
	"context"
	"testing"
)

// memSource is a minimal in-memory Source used only for tests here; the real
// in-memory back-end lives outside this module per spec §1.
type memSource struct {
	data  []byte
	reads int
}

func (m *memSource) GetSize(ctx context.Context) (uint64, error) {
	return uint64(len(m.data)), nil
}

func (m *memSource) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	m.reads++
	out := make([]byte, end-start)
	copy(out, m.data[start:end])
	return out, nil
}

func TestReaderCachesRanges(t *testing.T) {
	src := &memSource{data: make([]byte, 1024)}
	for i := range src.data {
		src.data[i] = byte(i)
	}
	r := NewReader(src, 0)
	ctx := context.Background()

	s1, err := r.Slice(ctx, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	if s1.Origin() != 10 {
		t.Fatalf("Origin() = %d, want 10", s1.Origin())
	}
	b, _ := s1.ReadU8()
	if b != 10 {
		t.Fatalf("ReadU8() = %d, want 10", b)
	}

	if _, err := r.Slice(ctx, 10, 16); err != nil {
		t.Fatal(err)
	}
	if src.reads != 1 {
		t.Fatalf("source fetched %d times, want 1 (second slice should hit cache)", src.reads)
	}
}

func TestReaderEvictsOverBudget(t *testing.T) {
	src := &memSource{data: make([]byte, 4096)}
	r := NewReader(src, 100) // tiny budget forces eviction

	ctx := context.Background()
	for i := uint64(0); i < 10; i++ {
		if _, err := r.Slice(ctx, i*100, 50); err != nil {
			t.Fatal(err)
		}
	}
	if r.used > r.budget {
		t.Fatalf("used=%d exceeds budget=%d", r.used, r.budget)
	}
}

func TestReaderOutOfRange(t *testing.T) {
	src := &memSource{data: make([]byte, 10)}
	r := NewReader(src, 0)
	s, err := r.Slice(context.Background(), 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	if s != nil {
		t.Fatalf("Slice() = %v, want nil", s)
	}
}

func TestReaderForget(t *testing.T) {
	src := &memSource{data: make([]byte, 100)}
	r := NewReader(src, 0)
	ctx := context.Background()
	if _, err := r.Slice(ctx, 0, 10); err != nil {
		t.Fatal(err)
	}
	r.Forget(0, 10)
	if _, err := r.Slice(ctx, 0, 10); err != nil {
		t.Fatal(err)
	}
	if src.reads != 2 {
		t.Fatalf("source fetched %d times, want 2 (forgotten range must refetch)", src.reads)
	}
}
