package packet

import "testing"

func TestNewClampsByteLength(t *testing.T) {
	p := New([]byte{1, 2, 3}, Key, 1.0, 0.5, 0, 0)
	if p.ByteLength() != 3 {
		t.Fatalf("ByteLength() = %d, want 3", p.ByteLength())
	}
	if p.IsMetadataOnly() {
		t.Fatalf("IsMetadataOnly() = true, want false")
	}
}

func TestMetadataOnly(t *testing.T) {
	p := NewMetadataOnly(Delta, 2.0, 0.1, 5, 128)
	if !p.IsMetadataOnly() {
		t.Fatalf("IsMetadataOnly() = false, want true")
	}
	if p.ByteLength() != 128 {
		t.Fatalf("ByteLength() = %d, want 128", p.ByteLength())
	}
	if p.Data() != nil {
		t.Fatalf("Data() = %v, want nil", p.Data())
	}
}

func TestNewPanicsOnNegativeDuration(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative duration")
		}
	}()
	New(nil, Key, 0, -1, 0, 0)
}

func TestContains(t *testing.T) {
	p := New([]byte{1}, Key, 1.0, 0.5, 0, 1)
	if !p.Contains(1.0) {
		t.Fatal("Contains(1.0) = false, want true")
	}
	if p.Contains(1.5) {
		t.Fatal("Contains(1.5) = true, want false")
	}
	if p.Contains(0.999) {
		t.Fatal("Contains(0.999) = true, want false")
	}
}

func TestEndTimestamp(t *testing.T) {
	p := New(nil, Delta, 2.0, 0.25, -1, 4)
	if got, want := p.EndTimestamp(), 2.25; got != want {
		t.Fatalf("EndTimestamp() = %v, want %v", got, want)
	}
	if p.SequenceNumber() >= 0 {
		t.Fatalf("SequenceNumber() = %d, want negative", p.SequenceNumber())
	}
}
