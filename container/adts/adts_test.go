package adts

import (
	"context"
	"testing"

	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/track"
)

type memorySource struct{ data []byte }

func (s *memorySource) GetSize(ctx context.Context) (uint64, error) { return uint64(len(s.data)), nil }
func (s *memorySource) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	return s.data[start:end], nil
}

func buildStream(n int) []byte {
	var out []byte
	payload := []byte{0xAA, 0xBB, 0xCC}
	frameLength := 7 + len(payload)
	for i := 0; i < n; i++ {
		out = append(out, encodeHeader(2, 3, 2, frameLength)...) // 48kHz stereo AAC-LC
		out = append(out, payload...)
	}
	return out
}

func TestOpenAndSeek(t *testing.T) {
	ctx := context.Background()
	data := buildStream(4)
	d, err := Open(ctx, &memorySource{data: data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.MimeType() != "audio/aac" {
		t.Fatalf("MimeType() = %q", d.MimeType())
	}
	tracks := d.Tracks()
	if len(tracks) != 1 || tracks[0].SampleRate != 48000 || tracks[0].Channels != 2 {
		t.Fatalf("Tracks() = %+v", tracks)
	}

	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantDur := 4 * 1024.0 / 48000.0
	if dur < wantDur-1e-9 || dur > wantDur+1e-9 {
		t.Fatalf("ComputeDuration() = %v, want %v", dur, wantDur)
	}

	first, err := tracks[0].GetFirstPacket(ctx)
	if err != nil || first == nil {
		t.Fatalf("GetFirstPacket() = %v, %v", first, err)
	}
	if !first.IsKeyFrame() {
		t.Fatal("expected key frame")
	}

	second, err := tracks[0].GetNextPacket(ctx, first)
	if err != nil || second == nil {
		t.Fatalf("GetNextPacket() = %v, %v", second, err)
	}
	wantSecondTS := 1024.0 / 48000.0
	if second.Timestamp() < wantSecondTS-1e-9 || second.Timestamp() > wantSecondTS+1e-9 {
		t.Fatalf("second.Timestamp() = %v, want %v", second.Timestamp(), wantSecondTS)
	}

	p, err := tracks[0].GetPacket(ctx, wantSecondTS+0.001)
	if err != nil || p == nil || p.SequenceNumber() != 1 {
		t.Fatalf("GetPacket() = %+v, %v", p, err)
	}
}

func TestMuxRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := &memorySource{data: buildStream(3)}
	d, err := Open(ctx, src, 0)
	if err != nil {
		t.Fatal(err)
	}
	in := d.Tracks()[0]

	out := track.NewOutputTrack(track.Audio, "aac", nil)
	out.SampleRate = in.SampleRate
	out.Channels = in.Channels
	out.DecoderConfig = in.DecoderConfig

	buf := newBufferTarget()
	m, err := NewMuxer(buf, out)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}
	p, err := in.GetFirstPacket(ctx)
	for p != nil {
		if err != nil {
			t.Fatal(err)
		}
		if err := m.WritePacket(ctx, p); err != nil {
			t.Fatal(err)
		}
		p, err = in.GetNextPacket(ctx, p)
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	remuxed, err := Open(ctx, &memorySource{data: buf.data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remuxed.frames) != 3 {
		t.Fatalf("remuxed frame count = %d, want 3", len(remuxed.frames))
	}
}

// bufferTarget is a minimal in-memory byteio.Target for this package's tests.
type bufferTarget struct{ data []byte }

func newBufferTarget() *bufferTarget { return &bufferTarget{} }

func (b *bufferTarget) Write(ctx context.Context, p []byte) error {
	b.data = append(b.data, p...)
	return nil
}
func (b *bufferTarget) Seek(ctx context.Context, pos int64) error { return nil }
func (b *bufferTarget) Flush(ctx context.Context) error           { return nil }

var _ byteio.Target = (*bufferTarget)(nil)
