package matroska

import (
	"context"
	"testing"

	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

type memorySource struct{ data []byte }

func (s *memorySource) GetSize(ctx context.Context) (uint64, error) { return uint64(len(s.data)), nil }

func (s *memorySource) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	return s.data[start:end], nil
}

type memoryTarget struct {
	data   []byte
	cursor int64
}

func (t *memoryTarget) Write(ctx context.Context, p []byte) error {
	end := t.cursor + int64(len(p))
	if int64(len(t.data)) < end {
		grown := make([]byte, end)
		copy(grown, t.data)
		t.data = grown
	}
	copy(t.data[t.cursor:end], p)
	t.cursor = end
	return nil
}

func (t *memoryTarget) Seek(ctx context.Context, pos int64) error {
	t.cursor = pos
	return nil
}

func (t *memoryTarget) Flush(ctx context.Context) error { return nil }

func TestMuxDemuxRoundTrip(t *testing.T) {
	ctx := context.Background()
	target := &memoryTarget{}
	out := track.NewOutputTrack(track.Video, "vp9", nil)
	out.Width, out.Height = 640, 480

	m := NewMuxer(target, []*track.OutputTrack{out}, true)
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	p0 := packet.New([]byte("frame0"), packet.Key, 0.0, 0.04, -1, 6)
	p1 := packet.New([]byte("frame1"), packet.Delta, 0.04, 0.04, -1, 6)
	if err := m.WritePacket(ctx, 0, p0); err != nil {
		t.Fatal(err)
	}
	if err := m.WritePacket(ctx, 0, p1); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	d, err := Open(ctx, &memorySource{data: target.data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	tracks := d.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("Tracks() len = %d, want 1", len(tracks))
	}
	tr := tracks[0]
	if tr.Kind != track.Video || tr.CodecTag != "vp9" {
		t.Fatalf("track = %+v, want video/vp9", tr)
	}
	if tr.Width != 640 || tr.Height != 480 {
		t.Fatalf("dimensions = %dx%d, want 640x480", tr.Width, tr.Height)
	}

	first, err := tr.GetFirstPacket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || string(first.Data()) != "frame0" {
		t.Fatalf("GetFirstPacket() = %v, want frame0", first)
	}
	if !first.IsKeyFrame() {
		t.Fatal("first packet should be a key frame")
	}

	next, err := tr.GetNextPacket(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || string(next.Data()) != "frame1" {
		t.Fatalf("GetNextPacket() = %v, want frame1", next)
	}

	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dur <= 0 {
		t.Fatalf("ComputeDuration() = %v, want > 0", dur)
	}
}
