package avi

import (
	"context"
	"testing"

	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

type memorySource struct{ data []byte }

func (s *memorySource) GetSize(ctx context.Context) (uint64, error) { return uint64(len(s.data)), nil }
func (s *memorySource) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	return s.data[start:end], nil
}

type bufferTarget struct {
	data   []byte
	cursor int
}

func (b *bufferTarget) Write(ctx context.Context, p []byte) error {
	if b.cursor == len(b.data) {
		b.data = append(b.data, p...)
	} else {
		copy(b.data[b.cursor:], p)
	}
	b.cursor += len(p)
	return nil
}
func (b *bufferTarget) Seek(ctx context.Context, pos int64) error { b.cursor = int(pos); return nil }
func (b *bufferTarget) Flush(ctx context.Context) error           { return nil }

var _ byteio.Target = (*bufferTarget)(nil)

func TestMuxDemuxRoundTrip(t *testing.T) {
	ctx := context.Background()

	video := track.NewOutputTrack(track.Video, "avc", nil)
	video.Width, video.Height = 320, 240
	video.FrameRateHint = 30

	audio := track.NewOutputTrack(track.Audio, "pcm-s16", nil)
	audio.SampleRate = 44100
	audio.Channels = 2

	buf := &bufferTarget{}
	m, err := NewMuxer(buf, []*track.OutputTrack{video, audio})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		vp := packet.New([]byte{1, 2, 3, 4}, packet.Key, float64(i)/30, 1.0/30, int64(i), 4)
		if err := m.WritePacket(ctx, 0, vp); err != nil {
			t.Fatal(err)
		}
		ap := packet.New([]byte{5, 6, 7, 8}, packet.Key, float64(i)/44100, 1.0/44100, int64(i), 4)
		if err := m.WritePacket(ctx, 1, ap); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	d, err := Open(ctx, &memorySource{data: buf.data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.MimeType() != "video/avi" {
		t.Fatalf("MimeType() = %q", d.MimeType())
	}
	tracks := d.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("len(Tracks()) = %d, want 2", len(tracks))
	}
	if tracks[0].Kind != track.Video || tracks[0].CodecTag != "avc" || tracks[0].Width != 320 {
		t.Fatalf("video track = %+v", tracks[0])
	}
	if tracks[1].Kind != track.Audio || tracks[1].CodecTag != "pcm-s16" || tracks[1].SampleRate != 44100 {
		t.Fatalf("audio track = %+v", tracks[1])
	}

	first, err := tracks[0].GetFirstPacket(ctx)
	if err != nil || first == nil {
		t.Fatalf("video GetFirstPacket() = %v, %v", first, err)
	}
	if !first.IsKeyFrame() {
		t.Fatal("expected first video packet to be a key frame")
	}
	if len(d.perTrack[0]) != 3 || len(d.perTrack[1]) != 3 {
		t.Fatalf("perTrack lengths = %d, %d, want 3, 3", len(d.perTrack[0]), len(d.perTrack[1]))
	}
}
