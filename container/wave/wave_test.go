package wave

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

func TestMuxDemuxRoundTripPCM(t *testing.T) {
	ctx := context.Background()
	out := track.NewOutputTrack(track.Audio, "pcm-s16", nil)
	out.SampleRate = 44100
	out.Channels = 2

	buf := &bufferTarget{}
	m, err := NewMuxer(buf, out, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}
	samples := make([]byte, 4*4096) // 4096 stereo 16-bit frames
	for i := range samples {
		samples[i] = byte(i)
	}
	p := packet.New(samples, packet.Key, 0, float64(4096)/44100, 0, len(samples))
	if err := m.WritePacket(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	d, err := Open(ctx, &memorySource{data: buf.data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	tracks := d.Tracks()
	if len(tracks) != 1 || tracks[0].SampleRate != 44100 || tracks[0].Channels != 2 {
		t.Fatalf("Tracks() = %+v", tracks)
	}
	if tracks[0].CodecTag != "pcm-s16" {
		t.Fatalf("CodecTag = %q", tracks[0].CodecTag)
	}
	first, err := tracks[0].GetFirstPacket(ctx)
	if err != nil || first == nil {
		t.Fatalf("GetFirstPacket() = %v, %v", first, err)
	}
	if len(first.Data()) != len(samples) {
		t.Fatalf("first packet length = %d, want %d", len(first.Data()), len(samples))
	}
}

func TestOpenRejectsMissingDataChunk(t *testing.T) {
	ctx := context.Background()
	data := append([]byte("RIFF\x00\x00\x00\x00WAVE"), []byte("fmt \x10\x00\x00\x00")...)
	data = append(data, make([]byte, 16)...)
	_, err := Open(ctx, &memorySource{data: data}, 0)
	if err == nil {
		t.Fatal("expected error for missing data chunk")
	}
}
