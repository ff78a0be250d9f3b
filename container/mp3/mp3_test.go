package mp3

import (
	"context"
	"testing"

	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/track"
)

func newMuxTestTrack() *track.OutputTrack {
	out := track.NewOutputTrack(track.Audio, "mp3", nil)
	out.SampleRate = 44100
	out.Channels = 2
	return out
}

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

// buildFrame encodes one MPEG1 Layer3 44.1kHz stereo frame at 128kbps with a
// dummy payload, mirroring the shape the Xing placeholder frame in mux.go
// would itself parse back as.
func buildFrame(payload []byte) []byte {
	const bitrateKbps = 128
	frameLength := 144*bitrateKbps*1000/44100 + 0
	hdr := []byte{0xFF, 0xFB, (9 << 4) | (0 << 2), 0x00} // bitrate idx 9 = 128kbps, 44100, stereo
	frame := make([]byte, frameLength)
	copy(frame, hdr)
	copy(frame[len(hdr):], payload)
	return frame
}

func buildStream(n int) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, buildFrame([]byte{byte(i), byte(i + 1), byte(i + 2)})...)
	}
	return out
}

func TestOpenSkipsID3AndIndexesFrames(t *testing.T) {
	ctx := context.Background()
	id3 := append([]byte("ID3"), 4, 0, 0)
	id3 = append(id3, synchsafeEncode(4)...)
	id3 = append(id3, []byte("junk")...)

	data := append(id3, buildStream(3)...)
	d, err := Open(ctx, &memorySource{data: data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.MimeType() != "audio/mpeg" {
		t.Fatalf("MimeType() = %q", d.MimeType())
	}
	tracks := d.Tracks()
	if len(tracks) != 1 || tracks[0].SampleRate != 44100 || tracks[0].Channels != 2 {
		t.Fatalf("Tracks() = %+v", tracks)
	}
	if len(d.frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(d.frames))
	}
	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := 3 * 1152 / 44100.0
	if dur < want-0.001 || dur > want+0.001 {
		t.Fatalf("ComputeDuration() = %v, want ~%v", dur, want)
	}
}

func TestOpenSkipsXingFrame(t *testing.T) {
	ctx := context.Background()
	xingPayload := make([]byte, 200)
	copy(xingPayload[32:], []byte("Xing"))
	data := append(buildFrame(xingPayload), buildStream(2)...)

	d, err := Open(ctx, &memorySource{data: data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2 (Xing frame should be skipped)", len(d.frames))
	}
}

func TestMuxRoundTrip(t *testing.T) {
	ctx := context.Background()
	buf := &bufferTarget{}
	outTrack := newMuxTestTrack()
	m := NewMuxer(buf, outTrack)
	if err := m.WriteHeader(ctx, &Metadata{Title: "t", Artist: "a"}); err != nil {
		t.Fatal(err)
	}
	demux, err := Open(ctx, &memorySource{data: buildStream(3)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p, err := demux.track.Backing.GetFirstPacket(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for p != nil {
		if err := m.WritePacket(ctx, p); err != nil {
			t.Fatal(err)
		}
		p, err = demux.track.Backing.GetNextPacket(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	remuxed, err := Open(ctx, &memorySource{data: buf.data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remuxed.frames) != 3 {
		t.Fatalf("len(remuxed.frames) = %d, want 3 (Xing frame must be skipped on reopen)", len(remuxed.frames))
	}
}
