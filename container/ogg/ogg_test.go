package ogg

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

// buildVorbisDecoderConfig reconstructs the three-header Xiph-laced blob a
// real Vorbis decoder would be handed, matching what splitVorbisExtradata
// expects to reverse.
func buildVorbisDecoderConfig(ident, comment, setup []byte) []byte {
	return buildVorbisExtradata([][]byte{ident, comment, setup})
}

func minimalVorbisIdentHeader(sampleRate, channels int) []byte {
	h := []byte("\x01vorbis")
	h = append(h, 0, 0, 0, 0)                       // vorbis_version
	h = append(h, byte(channels))                    // audio_channels
	h = append(h, le32(uint32(sampleRate))...)       // audio_sample_rate
	h = append(h, le32(0)...)                        // bitrate_maximum
	h = append(h, le32(0)...)                        // bitrate_nominal
	h = append(h, le32(0)...)                        // bitrate_minimum
	h = append(h, 0xB0) // blocksize_0/1 nibble + framing placeholder byte
	h = append(h, 1)    // framing bit
	return h
}

func TestVorbisMuxDemuxRoundTrip(t *testing.T) {
	ctx := context.Background()

	ident := minimalVorbisIdentHeader(44100, 2)
	comment := []byte("\x03vorbisnocomments")
	setup := []byte("\x05vorbissetupplaceholderbytes")
	cfg := buildVorbisDecoderConfig(ident, comment, setup)

	audio := track.NewOutputTrack(track.Audio, codecVorbis, nil)
	audio.SampleRate = 44100
	audio.Channels = 2
	audio.DecoderConfig = cfg

	buf := &bufferTarget{}
	m, err := NewMuxer(buf, []*track.OutputTrack{audio})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		p := packet.New([]byte{1, 2, 3, 4, 5, 6}, packet.Key, float64(i)*0.02, 0.02, int64(i), 6)
		if err := m.WritePacket(ctx, 0, p); err != nil {
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
	if d.MimeType() != "application/ogg" {
		t.Fatalf("MimeType() = %q", d.MimeType())
	}
	tracks := d.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("len(Tracks()) = %d, want 1", len(tracks))
	}
	tr := tracks[0]
	if tr.CodecTag != codecVorbis || tr.SampleRate != 44100 || tr.Channels != 2 {
		t.Fatalf("track = %+v", tr)
	}

	first, err := tr.GetFirstPacket(ctx)
	if err != nil || first == nil {
		t.Fatalf("GetFirstPacket() = %v, %v", first, err)
	}

	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dur <= 0 {
		t.Fatalf("ComputeDuration() = %v, want > 0", dur)
	}
}

func TestOpusMuxDemuxRoundTrip(t *testing.T) {
	ctx := context.Background()

	const preSkip = 312
	idHeader := []byte("OpusHead")
	idHeader = append(idHeader, 1)       // version
	idHeader = append(idHeader, 2)       // channel count
	idHeader = append(idHeader, byte(preSkip), byte(preSkip>>8))
	idHeader = append(idHeader, le32(48000)...) // input sample rate
	idHeader = append(idHeader, 0, 0)           // output gain
	idHeader = append(idHeader, 0)               // channel mapping family

	audio := track.NewOutputTrack(track.Audio, codecOpus, nil)
	audio.SampleRate = 48000
	audio.Channels = 2
	audio.DecoderConfig = idHeader

	buf := &bufferTarget{}
	m, err := NewMuxer(buf, []*track.OutputTrack{audio})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	// Three 20ms frames (960 samples each at 48kHz).
	for i := 0; i < 3; i++ {
		p := packet.New([]byte{9, 9, 9, 9}, packet.Key, float64(i)*0.02, 0.02, int64(i), 4)
		if err := m.WritePacket(ctx, 0, p); err != nil {
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
	tracks := d.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("len(Tracks()) = %d, want 1", len(tracks))
	}
	tr := tracks[0]
	if tr.CodecTag != codecOpus || tr.SampleRate != 48000 || tr.Channels != 2 {
		t.Fatalf("track = %+v", tr)
	}

	// The first audio packet's completed page overlaps the pre-skip region,
	// so a query at t=0 must resolve to a packet whose reported timestamp
	// is negative, near -preSkip/48000 (§4.6 Opus pre-skip scenario).
	p, err := tr.GetPacket(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("GetPacket(0) = nil, want a packet")
	}
	want := -float64(preSkip) / 48000.0
	if p.Timestamp() > 0 || p.Timestamp() < want-0.001 {
		t.Fatalf("GetPacket(0).Timestamp() = %v, want ~%v (negative)", p.Timestamp(), want)
	}

	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dur <= 0 {
		t.Fatalf("ComputeDuration() = %v, want > 0", dur)
	}
}

func TestSplitVorbisExtradataRoundTrip(t *testing.T) {
	ident := minimalVorbisIdentHeader(22050, 1)
	comment := []byte("\x03vorbishello")
	setup := []byte("\x05vorbissomeverylongsetupblobbytes")
	cfg := buildVorbisDecoderConfig(ident, comment, setup)

	headers, err := splitVorbisExtradata(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != 3 {
		t.Fatalf("len(headers) = %d, want 3", len(headers))
	}
	if string(headers[0]) != string(ident) || string(headers[1]) != string(comment) || string(headers[2]) != string(setup) {
		t.Fatalf("round-tripped headers do not match originals")
	}
}
