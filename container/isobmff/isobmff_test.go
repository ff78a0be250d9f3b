package isobmff

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

func avcTrack() *track.OutputTrack {
	v := track.NewOutputTrack(track.Video, "avc", nil)
	v.Width = 320
	v.Height = 240
	v.DecoderConfig = []byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1, 0x00, 0x00, 0x01, 0x00, 0x00}
	return v
}

func aacTrack() *track.OutputTrack {
	a := track.NewOutputTrack(track.Audio, "aac", nil)
	a.SampleRate = 48000
	a.Channels = 2
	a.DecoderConfig = []byte{0x11, 0x90} // AAC-LC, 48kHz, stereo AudioSpecificConfig
	return a
}

func TestNonFragmentedMuxDemuxRoundTrip_Seekable(t *testing.T) {
	ctx := context.Background()
	video, audio := avcTrack(), aacTrack()

	buf := &bufferTarget{}
	m := NewMuxer(buf, []*track.OutputTrack{video, audio}, false, true)
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		typ := packet.Delta
		if i == 0 {
			typ = packet.Key
		}
		vp := packet.New([]byte{0xAA, 0xBB, byte(i)}, typ, float64(i)*(1.0/30), 1.0/30, int64(i), 3)
		if err := m.WritePacket(ctx, 0, vp); err != nil {
			t.Fatal(err)
		}
		ap := packet.New([]byte{0x11, 0x22, 0x33, byte(i)}, packet.Key, float64(i)*0.02, 0.02, int64(i), 4)
		if err := m.WritePacket(ctx, 1, ap); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	checkRoundTrip(t, ctx, buf.data, video, audio)
}

func TestNonFragmentedMuxDemuxRoundTrip_NonSeekable(t *testing.T) {
	ctx := context.Background()
	video, audio := avcTrack(), aacTrack()

	buf := &bufferTarget{}
	m := NewMuxer(buf, []*track.OutputTrack{video, audio}, false, false)
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		typ := packet.Delta
		if i == 0 {
			typ = packet.Key
		}
		vp := packet.New([]byte{0xAA, 0xBB, byte(i)}, typ, float64(i)*(1.0/30), 1.0/30, int64(i), 3)
		if err := m.WritePacket(ctx, 0, vp); err != nil {
			t.Fatal(err)
		}
		ap := packet.New([]byte{0x11, 0x22, 0x33, byte(i)}, packet.Key, float64(i)*0.02, 0.02, int64(i), 4)
		if err := m.WritePacket(ctx, 1, ap); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Finalize(ctx); err != nil {
		t.Fatal(err)
	}

	checkRoundTrip(t, ctx, buf.data, video, audio)
}

func checkRoundTrip(t *testing.T, ctx context.Context, data []byte, video, audio *track.OutputTrack) {
	t.Helper()
	d, err := Open(ctx, &memorySource{data: data}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.MimeType() != "video/mp4" {
		t.Fatalf("MimeType() = %q", d.MimeType())
	}
	tracks := d.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("len(Tracks()) = %d, want 2", len(tracks))
	}
	if tracks[0].CodecTag != "avc" || tracks[0].Width != video.Width || tracks[0].Height != video.Height {
		t.Fatalf("video track = %+v", tracks[0])
	}
	if tracks[1].CodecTag != "aac" || tracks[1].SampleRate != audio.SampleRate || tracks[1].Channels != audio.Channels {
		t.Fatalf("audio track = %+v", tracks[1])
	}

	first, err := tracks[0].GetFirstPacket(ctx)
	if err != nil || first == nil {
		t.Fatalf("video GetFirstPacket() = %v, %v", first, err)
	}
	if !first.IsKeyFrame() {
		t.Fatalf("first video packet should be a key frame")
	}

	next, err := tracks[0].GetNextPacket(ctx, first)
	if err != nil || next == nil {
		t.Fatalf("video GetNextPacket() = %v, %v", next, err)
	}
	if next.IsKeyFrame() {
		t.Fatalf("second video packet should not be a key frame")
	}

	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dur <= 0 {
		t.Fatalf("ComputeDuration() = %v, want > 0", dur)
	}
}

func TestFragmentedMuxDemuxRoundTrip(t *testing.T) {
	ctx := context.Background()
	video, audio := avcTrack(), aacTrack()

	buf := &bufferTarget{}
	m := NewMuxer(buf, []*track.OutputTrack{video, audio}, true, false)
	if err := m.WriteHeader(ctx); err != nil {
		t.Fatal(err)
	}

	// Two GOPs of 3 video frames each, paired with one audio frame per
	// video frame; the fragment should cut right after both tracks have
	// queued a key frame for the second GOP.
	for gop := 0; gop < 2; gop++ {
		for i := 0; i < 3; i++ {
			typ := packet.Delta
			if i == 0 {
				typ = packet.Key
			}
			idx := int64(gop*3 + i)
			ts := float64(idx) * (1.0 / 30)
			vp := packet.New([]byte{0xAA, 0xBB, byte(idx)}, typ, ts, 1.0/30, idx, 3)
			if err := m.WritePacket(ctx, 0, vp); err != nil {
				t.Fatal(err)
			}
			ap := packet.New([]byte{0x11, 0x22, byte(idx)}, packet.Key, ts, 1.0/30, idx, 3)
			if err := m.WritePacket(ctx, 1, ap); err != nil {
				t.Fatal(err)
			}
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
	if len(tracks) != 2 {
		t.Fatalf("len(Tracks()) = %d, want 2", len(tracks))
	}

	first, err := tracks[0].GetFirstPacket(ctx)
	if err != nil || first == nil {
		t.Fatalf("GetFirstPacket() = %v, %v", first, err)
	}

	p, err := tracks[0].GetPacket(ctx, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatalf("GetPacket(0.1) = nil, want a sample from the second fragment")
	}

	dur, err := d.ComputeDuration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dur <= 0 {
		t.Fatalf("ComputeDuration() = %v, want > 0", dur)
	}
}

func TestOpusDOpsRoundTrip(t *testing.T) {
	const preSkip = 312
	idHeader := []byte("OpusHead")
	idHeader = append(idHeader, 1) // version
	idHeader = append(idHeader, 2) // channel count
	idHeader = append(idHeader, byte(preSkip), byte(preSkip>>8))
	idHeader = append(idHeader, byte(48000), byte(48000>>8), byte(48000>>16), byte(48000>>24))
	idHeader = append(idHeader, 0, 0) // output gain
	idHeader = append(idHeader, 0)    // channel mapping family

	dOps := buildDOpsFromOpusHead(idHeader)
	if dOps == nil {
		t.Fatal("buildDOpsFromOpusHead returned nil")
	}
	back := buildOpusHeadFromDOps(dOps)
	if string(back) != string(idHeader) {
		t.Fatalf("OpusHead round trip mismatch:\n got  %x\n want %x", back, idHeader)
	}
}
