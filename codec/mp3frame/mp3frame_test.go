package mp3frame

import "testing"

func TestParseFrameHeaderMPEG1Layer3(t *testing.T) {
	// MPEG1, Layer3, no protection, bitrate idx 9 (128kbps), sample rate idx 0 (44100),
	// no padding, joint stereo.
	data := []byte{0xFF, 0xFB, 0x90, 0x64}
	h, err := ParseFrameHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Version != Version1 || h.Layer != Layer3 {
		t.Fatalf("version/layer = %d/%d, want MPEG1/Layer3", h.Version, h.Layer)
	}
	if h.SampleRate != 44100 {
		t.Fatalf("SampleRate = %d, want 44100", h.SampleRate)
	}
	if h.BitrateKbps != 128 {
		t.Fatalf("BitrateKbps = %d, want 128", h.BitrateKbps)
	}
	if h.Channels != 2 {
		t.Fatalf("Channels = %d, want 2", h.Channels)
	}
	wantLen := 144*128000/44100 + 0
	if h.FrameLength != wantLen {
		t.Fatalf("FrameLength = %d, want %d", h.FrameLength, wantLen)
	}
	if h.SamplesPerFrame() != 1152 {
		t.Fatalf("SamplesPerFrame() = %d, want 1152", h.SamplesPerFrame())
	}
}

func TestParseFrameHeaderBadSync(t *testing.T) {
	if _, err := ParseFrameHeader([]byte{0x00, 0xFB, 0x90, 0x64}); err == nil {
		t.Fatal("expected error for missing sync word")
	}
}

func TestParseFrameHeaderTooShort(t *testing.T) {
	if _, err := ParseFrameHeader([]byte{0xFF, 0xFB}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestParseFrameHeaderReservedLayer(t *testing.T) {
	data := []byte{0xFF, 0xE1, 0x90, 0x64}
	if _, err := ParseFrameHeader(data); err == nil {
		t.Fatal("expected error for reserved layer value")
	}
}

func TestParseFrameHeaderMono(t *testing.T) {
	// channel mode bits = 11 (mono)
	data := []byte{0xFF, 0xFB, 0x90, 0xC4}
	h, err := ParseFrameHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.Channels != 1 {
		t.Fatalf("Channels = %d, want 1", h.Channels)
	}
}
