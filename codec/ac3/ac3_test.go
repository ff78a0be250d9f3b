package ac3

import "testing"

func buildHeader(fscod, frmsizecod, bsid, acmod uint8) []byte {
	data := make([]byte, 8)
	data[0] = 0x0b
	data[1] = 0x77
	data[2] = 0x00
	data[3] = 0x00
	data[4] = (fscod << 6) | (frmsizecod & 0x3f)
	data[5] = bsid << 3
	data[6] = acmod << 5
	return data
}

func TestParseSyncFrameHeaderBasic(t *testing.T) {
	// fscod=0 (48kHz), frmsizecod=0, bsid=8, acmod=2 (stereo)
	data := buildHeader(0, 0, 8, 2)
	h, err := ParseSyncFrameHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.SampleRate != 48000 {
		t.Fatalf("SampleRate = %d, want 48000", h.SampleRate)
	}
	if h.FrameSize != 128 {
		t.Fatalf("FrameSize = %d, want 128", h.FrameSize)
	}
	if h.BitstreamID != 8 {
		t.Fatalf("BitstreamID = %d, want 8", h.BitstreamID)
	}
	if h.Channels != 2 {
		t.Fatalf("Channels = %d, want 2", h.Channels)
	}
}

func TestParseSyncFrameHeaderBadSync(t *testing.T) {
	data := buildHeader(0, 0, 8, 2)
	data[0] = 0x00
	if _, err := ParseSyncFrameHeader(data); err == nil {
		t.Fatal("expected error for missing sync word")
	}
}

func TestParseSyncFrameHeaderReservedFscod(t *testing.T) {
	data := buildHeader(3, 0, 8, 2)
	if _, err := ParseSyncFrameHeader(data); err == nil {
		t.Fatal("expected error for reserved fscod")
	}
}

func TestParseSyncFrameHeaderTooShort(t *testing.T) {
	if _, err := ParseSyncFrameHeader([]byte{0x0b, 0x77}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestFrameSize441OddPadding(t *testing.T) {
	// fscod=1 (44.1kHz), frmsizecod=1 (odd -> padded)
	data := buildHeader(1, 1, 8, 1)
	h, err := ParseSyncFrameHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.FrameSize != 69*2+2 {
		t.Fatalf("FrameSize = %d, want %d", h.FrameSize, 69*2+2)
	}
}
