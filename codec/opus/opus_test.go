package opus

import (
	"encoding/binary"
	"testing"
)

func buildIDHeader(channels uint8, family uint8) []byte {
	data := make([]byte, 19)
	copy(data, magicSignature)
	data[8] = 1 // version
	data[9] = channels
	binary.LittleEndian.PutUint16(data[10:12], 312) // pre-skip
	binary.LittleEndian.PutUint32(data[12:16], 48000)
	binary.LittleEndian.PutUint16(data[16:18], 0)
	data[18] = family
	if family != 0 {
		data = append(data, 1, 0) // stream_count, coupled_count
		for i := uint8(0); i < channels; i++ {
			data = append(data, i)
		}
	}
	return data
}

func TestParseIDHeaderFamilyZero(t *testing.T) {
	h, err := ParseIDHeader(buildIDHeader(2, 0))
	if err != nil {
		t.Fatal(err)
	}
	if h.ChannelCount != 2 {
		t.Fatalf("ChannelCount = %d, want 2", h.ChannelCount)
	}
	if h.PreSkip != 312 {
		t.Fatalf("PreSkip = %d, want 312", h.PreSkip)
	}
	if h.InputSampleRate != 48000 {
		t.Fatalf("InputSampleRate = %d, want 48000", h.InputSampleRate)
	}
	if h.ChannelMapping != nil {
		t.Fatal("ChannelMapping should be nil for family 0")
	}
}

func TestParseIDHeaderFamilyOne(t *testing.T) {
	h, err := ParseIDHeader(buildIDHeader(4, 1))
	if err != nil {
		t.Fatal(err)
	}
	if h.StreamCount != 1 {
		t.Fatalf("StreamCount = %d, want 1", h.StreamCount)
	}
	if len(h.ChannelMapping) != 4 {
		t.Fatalf("ChannelMapping len = %d, want 4", len(h.ChannelMapping))
	}
}

func TestParseIDHeaderBadMagic(t *testing.T) {
	data := buildIDHeader(2, 0)
	data[0] = 'X'
	if _, err := ParseIDHeader(data); err == nil {
		t.Fatal("expected error for bad magic signature")
	}
}

func TestParseIDHeaderTooShort(t *testing.T) {
	if _, err := ParseIDHeader([]byte("OpusHead")); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestOutputGainDB(t *testing.T) {
	h := &IDHeader{OutputGain: 256}
	if got := h.OutputGainDB(); got != 1.0 {
		t.Fatalf("OutputGainDB() = %v, want 1.0", got)
	}
}
