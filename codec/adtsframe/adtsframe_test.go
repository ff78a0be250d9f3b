package adtsframe

import "testing"

func buildHeader(objectType, sampleRateIdx, channelConfig uint8, frameLength uint32) []byte {
	data := make([]byte, 7)
	data[0] = 0xFF
	data[1] = 0xF1 // MPEG-4, layer 0, protection_absent = 1
	data[2] = ((objectType - 1) << 6) | (sampleRateIdx << 2) | ((channelConfig >> 2) & 0x1)
	data[3] = ((channelConfig & 0x3) << 6) | byte((frameLength>>11)&0x3)
	data[4] = byte((frameLength >> 3) & 0xFF)
	data[5] = byte((frameLength&0x7)<<5) | 0x1F
	data[6] = 0xFC
	return data
}

func TestParseFrameHeader(t *testing.T) {
	data := buildHeader(2, 4, 2, 100) // AAC-LC, 44100Hz, stereo
	h, err := ParseFrameHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if h.ObjectType != 2 {
		t.Fatalf("ObjectType = %d, want 2", h.ObjectType)
	}
	if h.SampleRate != 44100 {
		t.Fatalf("SampleRate = %d, want 44100", h.SampleRate)
	}
	if h.ChannelConfig != 2 {
		t.Fatalf("ChannelConfig = %d, want 2", h.ChannelConfig)
	}
	if h.FrameLength != 100 {
		t.Fatalf("FrameLength = %d, want 100", h.FrameLength)
	}
	if h.HeaderLength != 7 {
		t.Fatalf("HeaderLength = %d, want 7", h.HeaderLength)
	}
}

func TestParseFrameHeaderBadSync(t *testing.T) {
	data := buildHeader(2, 4, 2, 100)
	data[0] = 0x00
	if _, err := ParseFrameHeader(data); err == nil {
		t.Fatal("expected error for missing sync word")
	}
}

func TestParseFrameHeaderTooShort(t *testing.T) {
	if _, err := ParseFrameHeader([]byte{0xFF, 0xF1}); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestParseFrameHeaderInvalidSampleRate(t *testing.T) {
	data := buildHeader(2, 13, 2, 100)
	if _, err := ParseFrameHeader(data); err == nil {
		t.Fatal("expected error for invalid sampling_frequency_index")
	}
}

func TestAudioSpecificConfig(t *testing.T) {
	h := &FrameHeader{ObjectType: 2, SampleRateIdx: 4, ChannelConfig: 2}
	asc := h.AudioSpecificConfig()
	if len(asc) != 2 {
		t.Fatalf("len(asc) = %d, want 2", len(asc))
	}
	// objectType=2 (00010), sampleRateIdx=4 (0100), channelConfig=2 (0010)
	// byte0 = 00010 010 = 0x12, byte1 = 0 0010 000 = 0x10
	if asc[0] != 0x12 || asc[1] != 0x10 {
		t.Fatalf("asc = %02x %02x, want 12 10", asc[0], asc[1])
	}
}
