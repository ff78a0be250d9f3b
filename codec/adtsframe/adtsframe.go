// Package adtsframe parses ADTS (Audio Data Transport Stream) frame headers
// (§4.3): the 0xFFF sync word, AAC object type, sampling frequency index,
// channel configuration, and frame length, as used by the ADTS demuxer to
// walk frames and derive AudioSpecificConfig for muxing into ISOBMFF.
package adtsframe

import "fmt"

// samplingFrequencyTable maps the 4-bit sampling_frequency_index to Hz; index
// 15 is "explicit frequency" and not handled here, matching the profile of
// streams avpack demuxes.
var samplingFrequencyTable = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// FrameHeader is a parsed ADTS frame header.
type FrameHeader struct {
	MPEGVersion      uint8 // 0 = MPEG-4, 1 = MPEG-2
	ProtectionAbsent bool
	ObjectType       uint8 // profile + 1, per AudioSpecificConfig convention
	SampleRateIdx    uint8
	SampleRate       int
	ChannelConfig    uint8
	FrameLength      int // bytes, including the header
	HeaderLength     int // 7 bytes, or 9 with CRC
	NumberOfFrames   int // AAC frames in the ADTS frame (RDBs), rare to be >1
}

// ParseFrameHeader parses a fixed+variable ADTS header. It requires at least
// 7 bytes (the fixed header); callers needing the CRC must pass 9.
func ParseFrameHeader(data []byte) (*FrameHeader, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("adtsframe: need at least 7 bytes, got %d", len(data))
	}
	if data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return nil, fmt.Errorf("adtsframe: missing sync word")
	}
	mpegVersion := (data[1] >> 3) & 0x1
	layer := (data[1] >> 1) & 0x3
	if layer != 0 {
		return nil, fmt.Errorf("adtsframe: layer field must be 0, got %d", layer)
	}
	protectionAbsent := data[1]&0x1 == 1

	objectType := ((data[2] >> 6) & 0x3) + 1
	sampleRateIdx := (data[2] >> 2) & 0xf
	if sampleRateIdx >= 13 {
		return nil, fmt.Errorf("adtsframe: invalid sampling_frequency_index %d", sampleRateIdx)
	}
	channelConfigHi := data[2] & 0x1

	channelConfig := (channelConfigHi << 2) | ((data[3] >> 6) & 0x3)

	frameLength := (uint32(data[3]&0x3) << 11) | (uint32(data[4]) << 3) | (uint32(data[5]) >> 5)

	numberOfFrames := int(data[6]&0x3) + 1

	headerLength := 7
	if !protectionAbsent {
		headerLength = 9
	}
	if len(data) < headerLength {
		return nil, fmt.Errorf("adtsframe: need %d bytes for header with CRC, got %d", headerLength, len(data))
	}
	if int(frameLength) < headerLength {
		return nil, fmt.Errorf("adtsframe: frame_length %d shorter than header", frameLength)
	}

	return &FrameHeader{
		MPEGVersion:      mpegVersion,
		ProtectionAbsent: protectionAbsent,
		ObjectType:       objectType,
		SampleRateIdx:    sampleRateIdx,
		SampleRate:       samplingFrequencyTable[sampleRateIdx],
		ChannelConfig:    channelConfig,
		FrameLength:      int(frameLength),
		HeaderLength:     headerLength,
		NumberOfFrames:   numberOfFrames,
	}, nil
}

// AudioSpecificConfig builds the 2-byte MPEG-4 AudioSpecificConfig implied
// by the ADTS header's object type, sampling frequency index, and channel
// configuration, for embedding in an ISOBMFF esds box.
func (h *FrameHeader) AudioSpecificConfig() []byte {
	b0 := (h.ObjectType << 3) | ((h.SampleRateIdx >> 1) & 0x7)
	b1 := ((h.SampleRateIdx & 0x1) << 7) | (h.ChannelConfig << 3)
	return []byte{b0, b1}
}
