// Package opus parses the 19-byte Opus ID header (RFC 7845 §5.1) used to
// populate track codec-data: channel count, pre-skip, input sample rate,
// output gain, and channel mapping (§4.3).
package opus

import (
	"encoding/binary"
	"fmt"
)

const magicSignature = "OpusHead"

// IDHeader is the fixed-layout header carried in the first Opus packet.
type IDHeader struct {
	Version          uint8
	ChannelCount     uint8
	PreSkip          uint16
	InputSampleRate  uint32
	OutputGain       int16
	ChannelMapFamily uint8
	StreamCount      uint8 // only set when ChannelMapFamily != 0
	CoupledCount     uint8 // only set when ChannelMapFamily != 0
	ChannelMapping   []byte
}

// ParseIDHeader parses an "OpusHead" identification header per RFC 7845 §5.1.
func ParseIDHeader(data []byte) (*IDHeader, error) {
	if len(data) < 19 {
		return nil, fmt.Errorf("opus: ID header too short: %d bytes", len(data))
	}
	if string(data[:8]) != magicSignature {
		return nil, fmt.Errorf("opus: missing %q magic signature", magicSignature)
	}
	h := &IDHeader{
		Version:          data[8],
		ChannelCount:     data[9],
		PreSkip:          binary.LittleEndian.Uint16(data[10:12]),
		InputSampleRate:  binary.LittleEndian.Uint32(data[12:16]),
		OutputGain:       int16(binary.LittleEndian.Uint16(data[16:18])),
		ChannelMapFamily: data[18],
	}
	if h.Version>>4 != 0 {
		return nil, fmt.Errorf("opus: unsupported major version %d", h.Version>>4)
	}
	if h.ChannelMapFamily == 0 {
		return h, nil
	}
	if len(data) < 21+int(h.ChannelCount) {
		return nil, fmt.Errorf("opus: ID header truncated for channel mapping table")
	}
	h.StreamCount = data[19]
	h.CoupledCount = data[20]
	h.ChannelMapping = append([]byte(nil), data[21:21+int(h.ChannelCount)]...)
	return h, nil
}

// OutputGainDB converts OutputGain (Q7.8 fixed point dB) to a float.
func (h *IDHeader) OutputGainDB() float64 {
	return float64(h.OutputGain) / 256.0
}

// CodecParameterString builds the "opus" codec string; Opus has no
// profile/level component so this is constant, provided for symmetry with
// the other codec packages' API shape.
func (h *IDHeader) CodecParameterString() string {
	return "opus"
}
