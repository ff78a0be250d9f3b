// Package mp3frame parses MPEG audio frame headers (§4.3): sync word,
// version/layer, bitrate and sample-rate table lookups, and the
// frame_length formula, as used by the MP3 demuxer to walk frames and by
// Xing/Info VBR header detection.
package mp3frame

import "fmt"

// MPEG version IDs (2-bit field).
const (
	Version25 = 0
	Version2  = 2
	Version1  = 3
)

// Layer IDs (2-bit field).
const (
	Layer3 = 1
	Layer2 = 2
	Layer1 = 3
)

// bitrateTable[versionGroup][layer][index] in kbps; versionGroup 0 = MPEG1,
// 1 = MPEG2/2.5. index 0 is "free", 15 is invalid (both map to 0 here).
var bitrateTable = [2][3][16]int{
	// MPEG1
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0},    // Layer1
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},       // Layer2
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},        // Layer3
	},
	// MPEG2 / 2.5
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0}, // Layer1
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},      // Layer2
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},      // Layer3
	},
}

// sampleRateTable[version][index]; version: 0=MPEG2.5, 1=reserved, 2=MPEG2, 3=MPEG1.
var sampleRateTable = [4][3]int{
	{11025, 12000, 8000},  // MPEG2.5
	{0, 0, 0},             // reserved
	{22050, 24000, 16000}, // MPEG2
	{44100, 48000, 32000}, // MPEG1
}

var samplesPerFrameTable = map[[2]int]int{
	{Version1, Layer1}:  384,
	{Version1, Layer2}:  1152,
	{Version1, Layer3}:  1152,
	{Version2, Layer1}:  384,
	{Version2, Layer2}:  1152,
	{Version2, Layer3}:  576,
	{Version25, Layer1}: 384,
	{Version25, Layer2}: 1152,
	{Version25, Layer3}: 576,
}

// FrameHeader is a parsed MPEG audio frame header.
type FrameHeader struct {
	Version     uint8
	Layer       uint8
	Protection  bool
	BitrateKbps int
	SampleRate  int
	Padding     bool
	Channels    int // 1 or 2
	FrameLength int // bytes, including the header
}

// ParseFrameHeader parses a 4-byte MPEG audio frame header beginning with
// the 11-bit sync word 0xFFE (all 1s followed by the version field).
func ParseFrameHeader(data []byte) (*FrameHeader, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("mp3frame: need at least 4 bytes, got %d", len(data))
	}
	if data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return nil, fmt.Errorf("mp3frame: missing sync word at offset 0")
	}
	version := (data[1] >> 3) & 0x3
	layer := (data[1] >> 1) & 0x3
	if layer == 0 {
		return nil, fmt.Errorf("mp3frame: reserved layer value")
	}
	protection := data[1]&0x1 == 0

	bitrateIdx := (data[2] >> 4) & 0xf
	sampleRateIdx := (data[2] >> 2) & 0x3
	padding := (data[2]>>1)&0x1 == 1

	channelMode := (data[3] >> 6) & 0x3
	channels := 2
	if channelMode == 3 {
		channels = 1
	}

	if version == 1 {
		return nil, fmt.Errorf("mp3frame: reserved version value")
	}
	if sampleRateIdx == 3 {
		return nil, fmt.Errorf("mp3frame: reserved sample rate index")
	}
	sampleRate := sampleRateLookup(version, sampleRateIdx)
	if sampleRate == 0 {
		return nil, fmt.Errorf("mp3frame: invalid sample rate index %d for version %d", sampleRateIdx, version)
	}

	versionGroup := 0
	if version != Version1 {
		versionGroup = 1
	}
	layerIdx := layerToTableIndex(layer)
	bitrate := bitrateTable[versionGroup][layerIdx][bitrateIdx]
	if bitrate == 0 {
		return nil, fmt.Errorf("mp3frame: free or invalid bitrate index %d", bitrateIdx)
	}

	h := &FrameHeader{
		Version:     version,
		Layer:       layer,
		Protection:  protection,
		BitrateKbps: bitrate,
		SampleRate:  sampleRate,
		Padding:     padding,
		Channels:    channels,
	}
	h.FrameLength = frameLength(h)
	return h, nil
}

func layerToTableIndex(layer uint8) int {
	switch layer {
	case Layer1:
		return 0
	case Layer2:
		return 1
	default:
		return 2
	}
}

func sampleRateLookup(version, idx uint8) int {
	row := sampleRateTable[version]
	return row[idx]
}

// frameLength implements the standard frame_length formula, which differs
// between Layer I (32-sample slots) and Layers II/III (8-sample slots).
func frameLength(h *FrameHeader) int {
	bitrateBps := h.BitrateKbps * 1000
	padBytes := 0
	if h.Padding {
		padBytes = 1
	}
	if h.Layer == Layer1 {
		if h.Padding {
			padBytes = 4
		}
		return (12*bitrateBps/h.SampleRate)*4 + padBytes
	}
	return 144*bitrateBps/h.SampleRate + padBytes
}

// SamplesPerFrame returns the number of PCM samples per frame for the
// header's version/layer combination.
func (h *FrameHeader) SamplesPerFrame() int {
	return samplesPerFrameTable[[2]int{int(h.Version), int(h.Layer)}]
}
