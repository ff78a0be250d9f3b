// Package ac3 parses AC-3 (Dolby Digital) synchronization frame headers,
// supplementing the codec-data extractors for WAVE/AVI/Matroska tracks
// carrying AC-3 audio.
package ac3

import (
	"fmt"

	"github.com/avpack/avpack/bitreader"
)

const syncWord = 0x0b77

// frameSizeTable[fscod][frmsizecod/2] gives the word count (16-bit words)
// per frame, per ATSC A/52 Table 5.18.
var frameSizeTable = [3][19]int{
	{64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 448, 512, 576, 640, 768, 896, 1024, 1152},      // 48kHz
	{69, 87, 104, 121, 139, 174, 208, 243, 278, 348, 417, 487, 557, 626, 696, 835, 975, 1114, 1253},     // 44.1kHz
	{96, 120, 144, 168, 192, 240, 288, 336, 384, 480, 576, 672, 768, 960, 1152, 1344, 1536, 1728, 1920}, // 32kHz
}

var sampleRateTable = [3]int{48000, 44100, 32000}

var channelsByAcmod = [8]int{2, 1, 2, 3, 3, 4, 4, 5}

// SyncFrameHeader is the parsed BSI (bit stream information) header fields
// needed to size and identify AC-3 frames.
type SyncFrameHeader struct {
	SampleRate      int
	FrameSize       int // bytes
	BitstreamID     uint8
	AudioCodingMode uint8
	LFEChannel      bool
	Channels        int
}

// ParseSyncFrameHeader parses the AC-3 sync header (syncword through fscod
// and frmsizecod) plus the bsid/acmod/lfe fields immediately following it.
func ParseSyncFrameHeader(data []byte) (*SyncFrameHeader, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("ac3: need at least 8 bytes, got %d", len(data))
	}
	sync := uint16(data[0])<<8 | uint16(data[1])
	if sync != syncWord {
		return nil, fmt.Errorf("ac3: missing 0x0b77 sync word")
	}

	fscod := (data[4] >> 6) & 0x3
	if fscod == 3 {
		return nil, fmt.Errorf("ac3: reserved fscod value")
	}
	frmsizecod := data[4] & 0x3f
	if int(frmsizecod) >= len(frameSizeTable[fscod])*2 {
		return nil, fmt.Errorf("ac3: invalid frmsizecod %d", frmsizecod)
	}
	words := frameSizeTable[fscod][frmsizecod/2]
	frameSize := words * 2
	if fscod == 1 && frmsizecod%2 == 1 {
		frameSize += 2 // 44.1kHz odd codes carry one extra 16-bit word of padding
	}

	bitstreamID := (data[5] >> 3) & 0x1f

	r := bitreader.New(data[6:])
	acmodV, err := r.ReadBits(3)
	if err != nil {
		return nil, err
	}
	acmod := uint8(acmodV)

	if acmod == 0x2 { // dsurmod (2 ch modes carry a dual-surround indicator)
		if err := r.SkipBits(2); err != nil {
			return nil, err
		}
	}
	if acmod&0x1 != 0 && acmod != 0x1 { // 3 front channels: cmixlev
		if err := r.SkipBits(2); err != nil {
			return nil, err
		}
	}
	if acmod&0x4 != 0 { // surround channel present: surmixlev
		if err := r.SkipBits(2); err != nil {
			return nil, err
		}
	}
	lfe, err := r.ReadBit()
	if err != nil {
		return nil, err
	}

	return &SyncFrameHeader{
		SampleRate:      sampleRateTable[fscod],
		FrameSize:       frameSize,
		BitstreamID:     bitstreamID,
		AudioCodingMode: acmod,
		LFEChannel:      lfe,
		Channels:        channelsByAcmod[acmod],
	}, nil
}
