// Package vp9 reads the uncompressed header of the first packet of a VP9
// bitstream (§4.3): profile, frame type, sync code, bit depth, colour space,
// chroma subsampling, and picture size.
package vp9

import (
	"fmt"

	"github.com/avpack/avpack/bitreader"
	"github.com/avpack/avpack/xutil"
)

// UncompressedHeader is the subset of VP9's uncompressed_header() fields
// avpack extracts.
type UncompressedHeader struct {
	Profile           uint8
	ShowExistingFrame bool
	FrameType         uint8 // 0 = key frame
	BitDepth          uint8
	ColourSpace       xutil.ColourSpace
	SubsamplingX      uint8
	SubsamplingY      uint8
	Width, Height     int
}

// ParseUncompressedHeader reads the frame marker (must be 0b10), profile,
// show_existing_frame, frame_type (must be key=0), sync code (must equal
// 0x498342), bit depth, colour_space, subsampling, and width-1/height-1.
func ParseUncompressedHeader(data []byte) (*UncompressedHeader, error) {
	r := bitreader.New(data)
	marker, err := r.ReadBits(2)
	if err != nil {
		return nil, fmt.Errorf("vp9: short read for frame marker: %w", err)
	}
	if marker != 0b10 {
		return nil, fmt.Errorf("vp9: invalid frame marker %b, want 0b10", marker)
	}

	lo, err := r.ReadBit()
	if err != nil {
		return nil, err
	}
	hi, err := r.ReadBit()
	if err != nil {
		return nil, err
	}
	profile := (boolBit(hi) << 1) | boolBit(lo)
	if profile == 3 {
		if _, err := r.ReadBit(); err != nil { // reserved_zero
			return nil, err
		}
	}

	h := &UncompressedHeader{Profile: profile}

	showExisting, err := r.ReadBit()
	if err != nil {
		return nil, err
	}
	h.ShowExistingFrame = showExisting
	if showExisting {
		if _, err := r.ReadBits(3); err != nil { // frame_to_show_map_idx
			return nil, err
		}
		return h, nil
	}

	frameType, err := r.ReadBit()
	if err != nil {
		return nil, err
	}
	h.FrameType = boolBit(frameType)
	if h.FrameType != 0 {
		return nil, fmt.Errorf("vp9: frame_type %d is not a key frame", h.FrameType)
	}

	if _, err := r.ReadBit(); err != nil { // show_frame
		return nil, err
	}
	if _, err := r.ReadBit(); err != nil { // error_resilient_mode
		return nil, err
	}

	sync, err := r.ReadBits(24)
	if err != nil {
		return nil, err
	}
	if sync != 0x498342 {
		return nil, fmt.Errorf("vp9: invalid sync code 0x%06x, want 0x498342", sync)
	}

	if err := parseColorConfig(r, profile, h); err != nil {
		return nil, err
	}

	widthM1, err := r.ReadBits(16)
	if err != nil {
		return nil, err
	}
	heightM1, err := r.ReadBits(16)
	if err != nil {
		return nil, err
	}
	h.Width = int(widthM1) + 1
	h.Height = int(heightM1) + 1
	return h, nil
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func parseColorConfig(r *bitreader.Reader, profile uint8, h *UncompressedHeader) error {
	bitDepth := uint8(8)
	if profile >= 2 {
		ten, err := r.ReadBit()
		if err != nil {
			return err
		}
		if ten {
			bitDepth = 10
		} else {
			bitDepth = 12
		}
	}
	h.BitDepth = bitDepth

	cs, err := r.ReadBits(3)
	if err != nil {
		return err
	}
	h.ColourSpace = xutil.VP9ColourSpace(uint8(cs))

	if cs != 7 { // not SRGB
		if _, err := r.ReadBit(); err != nil { // color_range
			return err
		}
		if profile == 1 || profile == 3 {
			sx, err := r.ReadBit()
			if err != nil {
				return err
			}
			sy, err := r.ReadBit()
			if err != nil {
				return err
			}
			h.SubsamplingX = boolBit(sx)
			h.SubsamplingY = boolBit(sy)
			if _, err := r.ReadBit(); err != nil { // reserved_zero
				return err
			}
		} else {
			h.SubsamplingX, h.SubsamplingY = 1, 1
		}
	} else {
		if profile == 1 || profile == 3 {
			if _, err := r.ReadBit(); err != nil { // reserved_zero
				return err
			}
		}
	}
	return nil
}

// levelThresholds maps the VP9 level number to its maximum luma sample count
// per the VP9 bitstream spec's level definition table (picture size bound).
var levelThresholds = []struct {
	code       string // two-digit codec-string level code, e.g. "10" for level 1.0
	maxSamples int64
}{
	{"10", 36864}, {"11", 73728}, {"20", 122880}, {"21", 245760},
	{"30", 552960}, {"31", 983040}, {"40", 2228224}, {"41", 2228224},
	{"50", 8912896}, {"51", 8912896}, {"52", 8912896},
	{"60", 35651584}, {"61", 35651584}, {"62", 35651584},
}

// Level maps a picture size (width*height) to the smallest VP9 level code
// (as used in the "vp09.PP.LL.DD" codec string) that accommodates it.
func Level(width, height int) string {
	samples := int64(width) * int64(height)
	for _, t := range levelThresholds {
		if samples <= t.maxSamples {
			return t.code
		}
	}
	return "62"
}

// IsKeyFrame reports whether the header describes a key frame, from the
// frame_type bit that follows show_existing_frame (VP9 defines 0 as key).
func (h *UncompressedHeader) IsKeyFrame() bool {
	return !h.ShowExistingFrame && h.FrameType == 0
}

// CodecParameterString builds a "vp09.PP.LL.DD" style string.
func (h *UncompressedHeader) CodecParameterString() string {
	return fmt.Sprintf("vp09.%02d.%s.%02d", h.Profile, Level(h.Width, h.Height), h.BitDepth)
}
