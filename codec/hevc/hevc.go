// Package hevc extracts HEVC (H.265) parameter sets from NAL units and
// serializes the decoder-configuration record ISO/IEC 14496-15 §8.3.3.1
// describes (spec §4.3).
package hevc

import (
	"fmt"

	"github.com/avpack/avpack/bitreader"
)

// NAL unit types relevant to parameter-set extraction and key-frame detection.
const (
	NALTypeVPS      = 32
	NALTypeSPS      = 33
	NALTypePPS      = 34
	NALTypeBLAWLP   = 16 // first of the [16,23] key-frame range
	NALTypeCRAOrRSV = 23 // last of the [16,23] key-frame range
)

// NALUnit is one HEVC NAL unit: type = (byte[0]>>1)&0x3F (§4.3).
type NALUnit struct {
	Type    int
	Payload []byte
}

// FindNALUnits scans Annex-B start-code-delimited data and returns each NAL
// unit (2-byte HEVC NAL header skipped, emulation prevention stripped).
func FindNALUnits(data []byte) []NALUnit {
	var units []NALUnit
	for _, b := range splitAnnexB(data) {
		if len(b) < 2 {
			continue
		}
		units = append(units, NALUnit{
			Type:    int(b[0]>>1) & 0x3f,
			Payload: bitreader.StripEmulationPrevention(b[2:]),
		})
	}
	return units
}

func splitAnnexB(data []byte) [][]byte {
	var starts []int
	var lens []int
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				starts = append(starts, i-1)
				lens = append(lens, 4)
			} else {
				starts = append(starts, i)
				lens = append(lens, 3)
			}
		}
	}
	var out [][]byte
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		body := data[s+lens[i] : end]
		if len(body) > 0 {
			out = append(out, body)
		}
	}
	return out
}

// IsKeyFrame reports whether units contains any NAL whose type is in [16,23]
// (§4.3 packet-type rule).
func IsKeyFrame(units []NALUnit) bool {
	for _, u := range units {
		if u.Type >= NALTypeBLAWLP && u.Type <= NALTypeCRAOrRSV {
			return true
		}
	}
	return false
}

// ProfileTierLevel is the subset of profile_tier_level() fields needed for
// the codec parameter string.
type ProfileTierLevel struct {
	GeneralProfileSpace uint8
	GeneralTierFlag      bool
	GeneralProfileIDC   uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  uint64 // 48 bits
	GeneralLevelIDC     uint8
}

// SPS is the subset of sequence-parameter-set fields avpack needs.
type SPS struct {
	PTL                         ProfileTierLevel
	ChromaFormatIDC             uint8
	BitDepthLumaMinus8          uint8
	BitDepthChromaMinus8        uint8
	MaxSubLayersMinus1          uint8
	TemporalIDNestingFlag       bool
	MinSpatialSegmentationIDC   uint32
}

// parsePTL reads profile_tier_level() for the general layer only
// (sub-layer profile/level parsing is skipped: avpack only needs the
// top-level fields for the codec string).
func parsePTL(r *bitreader.Reader, maxSubLayersMinus1 uint8) (ProfileTierLevel, error) {
	var ptl ProfileTierLevel
	v, err := r.ReadBits(2)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralProfileSpace = uint8(v)
	tier, err := r.ReadBit()
	if err != nil {
		return ptl, err
	}
	ptl.GeneralTierFlag = tier
	profIDC, err := r.ReadBits(5)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralProfileIDC = uint8(profIDC)
	compat, err := r.ReadBits(32)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralProfileCompatibilityFlags = uint32(compat)
	// progressive_source/interlaced_source/non_packed/frame_only (4 bits) +
	// reserved 43 bits + one more bit = 48 bits total of constraint indicators.
	constraint, err := r.ReadBits(48)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralConstraintIndicatorFlags = constraint
	level, err := r.ReadBits(8)
	if err != nil {
		return ptl, err
	}
	ptl.GeneralLevelIDC = uint8(level)

	// Sub-layer profile/level present flags, skipped structurally but their
	// bits must still be consumed to keep the cursor correctly positioned.
	subProfilePresent := make([]bool, maxSubLayersMinus1)
	subLevelPresent := make([]bool, maxSubLayersMinus1)
	for i := range subProfilePresent {
		p, err := r.ReadBit()
		if err != nil {
			return ptl, err
		}
		subProfilePresent[i] = p
		l, err := r.ReadBit()
		if err != nil {
			return ptl, err
		}
		subLevelPresent[i] = l
	}
	if maxSubLayersMinus1 > 0 {
		for i := maxSubLayersMinus1; i < 8; i++ {
			if _, err := r.ReadBits(2); err != nil { // reserved_zero_2bits
				return ptl, err
			}
		}
	}
	for i := 0; i < int(maxSubLayersMinus1); i++ {
		if subProfilePresent[i] {
			if err := r.SkipBits(2 + 1 + 5 + 32 + 48); err != nil {
				return ptl, err
			}
		}
		if subLevelPresent[i] {
			if _, err := r.ReadBits(8); err != nil {
				return ptl, err
			}
		}
	}
	return ptl, nil
}

// ParseSPS parses max sub-layers, the temporal-id-nested flag,
// profile_tier_level, the conformance window, chroma format and bit depths.
// Parsing stops after bit_depth_chroma_minus8: scaling lists, ref-pic-sets
// and VUI are not read, so MinSpatialSegmentationIDC is always 0. An error
// is returned only if the first header fields cannot be read; once those are
// read, a later read failure returns the partially-filled SPS with a nil
// error.
func ParseSPS(rbsp []byte) (*SPS, error) {
	r := bitreader.New(rbsp)
	if _, err := r.ReadBits(4); err != nil { // sps_video_parameter_set_id
		return nil, err
	}
	maxSubLayersMinus1Bits, err := r.ReadBits(3)
	if err != nil {
		return nil, err
	}
	maxSubLayersMinus1 := uint8(maxSubLayersMinus1Bits)
	temporalIDNesting, err := r.ReadBit() // sps_temporal_id_nesting_flag
	if err != nil {
		return nil, err
	}

	ptl, err := parsePTL(r, maxSubLayersMinus1)
	sps := &SPS{PTL: ptl, MaxSubLayersMinus1: maxSubLayersMinus1, TemporalIDNestingFlag: temporalIDNesting}
	if err != nil {
		return sps, nil
	}

	if _, err := r.ReadExpGolomb(); err != nil { // sps_seq_parameter_set_id
		return sps, nil
	}
	chroma, err := r.ReadExpGolomb()
	if err != nil {
		return sps, nil
	}
	sps.ChromaFormatIDC = uint8(chroma)
	if chroma == 3 {
		if _, err := r.ReadBit(); err != nil { // separate_colour_plane_flag
			return sps, nil
		}
	}
	if _, err := r.ReadExpGolomb(); err != nil { // pic_width_in_luma_samples
		return sps, nil
	}
	if _, err := r.ReadExpGolomb(); err != nil { // pic_height_in_luma_samples
		return sps, nil
	}
	confWindow, err := r.ReadBit() // conformance_window_flag
	if err != nil {
		return sps, nil
	}
	if confWindow {
		for i := 0; i < 4; i++ {
			if _, err := r.ReadExpGolomb(); err != nil {
				return sps, nil
			}
		}
	}
	bdLuma, err := r.ReadExpGolomb()
	if err != nil {
		return sps, nil
	}
	sps.BitDepthLumaMinus8 = uint8(bdLuma)
	bdChroma, err := r.ReadExpGolomb()
	if err != nil {
		return sps, nil
	}
	sps.BitDepthChromaMinus8 = uint8(bdChroma)
	return sps, nil
}

// CodecParameterString builds "hev1.G.T.C.L" style string from the
// general profile space/idc/tier/level/constraint flags.
func (s *SPS) CodecParameterString() string {
	space := ""
	switch s.PTL.GeneralProfileSpace {
	case 1:
		space = "A"
	case 2:
		space = "B"
	case 3:
		space = "C"
	}
	tier := "L"
	if s.PTL.GeneralTierFlag {
		tier = "H"
	}
	return fmt.Sprintf("hev1.%s%d.%x.%s%d.%012X",
		space, s.PTL.GeneralProfileIDC,
		reverseBits32(s.PTL.GeneralProfileCompatibilityFlags),
		tier, s.PTL.GeneralLevelIDC,
		s.PTL.GeneralConstraintIndicatorFlags)
}

func reverseBits32(v uint32) uint32 {
	var r uint32
	for i := 0; i < 32; i++ {
		r = (r << 1) | (v & 1)
		v >>= 1
	}
	return r
}

// ParallelismType determines PPS's parallelismType field from
// tiles_enabled_flag/entropy_coding_sync_enabled_flag (§4.3): 1 = slices,
// 2 = tiles, 3 = WPP, 0 = mixed/unknown.
func ParallelismType(tilesEnabled, entropyCodingSync bool) int {
	switch {
	case tilesEnabled && entropyCodingSync:
		return 0
	case tilesEnabled:
		return 2
	case entropyCodingSync:
		return 3
	default:
		return 1
	}
}

// DecoderConfigurationRecord is ISO/IEC 14496-15 §8.3.3.1's HEVCDecoderConfigurationRecord.
type DecoderConfigurationRecord struct {
	ConfigurationVersion        uint8
	GeneralProfileSpace         uint8
	GeneralTierFlag             bool
	GeneralProfileIDC           uint8
	GeneralProfileCompatFlags   uint32
	GeneralConstraintFlags      uint64
	GeneralLevelIDC             uint8
	MinSpatialSegmentationIDC   uint16
	ParallelismType             uint8
	ChromaFormat                uint8
	BitDepthLumaMinus8          uint8
	BitDepthChromaMinus8        uint8
	NumTemporalLayers           uint8
	TemporalIDNested            bool
	LengthSizeMinusOne          uint8
	VPS, SPS, PPS               [][]byte
}

// Serialize encodes the record per ISO/IEC 14496-15 §8.3.3.1 (simplified
// array layout: one NALU array per parameter-set type, array_completeness=1).
func (rec *DecoderConfigurationRecord) Serialize() []byte {
	buf := []byte{rec.ConfigurationVersion}
	b1 := rec.GeneralProfileSpace << 6
	if rec.GeneralTierFlag {
		b1 |= 1 << 5
	}
	b1 |= rec.GeneralProfileIDC & 0x1f
	buf = append(buf, b1)
	buf = append(buf, byte(rec.GeneralProfileCompatFlags>>24), byte(rec.GeneralProfileCompatFlags>>16),
		byte(rec.GeneralProfileCompatFlags>>8), byte(rec.GeneralProfileCompatFlags))
	for i := 5; i >= 0; i-- {
		buf = append(buf, byte(rec.GeneralConstraintFlags>>(8*i)))
	}
	buf = append(buf, rec.GeneralLevelIDC)
	buf = append(buf, byte(0xf0|(rec.MinSpatialSegmentationIDC>>8)), byte(rec.MinSpatialSegmentationIDC))
	buf = append(buf, 0xfc|rec.ParallelismType)
	buf = append(buf, 0xfc|rec.ChromaFormat)
	buf = append(buf, 0xf8|rec.BitDepthLumaMinus8)
	buf = append(buf, 0xf8|rec.BitDepthChromaMinus8)
	buf = append(buf, 0, 0) // avgFrameRate
	constFrameRate := byte(0)
	nestedBit := byte(0)
	if rec.TemporalIDNested {
		nestedBit = 1
	}
	buf = append(buf, (constFrameRate<<6)|((rec.NumTemporalLayers&7)<<3)|(nestedBit<<2)|(rec.LengthSizeMinusOne&3))

	arrays := []struct {
		nalType uint8
		units   [][]byte
	}{
		{NALTypeVPS, rec.VPS},
		{NALTypeSPS, rec.SPS},
		{NALTypePPS, rec.PPS},
	}
	present := 0
	for _, a := range arrays {
		if len(a.units) > 0 {
			present++
		}
	}
	buf = append(buf, byte(present))
	for _, a := range arrays {
		if len(a.units) == 0 {
			continue
		}
		buf = append(buf, 0x80|a.nalType) // array_completeness=1, nal_unit_type
		buf = append(buf, byte(len(a.units)>>8), byte(len(a.units)))
		for _, u := range a.units {
			buf = append(buf, byte(len(u)>>8), byte(len(u)))
			buf = append(buf, u...)
		}
	}
	return buf
}

// BuildDecoderConfigurationRecord assembles a record from VPS/SPS/PPS NAL
// units found in Annex-B data.
func BuildDecoderConfigurationRecord(data []byte) (*DecoderConfigurationRecord, error) {
	units := FindNALUnits(data)
	rec := &DecoderConfigurationRecord{ConfigurationVersion: 1, LengthSizeMinusOne: 3}
	var firstSPS *SPS
	for _, u := range units {
		switch u.Type {
		case NALTypeVPS:
			rec.VPS = append(rec.VPS, u.Payload)
		case NALTypeSPS:
			rec.SPS = append(rec.SPS, u.Payload)
			if firstSPS == nil {
				if sps, err := ParseSPS(u.Payload); err == nil {
					firstSPS = sps
				}
			}
		case NALTypePPS:
			rec.PPS = append(rec.PPS, u.Payload)
		}
	}
	if firstSPS == nil {
		return nil, fmt.Errorf("hevc: no SPS found")
	}
	rec.GeneralProfileSpace = firstSPS.PTL.GeneralProfileSpace
	rec.GeneralTierFlag = firstSPS.PTL.GeneralTierFlag
	rec.GeneralProfileIDC = firstSPS.PTL.GeneralProfileIDC
	rec.GeneralProfileCompatFlags = firstSPS.PTL.GeneralProfileCompatibilityFlags
	rec.GeneralConstraintFlags = firstSPS.PTL.GeneralConstraintIndicatorFlags
	rec.GeneralLevelIDC = firstSPS.PTL.GeneralLevelIDC
	rec.ChromaFormat = firstSPS.ChromaFormatIDC
	rec.BitDepthLumaMinus8 = firstSPS.BitDepthLumaMinus8
	rec.BitDepthChromaMinus8 = firstSPS.BitDepthChromaMinus8
	rec.NumTemporalLayers = firstSPS.MaxSubLayersMinus1 + 1
	rec.TemporalIDNested = firstSPS.TemporalIDNestingFlag
	rec.MinSpatialSegmentationIDC = uint16(firstSPS.MinSpatialSegmentationIDC)
	return rec, nil
}
