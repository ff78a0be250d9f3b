// Package avc extracts AVC (H.264) parameter sets from NAL units and
// assembles/serializes the decoder-configuration record ISO/IEC 14496-15
// §5.3.3.1 describes (spec §4.3).
package avc

import (
	"fmt"

	"github.com/avpack/avpack/bitreader"
)

// NAL unit types relevant to parameter-set extraction and key-frame detection.
const (
	NALTypeSliceNonIDR = 1
	NALTypeSliceIDR    = 5 // key frame
	NALTypeSEI         = 6
	NALTypeSPS         = 7
	NALTypePPS         = 8
	NALTypeSPSExt      = 13
)

// NALUnit is one NAL unit's type and RBSP-ready payload (emulation
// prevention already stripped from Payload).
type NALUnit struct {
	Type    int
	Payload []byte
}

// highProfiles lists the AVC High-profile family whose SPS
// carries chroma_format_idc/bit-depth deltas (§4.3).
var highProfiles = map[int]bool{100: true, 110: true, 122: true, 144: true}

// FindNALUnitsAnnexB scans Annex-B start-code-delimited data (0x000001 or
// 0x00000001 prefixes) and returns each NAL unit with emulation prevention
// stripped.
func FindNALUnitsAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	starts := findStartCodes(data)
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		body := data[s.pos+s.len : end]
		if len(body) == 0 {
			continue
		}
		units = append(units, NALUnit{
			Type:    int(body[0] & 0x1f),
			Payload: bitreader.StripEmulationPrevention(body[1:]),
		})
	}
	return units
}

type startCode struct {
	pos int
	len int
}

func findStartCodes(data []byte) []startCode {
	var out []startCode
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				// 4-byte start code 00 00 00 01: report starting at the preceding byte.
				out = append(out, startCode{pos: i - 1, len: 4})
			} else {
				out = append(out, startCode{pos: i, len: 3})
			}
		}
	}
	return out
}

// FindNALUnitsLengthPrefixed parses length-prefixed NAL units (the ISOBMFF
// `avcC` sample layout), where lengthSize is 1, 2, or 4 bytes.
func FindNALUnitsLengthPrefixed(data []byte, lengthSize int) ([]NALUnit, error) {
	var units []NALUnit
	pos := 0
	for pos+lengthSize <= len(data) {
		length := 0
		for i := 0; i < lengthSize; i++ {
			length = length<<8 | int(data[pos+i])
		}
		pos += lengthSize
		if pos+length > len(data) {
			return nil, fmt.Errorf("avc: length-prefixed NAL unit overruns buffer")
		}
		body := data[pos : pos+length]
		pos += length
		if len(body) == 0 {
			continue
		}
		units = append(units, NALUnit{
			Type:    int(body[0] & 0x1f),
			Payload: bitreader.StripEmulationPrevention(body[1:]),
		})
	}
	return units, nil
}

// AnnexBToLengthPrefixed converts Annex-B delimited data to length-prefixed
// form using the given length size, preserving each NAL unit's payload bytes
// exactly (§8 round-trip property).
func AnnexBToLengthPrefixed(data []byte, lengthSize int) []byte {
	raw := rawAnnexBUnits(data)
	out := make([]byte, 0, len(data))
	for _, u := range raw {
		n := len(u)
		buf := make([]byte, lengthSize)
		for i := 0; i < lengthSize; i++ {
			shift := 8 * (lengthSize - 1 - i)
			buf[i] = byte(n >> shift)
		}
		out = append(out, buf...)
		out = append(out, u...)
	}
	return out
}

// rawAnnexBUnits returns each NAL unit's raw bytes (including the header
// byte, emulation prevention NOT stripped) so byte-exact round-tripping is
// possible.
func rawAnnexBUnits(data []byte) [][]byte {
	starts := findStartCodes(data)
	var out [][]byte
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		body := data[s.pos+s.len : end]
		if len(body) > 0 {
			out = append(out, body)
		}
	}
	return out
}

// SPS is the subset of sequence-parameter-set fields avpack's codec-string
// and decoder-config logic needs.
type SPS struct {
	ProfileIDC       uint8
	ConstraintFlags  uint8
	LevelIDC         uint8
	ChromaFormatIDC  uint8 // only set for high profiles
	BitDepthLumaM8   uint8
	BitDepthChromaM8 uint8
}

// ParseSPS reads profile_idc, constraint_flags, level_idc, and — for
// profiles in {100,110,122,144} — chroma_format_idc and bit-depth deltas
// (§4.3).
func ParseSPS(rbsp []byte) (*SPS, error) {
	if len(rbsp) < 3 {
		return nil, fmt.Errorf("avc: SPS too short")
	}
	sps := &SPS{
		ProfileIDC:      rbsp[0],
		ConstraintFlags: rbsp[1],
		LevelIDC:        rbsp[2],
	}
	if !highProfiles[int(sps.ProfileIDC)] {
		return sps, nil
	}

	r := bitreader.New(rbsp[3:])
	if _, err := r.ReadExpGolomb(); err != nil { // seq_parameter_set_id
		return sps, nil //nolint: best-effort past this point
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
	bdLuma, err := r.ReadExpGolomb()
	if err != nil {
		return sps, nil
	}
	sps.BitDepthLumaM8 = uint8(bdLuma)
	bdChroma, err := r.ReadExpGolomb()
	if err != nil {
		return sps, nil
	}
	sps.BitDepthChromaM8 = uint8(bdChroma)
	return sps, nil
}

// CodecParameterString builds the canonical "avc1.PPCCLL" string (profile,
// constraint flags, level, each as 2 hex digits).
func (s *SPS) CodecParameterString() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// DecoderConfigurationRecord is ISO/IEC 14496-15 §5.3.3.1's AVCDecoderConfigurationRecord.
type DecoderConfigurationRecord struct {
	ConfigurationVersion  uint8
	ProfileIndication     uint8
	ProfileCompatibility  uint8
	LevelIndication       uint8
	LengthSizeMinusOne    uint8 // 3 when (re)built, per §4.3
	SPS                   [][]byte
	PPS                   [][]byte
	ChromaFormat          uint8
	BitDepthLumaMinus8    uint8
	BitDepthChromaMinus8  uint8
	SPSExt                [][]byte
	HasHighProfileFields  bool
}

// BuildDecoderConfigurationRecord assembles a record from one or more SPS/PPS
// NAL units found in data (Annex-B or length-prefixed, auto-detected by
// start-code sniffing).
func BuildDecoderConfigurationRecord(data []byte) (*DecoderConfigurationRecord, error) {
	units := FindNALUnitsAnnexB(data)
	if len(units) == 0 {
		var err error
		units, err = FindNALUnitsLengthPrefixed(data, 4)
		if err != nil || len(units) == 0 {
			return nil, fmt.Errorf("avc: no NAL units found")
		}
	}

	rec := &DecoderConfigurationRecord{ConfigurationVersion: 1, LengthSizeMinusOne: 3}
	var firstSPS *SPS
	for _, u := range units {
		switch u.Type {
		case NALTypeSPS:
			rec.SPS = append(rec.SPS, u.Payload)
			if firstSPS == nil {
				sps, err := ParseSPS(u.Payload)
				if err == nil {
					firstSPS = sps
				}
			}
		case NALTypePPS:
			rec.PPS = append(rec.PPS, u.Payload)
		case NALTypeSPSExt:
			rec.SPSExt = append(rec.SPSExt, u.Payload)
		}
	}
	if firstSPS == nil {
		return nil, fmt.Errorf("avc: no SPS found")
	}
	rec.ProfileIndication = firstSPS.ProfileIDC
	rec.ProfileCompatibility = firstSPS.ConstraintFlags
	rec.LevelIndication = firstSPS.LevelIDC
	if highProfiles[int(firstSPS.ProfileIDC)] {
		rec.HasHighProfileFields = true
		rec.ChromaFormat = firstSPS.ChromaFormatIDC
		rec.BitDepthLumaMinus8 = firstSPS.BitDepthLumaM8
		rec.BitDepthChromaMinus8 = firstSPS.BitDepthChromaM8
	}
	return rec, nil
}

// Serialize encodes the record per ISO/IEC 14496-15 §5.3.3.1.
func (rec *DecoderConfigurationRecord) Serialize() []byte {
	buf := []byte{
		rec.ConfigurationVersion,
		rec.ProfileIndication,
		rec.ProfileCompatibility,
		rec.LevelIndication,
		0xfc | rec.LengthSizeMinusOne,
		0xe0 | uint8(len(rec.SPS)),
	}
	for _, s := range rec.SPS {
		buf = append(buf, byte(len(s)>>8), byte(len(s)))
		buf = append(buf, s...)
	}
	buf = append(buf, byte(len(rec.PPS)))
	for _, p := range rec.PPS {
		buf = append(buf, byte(len(p)>>8), byte(len(p)))
		buf = append(buf, p...)
	}
	if rec.HasHighProfileFields {
		buf = append(buf, 0xfc|rec.ChromaFormat)
		buf = append(buf, 0xf8|rec.BitDepthLumaMinus8)
		buf = append(buf, 0xf8|rec.BitDepthChromaMinus8)
		buf = append(buf, byte(len(rec.SPSExt)))
		for _, e := range rec.SPSExt {
			buf = append(buf, byte(len(e)>>8), byte(len(e)))
			buf = append(buf, e...)
		}
	}
	return buf
}

// IsKeyFrame reports whether units contains an IDR slice NAL (§4.3 packet-type rule).
func IsKeyFrame(units []NALUnit) bool {
	for _, u := range units {
		if u.Type == NALTypeSliceIDR {
			return true
		}
	}
	return false
}
