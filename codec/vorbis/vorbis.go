// Package vorbis reads Vorbis codec setup state needed for muxing and
// duration math (§4.3): the identification header's channel/rate/bitrate
// fields, and the setup header's mode table used to recover each packet's
// block size.
package vorbis

import (
	"encoding/binary"
	"fmt"

	"github.com/avpack/avpack/bitreader"
)

const (
	packetTypeIdentification = 1
	packetTypeComment        = 3
	packetTypeSetup          = 5
)

var vorbisSignature = []byte("vorbis")

func checkHeader(data []byte, packetType byte) ([]byte, error) {
	if len(data) < 7 || data[0] != packetType || string(data[1:7]) != string(vorbisSignature) {
		return nil, fmt.Errorf("vorbis: not a type-%d header packet", packetType)
	}
	return data[7:], nil
}

// IdentificationHeader is the decoded contents of the Vorbis identification
// header packet.
type IdentificationHeader struct {
	Channels       uint8
	SampleRate     uint32
	BitrateMaximum int32
	BitrateNominal int32
	BitrateMinimum int32
	BlockSize0     int // 2^blocksize_0
	BlockSize1     int // 2^blocksize_1
}

// ParseIdentificationHeader parses the type-1 Vorbis header packet.
func ParseIdentificationHeader(data []byte) (*IdentificationHeader, error) {
	body, err := checkHeader(data, packetTypeIdentification)
	if err != nil {
		return nil, err
	}
	if len(body) < 23 {
		return nil, fmt.Errorf("vorbis: identification header too short")
	}
	vorbisVersion := binary.LittleEndian.Uint32(body[0:4])
	if vorbisVersion != 0 {
		return nil, fmt.Errorf("vorbis: unsupported vorbis_version %d", vorbisVersion)
	}
	h := &IdentificationHeader{
		Channels:       body[4],
		SampleRate:     binary.LittleEndian.Uint32(body[5:9]),
		BitrateMaximum: int32(binary.LittleEndian.Uint32(body[9:13])),
		BitrateNominal: int32(binary.LittleEndian.Uint32(body[13:17])),
		BitrateMinimum: int32(binary.LittleEndian.Uint32(body[17:21])),
	}
	blockSizeByte := body[21]
	h.BlockSize0 = 1 << (blockSizeByte & 0x0f)
	h.BlockSize1 = 1 << (blockSizeByte >> 4)
	framingBit := body[22]
	if framingBit&0x01 == 0 {
		return nil, fmt.Errorf("vorbis: identification header framing bit not set")
	}
	return h, nil
}

// SetupHeader holds the per-mode block-size-flag table recovered from the
// type-5 setup packet, indexed by mode number.
type SetupHeader struct {
	ModeBlockFlag []bool
}

// ParseSetupHeaderModes extracts each mode's blockflag bit from the setup
// header. Each mode record is 1 (blockflag) + 16 (windowtype) +
// 16 (transformtype) + 8 (mapping) = 41 bits; avpack reads as many complete
// records as precede the trailing framing bit, covering the common
// single- and dual-mode (short/long block) layouts.
func ParseSetupHeaderModes(data []byte, channels uint8) (*SetupHeader, error) {
	body, err := checkHeader(data, packetTypeSetup)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("vorbis: empty setup header body")
	}
	last := body[len(body)-1]
	if last&0x80 == 0 {
		return nil, fmt.Errorf("vorbis: setup header framing bit not set")
	}

	r := bitreader.New(body)
	totalBits := len(body)*8 - 1 // exclude framing bit
	var flags []bool
	for r.BitPos()+41 <= totalBits {
		blockFlag, err := r.ReadBit()
		if err != nil {
			break
		}
		if err := r.SkipBits(40); err != nil {
			break
		}
		flags = append(flags, blockFlag)
	}
	if len(flags) == 0 {
		return nil, fmt.Errorf("vorbis: could not locate any mode records")
	}
	return &SetupHeader{ModeBlockFlag: flags}, nil
}

// BlockSize returns the block size in samples for the packet's mode,
// consulting the identification header's BlockSize0/BlockSize1 and the
// setup header's per-mode blockflag (§4.3).
func (s *SetupHeader) BlockSize(modeNumber int, ident *IdentificationHeader) (int, error) {
	if modeNumber < 0 || modeNumber >= len(s.ModeBlockFlag) {
		return 0, fmt.Errorf("vorbis: mode number %d out of range", modeNumber)
	}
	if s.ModeBlockFlag[modeNumber] {
		return ident.BlockSize1, nil
	}
	return ident.BlockSize0, nil
}

// CodecParameterString builds the constant "vorbis" codec string.
func (h *IdentificationHeader) CodecParameterString() string {
	return "vorbis"
}
