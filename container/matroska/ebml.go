// Package matroska demuxes and muxes Matroska/WebM, an EBML-based container
// (§4.5): SeekHead-accelerated Segment access, lazy cluster reads, laced and
// reference-backed blocks, and cue-based seeking.
package matroska

import (
	"math"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
)

// unknownSizeSentinel is the EBML "unknown size" sentinel: a VINT value whose bytes
// are all-ones after the length marker is removed.
const unknownSizeSentinel = ^uint64(0)

// readVInt reads a variable-length integer from s, per the EBML length-marker
// scheme (leading 1 bit position selects the encoded length, 1..8 bytes).
// When keepMarker is true (element IDs) the length-marker bit is kept in the
// returned value; otherwise it is masked out (element sizes and data ints).
func readVInt(s *byteio.Slice, keepMarker bool) (uint64, error) {
	first, err := s.ReadU8()
	if err != nil {
		return 0, err
	}
	if first == 0 {
		return 0, avperr.InvalidFormatf("matroska.readVInt", "invalid VINT: leading byte is 0")
	}
	length := 0
	mask := uint8(0x80)
	for length = 1; length <= 8; length++ {
		if first&mask != 0 {
			break
		}
		mask >>= 1
	}

	var value uint64
	if keepMarker {
		value = uint64(first)
	} else {
		value = uint64(first &^ mask)
	}
	allOnes := first&^mask == mask-1
	for i := 1; i < length; i++ {
		b, err := s.ReadU8()
		if err != nil {
			return 0, err
		}
		value = value<<8 | uint64(b)
		if b != 0xff {
			allOnes = false
		}
	}
	if !keepMarker && allOnes {
		return unknownSizeSentinel, nil
	}
	return value, nil
}

// elementHeader is a parsed EBML element ID + size pair, positioned at the
// start of the element's data.
type elementHeader struct {
	ID          uint64
	Size        uint64 // unknownSizeSentinel when the element has unknown size
	DataStart   uint64 // absolute offset of the first data byte
	HeaderBytes int    // bytes consumed by id+size
}

// readElementHeader reads one EBML element header from s, whose cursor must
// sit at an element boundary. s.AbsolutePos() before the call plus
// HeaderBytes equals DataStart.
func readElementHeader(s *byteio.Slice) (*elementHeader, error) {
	startPos := s.Pos()
	id, err := readVInt(s, true)
	if err != nil {
		return nil, err
	}
	size, err := readVInt(s, false)
	if err != nil {
		return nil, err
	}
	return &elementHeader{
		ID:          id,
		Size:        size,
		DataStart:   s.AbsolutePos(),
		HeaderBytes: s.Pos() - startPos,
	}, nil
}

// decodeUint interprets data as a big-endian unsigned integer (EBML uint element).
func decodeUint(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

// decodeInt interprets data as a big-endian two's-complement signed integer
// (EBML int element), sign-extending from the element's actual byte width.
func decodeInt(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	v := decodeUint(data)
	if data[0]&0x80 == 0 {
		return int64(v)
	}
	bits := uint(len(data)) * 8
	return int64(v) - (1 << bits)
}

// decodeFloat interprets data as a big-endian IEEE-754 float (4 or 8 bytes).
func decodeFloat(data []byte) float64 {
	switch len(data) {
	case 4:
		return float64(math.Float32frombits(uint32(decodeUint(data))))
	case 8:
		return math.Float64frombits(decodeUint(data))
	default:
		return 0
	}
}

// decodeString trims a single trailing NUL, matching EBML string padding.
func decodeString(data []byte) string {
	if len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return string(data)
}
