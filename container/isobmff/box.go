// Package isobmff demuxes and muxes ISO base media file format containers
// (MP4/MOV, §4.4): box-tree walking, `moov`/`stbl` SampleTable construction,
// fragmented mode (`mvex`/`trex`/`moof`/`tfhd`/`tfdt`/`trun`), the `mfra`/
// `tfra` random-access lookup table, and the exclusive fragment-lookup
// protocol used to seek within a still-growing fragment list.
//
// Box header framing (32-bit size + fourcc, size==1 extended to a 64-bit
// size field, size==0 meaning "to end of file") follows ISO/IEC 14496-12
// §4.2; the general shape of walking a box tree with a byteio.Reader mirrors
// this repo's own Matroska/EBML element walker (container/matroska/demux.go)
// adapted to ISOBMFF's big-endian, non-self-describing box headers.
package isobmff

import (
	"context"

	"github.com/avpack/avpack/byteio"
)

const boxHeaderMinSize = 8 // size(4) + fourcc(4)

// box is one parsed box header: its fourcc, and the absolute byte range of
// its payload (excluding the header itself).
type box struct {
	fourcc      string
	bodyStart   uint64
	bodyEnd     uint64 // exclusive
	headerStart uint64
}

// readBoxHeader parses the box header at offset, returning ok=false if
// offset is at or past end, or the header doesn't fit.
func readBoxHeader(ctx context.Context, r *byteio.Reader, offset, end uint64) (box, bool, error) {
	if offset+boxHeaderMinSize > end {
		return box{}, false, nil
	}
	s, err := r.Slice(ctx, offset, 16)
	if err != nil {
		return box{}, false, err
	}
	if s == nil || s.Len() < boxHeaderMinSize {
		return box{}, false, nil
	}
	size64, _ := s.ReadU32BE()
	fourcc, _ := s.ReadASCII(4)
	headerLen := uint64(8)
	var bodyLen uint64
	switch size64 {
	case 0:
		bodyLen = end - offset - headerLen
	case 1:
		if s.Len() < 8 {
			return box{}, false, nil
		}
		ext, _ := s.ReadU64BE()
		headerLen = 16
		if ext < headerLen {
			return box{}, false, nil
		}
		bodyLen = ext - headerLen
	default:
		if uint64(size64) < headerLen {
			return box{}, false, nil
		}
		bodyLen = uint64(size64) - headerLen
	}
	bodyStart := offset + headerLen
	bodyEnd := bodyStart + bodyLen
	if bodyEnd > end {
		return box{}, false, nil
	}
	return box{fourcc: fourcc, bodyStart: bodyStart, bodyEnd: bodyEnd, headerStart: offset}, true, nil
}

// nextOffset is the absolute offset of whatever follows b.
func (b box) nextOffset() uint64 { return b.bodyEnd }

// forEachChild walks the boxes inside [start, end), calling fn for each.
// fn returning an error stops the walk and propagates it.
func forEachChild(ctx context.Context, r *byteio.Reader, start, end uint64, fn func(box) error) error {
	offset := start
	for offset < end {
		b, ok, err := readBoxHeader(ctx, r, offset, end)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(b); err != nil {
			return err
		}
		offset = b.nextOffset()
	}
	return nil
}

// readFullBoxHeader reads the version byte and 24-bit flags of a "full box"
// (version(1) + flags(3) preceding the rest of the payload), leaving the
// slice positioned after them.
func readFullBoxHeader(s *byteio.Slice) (version uint8, flags uint32, err error) {
	version, err = s.ReadU8()
	if err != nil {
		return 0, 0, err
	}
	flags, err = s.ReadU24BE()
	return version, flags, err
}
