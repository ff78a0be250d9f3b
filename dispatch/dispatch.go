// Package dispatch sniffs a Source's container format and opens the
// matching demuxer (§4.9), and maps an output format name to a muxer
// constructor.
package dispatch

import (
	"bytes"
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/container/adts"
	"github.com/avpack/avpack/container/avi"
	"github.com/avpack/avpack/container/flac"
	"github.com/avpack/avpack/container/isobmff"
	"github.com/avpack/avpack/container/matroska"
	"github.com/avpack/avpack/container/mp3"
	"github.com/avpack/avpack/container/ogg"
	"github.com/avpack/avpack/container/wave"
	"github.com/avpack/avpack/track"
)

// Format names a container format this package knows how to sniff.
type Format int

const (
	Unknown Format = iota
	ISOBMFF
	QuickTime
	Matroska
	WebM
	Ogg
	MP3
	ADTS
	WAVE
	AVI
	FLAC
)

func (f Format) String() string {
	switch f {
	case ISOBMFF:
		return "isobmff"
	case QuickTime:
		return "quicktime"
	case Matroska:
		return "matroska"
	case WebM:
		return "webm"
	case Ogg:
		return "ogg"
	case MP3:
		return "mp3"
	case ADTS:
		return "adts"
	case WAVE:
		return "wave"
	case AVI:
		return "avi"
	case FLAC:
		return "flac"
	default:
		return "unknown"
	}
}

const sniffWindow = 64

// adtsSyncCount is how many consecutive ADTS frame headers canSniff requires
// before committing to the ADTS format, since a lone 0xFFF sync word is too
// weak a signal on its own (§4.9: "two matching ADTS frames").
const adtsSyncCount = 2

// Detect reads a small header window from source and identifies its
// container format, or Unknown if nothing recognized it.
func Detect(ctx context.Context, source byteio.Source) (Format, error) {
	reader := byteio.NewReader(source, sniffWindow*4)
	slice, err := reader.Slice(ctx, 0, sniffWindow)
	if err != nil {
		return Unknown, err
	}
	if slice == nil {
		return Unknown, nil
	}
	head := slice.Remaining()

	switch {
	case len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp")):
		if len(head) >= 12 && bytes.Equal(head[8:12], []byte("qt  ")) {
			return QuickTime, nil
		}
		return ISOBMFF, nil
	case len(head) >= 4 && bytes.Equal(head[0:4], ebmlHeaderMagic):
		return sniffEBMLDocType(head), nil
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return WAVE, nil
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("AVI ")):
		return AVI, nil
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("OggS")):
		return Ogg, nil
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("fLaC")):
		return FLAC, nil
	case len(head) >= 3 && bytes.Equal(head[0:3], []byte("ID3")):
		return MP3, nil
	case looksLikeADTS(head):
		return ADTS, nil
	case looksLikeMP3Frames(head):
		return MP3, nil
	default:
		return Unknown, nil
	}
}

var ebmlHeaderMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// sniffEBMLDocType distinguishes Matroska from WebM by searching the sniffed
// window for the bytes "webm" (the EBML header's DocType string); the DocType
// element (0x4282) itself is not parsed. Anything else is reported as Matroska.
func sniffEBMLDocType(head []byte) Format {
	if idx := bytes.Index(head, []byte("webm")); idx >= 0 {
		return WebM
	}
	return Matroska
}

// looksLikeADTS requires adtsSyncCount consecutive frame sync words
// (0xFFF with layer bits 00; the MPEG version and protection_absent bits
// are masked off) back to back, since a
// single sync word also appears inside arbitrary binary data.
func looksLikeADTS(head []byte) bool {
	pos := 0
	found := 0
	for pos+7 <= len(head) {
		if head[pos] != 0xFF || head[pos+1]&0xF6 != 0xF0 {
			break
		}
		frameLen := int(head[pos+3]&0x03)<<11 | int(head[pos+4])<<3 | int(head[pos+5]>>5)
		if frameLen < 7 {
			break
		}
		found++
		if found >= adtsSyncCount {
			return true
		}
		pos += frameLen
	}
	return false
}

// looksLikeMP3Frames checks for one MPEG audio frame sync word (11 set bits)
// at the start of the window, used when no ID3 tag precedes the stream. A
// second, following frame header is not checked.
func looksLikeMP3Frames(head []byte) bool {
	if len(head) < 4 || head[0] != 0xFF || head[1]&0xE0 != 0xE0 {
		return false
	}
	return true
}

// Open sniffs source and opens the matching demuxer.
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (track.Demuxer, error) {
	format, err := Detect(ctx, source)
	if err != nil {
		return nil, err
	}
	switch format {
	case ISOBMFF, QuickTime:
		return isobmff.Open(ctx, source, cacheBudget)
	case Matroska, WebM:
		return matroska.Open(ctx, source, cacheBudget)
	case Ogg:
		return ogg.Open(ctx, source, cacheBudget)
	case ADTS:
		return adts.Open(ctx, source, cacheBudget)
	case WAVE:
		return wave.Open(ctx, source, cacheBudget)
	case AVI:
		return avi.Open(ctx, source, cacheBudget)
	case FLAC:
		return flac.Open(ctx, source, cacheBudget)
	case MP3:
		return mp3.Open(ctx, source, cacheBudget)
	case Unknown:
		return nil, avperr.InvalidFormatf("dispatch.Open", "unrecognized container format")
	default:
		return nil, avperr.UnsupportedCodecf("dispatch.Open", "no demuxer registered for %s containers", format)
	}
}
