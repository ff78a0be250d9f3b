package ogg

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/codec/opus"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

// pageFlushThreshold is the target page size named in §4.8: "subsequent
// pages target ~8 KiB each". A page flushes as soon as its buffered packets
// reach this size, or sooner when WriteHeader or Finalize forces it.
const pageFlushThreshold = 8 << 10

// outputStream is one logical bitstream under construction.
type outputStream struct {
	track       *track.OutputTrack
	serial      uint32
	sequence    uint32
	granuleRate int

	pending      [][]byte
	pendingBytes int
	granuleAccum int64 // Opus streams start this at pre_skip (§GLOSSARY)
}

// Muxer is an Ogg writer: one header page (or page group) per bitstream,
// then ~8 KiB data pages with a CRC32 checksum computed over each finished
// page and patched into its header before the page is written (§4.8).
type Muxer struct {
	target  byteio.Target
	streams []*outputStream
	mu      *concurrency.AsyncMutex
}

// NewMuxer builds a Muxer for the given output tracks, each becoming its
// own Ogg logical bitstream. Only the codecs the demuxer can also sniff
// (Vorbis, Opus, FLAC-in-Ogg) are supported, since header reconstruction is
// codec-specific.
func NewMuxer(target byteio.Target, tracks []*track.OutputTrack) (*Muxer, error) {
	m := &Muxer{target: target, mu: concurrency.NewAsyncMutex()}
	for i, t := range tracks {
		switch t.CodecTag {
		case codecVorbis, codecOpus, codecFLAC:
		default:
			return nil, avperr.Encodingf("ogg.NewMuxer", "unsupported codec tag %q for Ogg", t.CodecTag)
		}
		s := &outputStream{
			track:       t,
			serial:      uint32(i + 1), // sequential assignment; real encoders randomize to avoid collisions across concatenated streams
			granuleRate: t.SampleRate,
		}
		if t.CodecTag == codecOpus {
			s.granuleRate = 48000
			if id, err := opus.ParseIDHeader(t.DecoderConfig); err == nil {
				s.granuleAccum = int64(id.PreSkip)
			}
		}
		m.streams = append(m.streams, s)
	}
	return m, nil
}

// WriteHeader writes each bitstream's BOS page(s): the header packets the
// demuxer side expects to find (Vorbis: 3, reconstructed from the track's
// Xiph-laced DecoderConfig; Opus: the ID header plus a synthesized empty
// comment header; FLAC-in-Ogg: the wrapped STREAMINFO packet), one packet
// per page for simplicity.
func (m *Muxer) WriteHeader(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		for _, s := range m.streams {
			headers, err := headerPackets(s.track)
			if err != nil {
				return err
			}
			for i, h := range headers {
				headerType := byte(0)
				if i == 0 {
					headerType = headerBOS
				}
				if err := m.writePage(ctx, s, headerType, 0, [][]byte{h}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// headerPackets rebuilds the on-wire header packets for t's codec.
func headerPackets(t *track.OutputTrack) ([][]byte, error) {
	switch t.CodecTag {
	case codecVorbis:
		headers, err := splitVorbisExtradata(t.DecoderConfig)
		if err != nil {
			return nil, avperr.Encodingf("ogg.headerPackets", "vorbis: %v", err)
		}
		return headers, nil
	case codecOpus:
		if len(t.DecoderConfig) == 0 {
			return nil, avperr.Encodingf("ogg.headerPackets", "opus track missing ID header DecoderConfig")
		}
		comment := buildEmptyOpusComment()
		return [][]byte{append([]byte(nil), t.DecoderConfig...), comment}, nil
	case codecFLAC:
		if len(t.DecoderConfig) != 34 {
			return nil, avperr.Encodingf("ogg.headerPackets", "flac track DecoderConfig must be a 34-byte STREAMINFO body, got %d", len(t.DecoderConfig))
		}
		return [][]byte{buildFLACOggFirstPacket(t.DecoderConfig)}, nil
	default:
		return nil, avperr.Encodingf("ogg.headerPackets", "unsupported codec tag %q", t.CodecTag)
	}
}

// splitVorbisExtradata reverses buildVorbisExtradata: header_count-1, then
// that many Xiph-laced lengths, then the concatenated header bytes.
func splitVorbisExtradata(cfg []byte) ([][]byte, error) {
	if len(cfg) < 1 {
		return nil, avperr.Encodingf("ogg.splitVorbisExtradata", "empty DecoderConfig")
	}
	count := int(cfg[0]) + 1
	pos := 1
	lengths := make([]int, 0, count)
	for i := 0; i < count-1; i++ {
		n := 0
		for {
			if pos >= len(cfg) {
				return nil, avperr.Encodingf("ogg.splitVorbisExtradata", "truncated Xiph lacing")
			}
			b := cfg[pos]
			pos++
			n += int(b)
			if b < 255 {
				break
			}
		}
		lengths = append(lengths, n)
	}
	var headers [][]byte
	for _, n := range lengths {
		if pos+n > len(cfg) {
			return nil, avperr.Encodingf("ogg.splitVorbisExtradata", "truncated header bytes")
		}
		headers = append(headers, append([]byte(nil), cfg[pos:pos+n]...))
		pos += n
	}
	// The final header takes whatever bytes remain.
	headers = append(headers, append([]byte(nil), cfg[pos:]...))
	return headers, nil
}

// buildEmptyOpusComment synthesizes the minimal "OpusTags" comment header
// RFC 7845 §5.2 requires as the second Opus header packet, with an empty
// vendor string and no user comments.
func buildEmptyOpusComment() []byte {
	out := []byte("OpusTags")
	out = append(out, le32(0)...) // vendor string length
	out = append(out, le32(0)...) // user comment list length
	return out
}

// buildFLACOggFirstPacket wraps a raw 34-byte STREAMINFO body in the
// "\x7FFLAC" mapping's first-packet framing (§4.6 supplement), with
// numheaders=0 since this muxer emits no further metadata-block packets.
func buildFLACOggFirstPacket(streamInfo []byte) []byte {
	out := []byte{0x7F}
	out = append(out, []byte("FLAC")...)
	out = append(out, 1, 0) // major, minor
	out = append(out, 0, 0) // numheaders = 0, big-endian
	out = append(out, []byte("fLaC")...)
	out = append(out, 0x80, 0, 0, byte(len(streamInfo))) // isLast|STREAMINFO, 24-bit length
	out = append(out, streamInfo...)
	return out
}

// WritePacket buffers p onto track trackIndex's pending page, flushing a
// page once it reaches pageFlushThreshold bytes.
func (m *Muxer) WritePacket(ctx context.Context, trackIndex int, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		if trackIndex < 0 || trackIndex >= len(m.streams) {
			return avperr.Encodingf("ogg.Muxer.WritePacket", "track index %d out of range", trackIndex)
		}
		s := m.streams[trackIndex]
		s.pending = append(s.pending, p.Data())
		s.pendingBytes += len(p.Data())
		s.granuleAccum += int64(p.Duration()*float64(s.granuleRate) + 0.5)

		if s.pendingBytes >= pageFlushThreshold {
			if err := m.flush(ctx, s, 0, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Finalize flushes each bitstream's remaining buffered packets as its EOS
// page and flushes the target.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		for _, s := range m.streams {
			if err := m.flush(ctx, s, headerEOS, true); err != nil {
				return err
			}
		}
		return m.target.Flush(ctx)
	})
}

// flush writes s's buffered packets (if any, or forceEmpty for a trailing
// EOS page with nothing left to carry) as one page and resets the buffer.
func (m *Muxer) flush(ctx context.Context, s *outputStream, extraFlags byte, forceEmpty bool) error {
	if len(s.pending) == 0 && !forceEmpty {
		return nil
	}
	if err := m.writePage(ctx, s, extraFlags, s.granuleAccum, s.pending); err != nil {
		return err
	}
	s.pending = nil
	s.pendingBytes = 0
	return nil
}

// writePage builds one page's bytes in memory, computes its CRC32 with the
// checksum field zeroed, patches the result in, and writes it in a single
// call (§4.8: "placeholder checksum ... back-patched in").
func (m *Muxer) writePage(ctx context.Context, s *outputStream, headerType byte, granule int64, packets [][]byte) error {
	var segTable, body []byte
	for _, pkt := range packets {
		segTable = append(segTable, xiphLace(len(pkt))...)
		body = append(body, pkt...)
	}

	page := make([]byte, 0, pageHeaderFixed+len(segTable)+len(body))
	page = append(page, []byte(capturePattern)...)
	page = append(page, 0) // version
	page = append(page, headerType)
	page = append(page, le64(uint64(granule))...)
	page = append(page, le32(s.serial)...)
	page = append(page, le32(s.sequence)...)
	page = append(page, 0, 0, 0, 0) // checksum placeholder
	page = append(page, byte(len(segTable)))
	page = append(page, segTable...)
	page = append(page, body...)

	checksum := xutil.OggCRC32(page)
	page[22] = byte(checksum)
	page[23] = byte(checksum >> 8)
	page[24] = byte(checksum >> 16)
	page[25] = byte(checksum >> 24)

	s.sequence++
	if err := m.target.Write(ctx, page); err != nil {
		return avperr.New(avperr.IO, "ogg.Muxer.writePage", err)
	}
	return nil
}

func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }
func le64(v uint64) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24), byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56)}
}
