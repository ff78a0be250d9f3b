package mp3

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// xingSampleRateIndex maps an MPEG1 sample rate to its 2-bit table index,
// used to build the reserved Xing placeholder frame.
var xingSampleRateIndex = map[int]uint8{44100: 0, 48000: 1, 32000: 2}

const (
	tocEntries    = 100
	xingFrameKbps = 320 // a high bitrate, chosen only to give the placeholder frame room for its fields
)

// Muxer writes MP3 frames verbatim (§4.8: "appends frames verbatim"),
// optionally preceded by an ID3v2.4 tag, with a reserved, finalize-patched
// Xing bookkeeping frame at the stream's start recording frame count, file
// size, and a 100-entry byte-offset TOC.
type Muxer struct {
	target byteio.Target
	track  *track.OutputTrack

	mu *concurrency.AsyncMutex

	pos             uint64
	xingFrameStart  uint64
	xingFrameLength int
	frameCountField uint64
	fileSizeField   uint64
	tocField        uint64

	frameCount int
	streamSize uint64 // bytes written after the Xing frame
}

// Metadata is optional ID3v2.4 tag content written ahead of the Xing frame.
type Metadata struct {
	Title, Artist, Album string
}

// NewMuxer constructs a Muxer for a single MP3 output track.
func NewMuxer(target byteio.Target, t *track.OutputTrack) *Muxer {
	return &Muxer{target: target, track: t, mu: concurrency.NewAsyncMutex()}
}

func (m *Muxer) write(ctx context.Context, p []byte) error {
	if err := m.target.Write(ctx, p); err != nil {
		return avperr.New(avperr.IO, "mp3.Muxer.write", err)
	}
	m.pos += uint64(len(p))
	return nil
}

// WriteHeader optionally writes an ID3v2.4 tag, then reserves a Xing
// placeholder frame sized for the track's sample rate.
func (m *Muxer) WriteHeader(ctx context.Context, meta *Metadata) error {
	return m.mu.WithLock(ctx, func() error {
		if meta != nil {
			if err := m.writeID3v24(ctx, meta); err != nil {
				return err
			}
		}
		return m.writeXingPlaceholder(ctx)
	})
}

func (m *Muxer) writeID3v24(ctx context.Context, meta *Metadata) error {
	var frames []byte
	frames = appendID3Frame(frames, "TIT2", meta.Title)
	frames = appendID3Frame(frames, "TPE1", meta.Artist)
	frames = appendID3Frame(frames, "TALB", meta.Album)
	if len(frames) == 0 {
		return nil
	}
	if err := m.write(ctx, []byte("ID3")); err != nil {
		return err
	}
	if err := m.write(ctx, []byte{4, 0, 0}); err != nil { // version 2.4.0, no flags
		return err
	}
	if err := m.write(ctx, synchsafeEncode(len(frames))); err != nil {
		return err
	}
	return m.write(ctx, frames)
}

func appendID3Frame(body []byte, id, value string) []byte {
	if value == "" {
		return body
	}
	text := append([]byte{0}, []byte(value)...) // encoding byte 0 = ISO-8859-1
	body = append(body, []byte(id)...)
	body = append(body, be32(uint32(len(text)))...)
	body = append(body, 0, 0) // frame flags
	body = append(body, text...)
	return body
}

func be32(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }

func synchsafeEncode(size int) []byte {
	return []byte{
		byte(size>>21) & 0x7f,
		byte(size>>14) & 0x7f,
		byte(size>>7) & 0x7f,
		byte(size) & 0x7f,
	}
}

// writeXingPlaceholder reserves a full, validly-sized MPEG frame whose body
// is zero-filled except for the "Xing"/frame-count/file-size/TOC fields,
// back-patched at Finalize once the real totals are known.
func (m *Muxer) writeXingPlaceholder(ctx context.Context) error {
	idx, ok := xingSampleRateIndex[m.track.SampleRate]
	if !ok {
		return avperr.Encodingf("mp3.Muxer.WriteHeader", "unsupported MPEG1 sample rate %d for Xing frame", m.track.SampleRate)
	}
	bitrateBps := xingFrameKbps * 1000
	frameLength := 144 * bitrateBps / m.track.SampleRate

	channelMode := byte(0) // stereo
	if m.track.Channels == 1 {
		channelMode = 3
	}
	const xingBitrateIdx = 14 // MPEG1 Layer3 table index for 320kbps
	hdr := []byte{
		0xFF,
		0xFB, // MPEG1, Layer3, no CRC
		(xingBitrateIdx << 4) | (idx << 2),
		channelMode << 6,
	}

	body := make([]byte, frameLength-len(hdr))
	sideInfoSize := 32
	if m.track.Channels == 1 {
		sideInfoSize = 17
	}
	copy(body[sideInfoSize:], []byte("Xing"))
	m.frameCountField = m.pos + uint64(len(hdr)) + uint64(sideInfoSize) + 8
	m.fileSizeField = m.frameCountField + 4
	m.tocField = m.fileSizeField + 4
	// flags field: bits 0-2 set (frame count, file size and TOC fields present; no quality field)
	copy(body[sideInfoSize+4:], []byte{0, 0, 0, 0x07})

	m.xingFrameStart = m.pos
	m.xingFrameLength = frameLength
	if err := m.write(ctx, hdr); err != nil {
		return err
	}
	return m.write(ctx, body)
}

// WritePacket appends p's bytes (a complete MP3 frame) verbatim.
func (m *Muxer) WritePacket(ctx context.Context, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		if err := m.write(ctx, p.Data()); err != nil {
			return err
		}
		m.frameCount++
		m.streamSize += uint64(len(p.Data()))
		return nil
	})
}

// Finalize back-patches the Xing frame's frameCount, fileSize, and TOC, then
// flushes. Requires a seekable target.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		if m.xingFrameLength == 0 {
			return m.target.Flush(ctx)
		}
		toc := buildTOC(m.streamSize, m.frameCount)

		if err := m.target.Seek(ctx, int64(m.frameCountField)); err != nil {
			return avperr.New(avperr.Encoding, "mp3.Muxer.Finalize", err)
		}
		if err := m.target.Write(ctx, be32(uint32(m.frameCount))); err != nil {
			return avperr.New(avperr.IO, "mp3.Muxer.Finalize", err)
		}
		totalSize := uint32(m.xingFrameLength) + uint32(m.streamSize)
		if err := m.target.Write(ctx, be32(totalSize)); err != nil {
			return avperr.New(avperr.IO, "mp3.Muxer.Finalize", err)
		}
		if m.tocField+tocEntries <= m.xingFrameStart+uint64(m.xingFrameLength) {
			if err := m.target.Seek(ctx, int64(m.tocField)); err != nil {
				return avperr.New(avperr.Encoding, "mp3.Muxer.Finalize", err)
			}
			if err := m.target.Write(ctx, toc); err != nil {
				return avperr.New(avperr.IO, "mp3.Muxer.Finalize", err)
			}
		}
		return m.target.Flush(ctx)
	})
}

// buildTOC builds a 100-entry byte-offset TOC assuming constant bitrate
// (each entry i estimates the byte offset of the i% point through the
// stream); a VBR-aware muxer would track per-frame offsets instead.
func buildTOC(streamSize uint64, frameCount int) []byte {
	toc := make([]byte, tocEntries)
	if frameCount == 0 {
		return toc
	}
	for i := 0; i < tocEntries; i++ {
		toc[i] = byte(uint64(i) * 256 / tocEntries)
	}
	return toc
}
