package avi

import (
	"context"
	"fmt"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// videoTagToFourCC is the reverse of videoFourCCToTag, picking one canonical
// FourCC per codec tag.
var videoTagToFourCC = map[string]string{
	"avc": "H264", "hevc": "HEVC", "vp8": "VP80", "vp9": "VP90", "av1": "AV01", "mpeg4": "FMP4",
}

// audioTagToFormat is the reverse of audioTagFor.
var audioTagToFormat = map[string]struct {
	formatTag     uint16
	bitsPerSample int
}{
	"pcm-u8": {0x0001, 8}, "pcm-s16": {0x0001, 16}, "pcm-s24": {0x0001, 24}, "pcm-s32": {0x0001, 32},
	"pcm-f32": {0x0003, 32}, "alaw": {0x0006, 8}, "ulaw": {0x0007, 8}, "mp3": {0x0055, 16}, "aac": {0x00FF, 16},
	"ac3": {0x2000, 16},
}

type outputStream struct {
	track        *track.OutputTrack
	chunkSuffix  string // "dc" or "wb"
	lengthField  uint64 // offset of strh's dwLength field
	sbSizeField  uint64 // offset of strh's dwSuggestedBufferSize field
	frameCount   int
	maxChunkSize int
}

type muxIndexEntry struct {
	ckid           string
	flags          uint32
	offsetFromMovi uint64
	size           uint32
}

// Muxer writes a RIFF/AVI container (§4.8): placeholder hdrl/avih, per-track
// strl, interleaved movi chunks with a recorded idx1 index, all back-patched
// at Finalize.
type Muxer struct {
	target byteio.Target
	mu     *concurrency.AsyncMutex

	pos           uint64
	riffSizeField uint64
	avihFields    avihFieldOffsets
	streams       []outputStream
	moviDataStart uint64
	index         []muxIndexEntry
}

type avihFieldOffsets struct {
	microSecPerFrame    uint64
	maxBytesPerSec      uint64
	totalFrames         uint64
	suggestedBufferSize uint64
	width               uint64
	height              uint64
}

// NewMuxer constructs a Muxer for the given output tracks, in the order
// they'll be interleaved and indexed.
func NewMuxer(target byteio.Target, tracks []*track.OutputTrack) (*Muxer, error) {
	m := &Muxer{target: target, mu: concurrency.NewAsyncMutex()}
	for _, t := range tracks {
		s := outputStream{track: t}
		if t.Kind == track.Video {
			if _, ok := videoTagToFourCC[t.CodecTag]; !ok {
				return nil, avperr.Encodingf("avi.NewMuxer", "unsupported video codec tag %q for AVI", t.CodecTag)
			}
			s.chunkSuffix = "dc"
		} else {
			if _, ok := audioTagToFormat[t.CodecTag]; !ok {
				return nil, avperr.Encodingf("avi.NewMuxer", "unsupported audio codec tag %q for AVI", t.CodecTag)
			}
			s.chunkSuffix = "wb"
		}
		m.streams = append(m.streams, s)
	}
	return m, nil
}

func (m *Muxer) write(ctx context.Context, p []byte) error {
	if err := m.target.Write(ctx, p); err != nil {
		return avperr.New(avperr.IO, "avi.Muxer.write", err)
	}
	m.pos += uint64(len(p))
	return nil
}

func le16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }

// WriteHeader writes the RIFF/AVI header, a placeholder avih, per-track
// strl (strh+strf), and opens the movi list.
func (m *Muxer) WriteHeader(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		if err := m.write(ctx, []byte("RIFF")); err != nil {
			return err
		}
		m.riffSizeField = m.pos
		if err := m.write(ctx, le32(0)); err != nil {
			return err
		}
		if err := m.write(ctx, []byte("AVI ")); err != nil {
			return err
		}

		hdrlBody, err := m.buildHdrlBody()
		if err != nil {
			return err
		}
		if err := m.write(ctx, []byte("LIST")); err != nil {
			return err
		}
		if err := m.write(ctx, le32(uint32(len(hdrlBody)+4))); err != nil {
			return err
		}
		if err := m.write(ctx, []byte("hdrl")); err != nil {
			return err
		}
		if err := m.write(ctx, hdrlBody); err != nil {
			return err
		}

		if err := m.write(ctx, []byte("LIST")); err != nil {
			return err
		}
		if err := m.write(ctx, le32(0)); err != nil { // movi size patched at Finalize
			return err
		}
		if err := m.write(ctx, []byte("movi")); err != nil {
			return err
		}
		m.moviDataStart = m.pos
		return nil
	})
}

// buildHdrlBody constructs the avih + per-track strl bytes, recording the
// byte offsets (relative to the whole stream) of fields Finalize patches.
// Built in-memory first since avih's size must be known before it's framed.
func (m *Muxer) buildHdrlBody() ([]byte, error) {
	var body []byte
	basePos := m.pos + 8 /* "LIST"+size */ + 4 /* "hdrl" */

	avih := make([]byte, 56)
	copy(avih[24:28], le32(uint32(len(m.streams)))) // dwStreams
	body = append(body, []byte("avih")...)
	body = append(body, le32(56)...)
	avihStart := basePos + uint64(len(body))
	body = append(body, avih...)
	m.avihFields = avihFieldOffsets{
		microSecPerFrame:    avihStart + 0,
		maxBytesPerSec:      avihStart + 4,
		totalFrames:         avihStart + 16,
		suggestedBufferSize: avihStart + 28,
		width:               avihStart + 32,
		height:              avihStart + 36,
	}

	for i := range m.streams {
		s := &m.streams[i]
		strlBody, err := m.buildStrlBody(s, basePos+uint64(len(body))+8+4+8)
		if err != nil {
			return nil, err
		}
		body = append(body, []byte("LIST")...)
		body = append(body, le32(uint32(len(strlBody)+4))...)
		body = append(body, []byte("strl")...)
		body = append(body, strlBody...)
	}
	return body, nil
}

func (m *Muxer) buildStrlBody(s *outputStream, strhStart uint64) ([]byte, error) {
	var body []byte
	strh := make([]byte, 48)
	t := s.track
	fccType := "vids"
	if t.Kind == track.Audio {
		fccType = "auds"
	}
	copy(strh[0:4], fccType)
	var scale, rate uint32 = 1, 25
	if t.Kind == track.Audio {
		scale, rate = 1, uint32(t.SampleRate)
	} else if t.FrameRateHint > 0 {
		rate = uint32(t.FrameRateHint)
	}
	copy(strh[20:24], le32(scale))
	copy(strh[24:28], le32(rate))
	s.lengthField = strhStart + 32
	s.sbSizeField = strhStart + 36

	body = append(body, []byte("strh")...)
	body = append(body, le32(uint32(len(strh)))...)
	body = append(body, strh...)

	var strf []byte
	if t.Kind == track.Video {
		strf = make([]byte, 40)
		copy(strf[4:8], le32(uint32(t.Width)))
		copy(strf[8:12], le32(uint32(t.Height)))
		copy(strf[16:20], videoTagToFourCC[t.CodecTag])
	} else {
		info := audioTagToFormat[t.CodecTag]
		strf = append(strf, le16(info.formatTag)...)
		strf = append(strf, le16(uint16(t.Channels))...)
		strf = append(strf, le32(uint32(t.SampleRate))...)
		blockAlign := t.Channels * info.bitsPerSample / 8
		if blockAlign == 0 {
			blockAlign = 1
		}
		strf = append(strf, le32(uint32(t.SampleRate*blockAlign))...)
		strf = append(strf, le16(uint16(blockAlign))...)
		strf = append(strf, le16(uint16(info.bitsPerSample))...)
	}
	body = append(body, []byte("strf")...)
	body = append(body, le32(uint32(len(strf)))...)
	body = append(body, strf...)
	return body, nil
}

// WritePacket writes packet p for trackIndex as a movi chunk and records its
// idx1 entry.
func (m *Muxer) WritePacket(ctx context.Context, trackIndex int, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		if trackIndex < 0 || trackIndex >= len(m.streams) {
			return avperr.Encodingf("avi.Muxer.WritePacket", "invalid track index %d", trackIndex)
		}
		s := &m.streams[trackIndex]
		ckid := fmt.Sprintf("%02d%s", trackIndex, s.chunkSuffix)
		data := p.Data()

		offsetFromMovi := m.pos - m.moviDataStart
		if err := m.write(ctx, []byte(ckid)); err != nil {
			return err
		}
		if err := m.write(ctx, le32(uint32(len(data)))); err != nil {
			return err
		}
		if err := m.write(ctx, data); err != nil {
			return err
		}
		if len(data)%2 == 1 {
			if err := m.write(ctx, []byte{0}); err != nil {
				return err
			}
		}

		flags := uint32(0)
		if p.IsKeyFrame() {
			flags = keyFrameFlag
		}
		m.index = append(m.index, muxIndexEntry{ckid: ckid, flags: flags, offsetFromMovi: offsetFromMovi, size: uint32(len(data))})
		s.frameCount++
		if len(data) > s.maxChunkSize {
			s.maxChunkSize = len(data)
		}
		return nil
	})
}

// Finalize writes idx1, then back-patches the RIFF size, avih totals, and
// per-stream length/suggestedBufferSize fields.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		if err := m.write(ctx, []byte("idx1")); err != nil {
			return err
		}
		if err := m.write(ctx, le32(uint32(16*len(m.index)))); err != nil {
			return err
		}
		for _, e := range m.index {
			if err := m.write(ctx, []byte(e.ckid)); err != nil {
				return err
			}
			if err := m.write(ctx, le32(e.flags)); err != nil {
				return err
			}
			if err := m.write(ctx, le32(uint32(e.offsetFromMovi))); err != nil {
				return err
			}
			if err := m.write(ctx, le32(e.size)); err != nil {
				return err
			}
		}

		riffSize := m.pos - 8
		if err := m.patchU32(ctx, m.riffSizeField, uint32(riffSize)); err != nil {
			return err
		}

		var videoStream *outputStream
		totalFrames := 0
		for i := range m.streams {
			s := &m.streams[i]
			if s.track.Kind == track.Video && videoStream == nil {
				videoStream = s
			}
			if s.frameCount > totalFrames {
				totalFrames = s.frameCount
			}
			if err := m.patchU32(ctx, s.lengthField, uint32(s.frameCount)); err != nil {
				return err
			}
			if err := m.patchU32(ctx, s.sbSizeField, uint32(s.maxChunkSize)); err != nil {
				return err
			}
		}
		if err := m.patchU32(ctx, m.avihFields.totalFrames, uint32(totalFrames)); err != nil {
			return err
		}
		if videoStream != nil {
			if err := m.patchU32(ctx, m.avihFields.width, uint32(videoStream.track.Width)); err != nil {
				return err
			}
			if err := m.patchU32(ctx, m.avihFields.height, uint32(videoStream.track.Height)); err != nil {
				return err
			}
			// Open question (§9): AVI has no per-packet duration field, so
			// microSecPerFrame is derived from FrameRateHint when the caller
			// supplied one, defaulting to 25fps otherwise.
			fps := 25.0
			if videoStream.track.FrameRateHint > 0 {
				fps = videoStream.track.FrameRateHint
			}
			microSecPerFrame := uint32(1000000 / fps)
			if err := m.patchU32(ctx, m.avihFields.microSecPerFrame, microSecPerFrame); err != nil {
				return err
			}
		}
		if err := m.patchU32(ctx, m.avihFields.maxBytesPerSec, uint32(m.pos/8)); err != nil {
			return err
		}

		return m.target.Flush(ctx)
	})
}

func (m *Muxer) patchU32(ctx context.Context, fieldOffset uint64, v uint32) error {
	if err := m.target.Seek(ctx, int64(fieldOffset)); err != nil {
		return avperr.New(avperr.Encoding, "avi.Muxer.patchU32", err)
	}
	if err := m.target.Write(ctx, le32(v)); err != nil {
		return avperr.New(avperr.IO, "avi.Muxer.patchU32", err)
	}
	return nil
}
