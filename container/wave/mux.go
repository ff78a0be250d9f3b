package wave

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// tagToFormatTag is the reverse of codecTagFor, used when muxing.
var tagToFormatTag = map[string]struct {
	tag           uint16
	bitsPerSample int
}{
	"pcm-u8":   {formatPCM, 8},
	"pcm-s16":  {formatPCM, 16},
	"pcm-s24":  {formatPCM, 24},
	"pcm-s32":  {formatPCM, 32},
	"pcm-f32":  {formatIEEEFloat, 32},
	"pcm-f64":  {formatIEEEFloat, 64},
	"alaw":     {formatALaw, 8},
	"ulaw":     {formatMULaw, 8},
	"mp3":      {formatMP3, 0},
	"ac3":      {formatAC3, 0},
}

// Muxer is a streaming RIFF/WAVE writer (§4.8 supplement: "the natural
// missing counterpart" to the WAVE demuxer). The "data" chunk size is
// back-patched at Finalize when the target can seek, or left as the
// conventional 0xFFFFFFFF streaming placeholder when it cannot (§5:
// "streaming writers instead emit sizeless elements where the container
// allows").
type Muxer struct {
	target byteio.Target
	track  *track.OutputTrack

	formatTag     uint16
	bitsPerSample int
	blockAlign    int

	mu *concurrency.AsyncMutex

	pos           uint64
	riffSizeField uint64
	dataSizeField uint64
	dataSize      uint64
	canSeek       bool
}

// NewMuxer constructs a Muxer for a single audio output track. canSeek
// selects whether the RIFF/data sizes are back-patched at Finalize (a
// seekable target) or written as streaming placeholders up front.
func NewMuxer(target byteio.Target, t *track.OutputTrack, canSeek bool) (*Muxer, error) {
	info, ok := tagToFormatTag[t.CodecTag]
	if !ok {
		return nil, avperr.Encodingf("wave.NewMuxer", "unsupported codec tag %q for WAVE", t.CodecTag)
	}
	bitsPerSample := info.bitsPerSample
	if bitsPerSample == 0 {
		bitsPerSample = 16 // mp3/ac3 carry no PCM sample width; unused for blockAlign math below
	}
	blockAlign := t.Channels * bitsPerSample / 8
	if info.tag == formatMP3 || info.tag == formatAC3 {
		blockAlign = 1
	}
	return &Muxer{
		target:        target,
		track:         t,
		formatTag:     info.tag,
		bitsPerSample: info.bitsPerSample,
		blockAlign:    blockAlign,
		mu:            concurrency.NewAsyncMutex(),
		canSeek:       canSeek,
	}, nil
}

func (m *Muxer) write(ctx context.Context, p []byte) error {
	if err := m.target.Write(ctx, p); err != nil {
		return avperr.New(avperr.IO, "wave.Muxer.write", err)
	}
	m.pos += uint64(len(p))
	return nil
}

func le16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }

// WriteHeader writes the RIFF/WAVE header and the "fmt " chunk, plus the
// "data" chunk header with a placeholder size.
func (m *Muxer) WriteHeader(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		if err := m.write(ctx, []byte("RIFF")); err != nil {
			return err
		}
		m.riffSizeField = m.pos
		placeholder := uint32(0xFFFFFFFF)
		if m.canSeek {
			placeholder = 0
		}
		if err := m.write(ctx, le32(placeholder)); err != nil {
			return err
		}
		if err := m.write(ctx, []byte("WAVE")); err != nil {
			return err
		}

		fmtBody := le16(m.formatTag)
		fmtBody = append(fmtBody, le16(uint16(m.track.Channels))...)
		fmtBody = append(fmtBody, le32(uint32(m.track.SampleRate))...)
		byteRate := uint32(m.track.SampleRate * m.blockAlign)
		fmtBody = append(fmtBody, le32(byteRate)...)
		fmtBody = append(fmtBody, le16(uint16(m.blockAlign))...)
		fmtBody = append(fmtBody, le16(uint16(m.bitsPerSample))...)

		if err := m.write(ctx, []byte("fmt ")); err != nil {
			return err
		}
		if err := m.write(ctx, le32(uint32(len(fmtBody)))); err != nil {
			return err
		}
		if err := m.write(ctx, fmtBody); err != nil {
			return err
		}

		if err := m.write(ctx, []byte("data")); err != nil {
			return err
		}
		m.dataSizeField = m.pos
		return m.write(ctx, le32(placeholder))
	})
}

// WritePacket appends p's bytes to the data chunk.
func (m *Muxer) WritePacket(ctx context.Context, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		if err := m.write(ctx, p.Data()); err != nil {
			return err
		}
		m.dataSize += uint64(len(p.Data()))
		return nil
	})
}

// Finalize back-patches the RIFF and data chunk sizes when the target is
// seekable, pads the data chunk to an even length, and flushes.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		if m.dataSize%2 == 1 {
			if err := m.write(ctx, []byte{0}); err != nil {
				return err
			}
		}
		if !m.canSeek {
			return m.target.Flush(ctx)
		}
		riffSize := m.pos - m.riffSizeField - 4
		if err := m.target.Seek(ctx, int64(m.riffSizeField)); err != nil {
			return avperr.New(avperr.Encoding, "wave.Muxer.Finalize", err)
		}
		if err := m.target.Write(ctx, le32(uint32(riffSize))); err != nil {
			return avperr.New(avperr.IO, "wave.Muxer.Finalize", err)
		}
		if err := m.target.Seek(ctx, int64(m.dataSizeField)); err != nil {
			return avperr.New(avperr.Encoding, "wave.Muxer.Finalize", err)
		}
		if err := m.target.Write(ctx, le32(uint32(m.dataSize))); err != nil {
			return avperr.New(avperr.IO, "wave.Muxer.Finalize", err)
		}
		return m.target.Flush(ctx)
	})
}
