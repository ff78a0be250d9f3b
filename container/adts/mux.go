package adts

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// samplingFrequencyIndex is the reverse of adtsframe's table, used when
// muxing a track whose sample rate is a standard AAC rate.
var samplingFrequencyIndex = map[int]uint8{
	96000: 0, 88200: 1, 64000: 2, 48000: 3, 44100: 4, 32000: 5,
	24000: 6, 22050: 7, 16000: 8, 12000: 9, 11025: 10, 8000: 11, 7350: 12,
}

// Muxer writes a single AAC track as a bare ADTS stream: one 7-byte header
// per packet, no container framing beyond that (§4.8 supplement: ADTS has
// no muxer bullet of its own in spec.md, but every demuxed format gets a
// mux path the same way WAVE does).
type Muxer struct {
	target byteio.Target
	track  *track.OutputTrack

	sampleRateIdx uint8
	channelConfig uint8
	objectType    uint8

	mu *concurrency.AsyncMutex
}

// NewMuxer constructs a Muxer for a single AAC output track.
func NewMuxer(target byteio.Target, t *track.OutputTrack) (*Muxer, error) {
	idx, ok := samplingFrequencyIndex[t.SampleRate]
	if !ok {
		return nil, avperr.Encodingf("adts.NewMuxer", "unsupported AAC sample rate %d", t.SampleRate)
	}
	channelConfig := uint8(t.Channels)
	if channelConfig == 0 || channelConfig > 7 {
		channelConfig = 2
	}
	// Default to AAC-LC (object type 2) when the track carries no
	// AudioSpecificConfig to recover the exact profile from.
	objectType := uint8(2)
	if len(t.DecoderConfig) >= 2 {
		objectType = (t.DecoderConfig[0] >> 3) & 0x1f
	}
	return &Muxer{
		target:        target,
		track:         t,
		sampleRateIdx: idx,
		channelConfig: channelConfig,
		objectType:    objectType,
		mu:            concurrency.NewAsyncMutex(),
	}, nil
}

// WriteHeader is a no-op for ADTS: every packet carries its own self-
// describing header, so there is no stream-level header to emit.
func (m *Muxer) WriteHeader(ctx context.Context) error { return nil }

// WritePacket writes one 7-byte ADTS header followed by p's payload.
func (m *Muxer) WritePacket(ctx context.Context, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		frameLength := 7 + len(p.Data())
		hdr := encodeHeader(m.objectType, m.sampleRateIdx, m.channelConfig, frameLength)
		if err := m.target.Write(ctx, hdr); err != nil {
			return avperr.New(avperr.IO, "adts.Muxer.WritePacket", err)
		}
		if err := m.target.Write(ctx, p.Data()); err != nil {
			return avperr.New(avperr.IO, "adts.Muxer.WritePacket", err)
		}
		return nil
	})
}

// Finalize flushes the target; ADTS has no trailing structure to back-patch.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		return m.target.Flush(ctx)
	})
}

// encodeHeader builds a 7-byte ADTS header (no CRC, protection_absent=1),
// the inverse of codec/adtsframe.ParseFrameHeader's bit layout.
func encodeHeader(objectType, sampleRateIdx, channelConfig uint8, frameLength int) []byte {
	b := make([]byte, 7)
	b[0] = 0xFF
	b[1] = 0xF1 // MPEG-4, layer 0, protection_absent=1
	b[2] = ((objectType - 1) << 6) | (sampleRateIdx << 2) | ((channelConfig >> 2) & 0x1)
	b[3] = (channelConfig&0x3)<<6 | byte(frameLength>>11)
	b[4] = byte(frameLength >> 3)
	b[5] = byte(frameLength<<5) | 0x1F
	b[6] = 0xFC
	return b
}
