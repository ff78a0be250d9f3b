// Package adts demuxes a bare ADTS (Audio Data Transport Stream) AAC
// elementary stream into a single audio track (§4.7: "Identical structure
// to MP3 but per-frame ADTS headers and AAC payload").
package adts

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/codec/adtsframe"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

// headerProbeWindow is the largest ADTS header the demuxer ever needs to
// fetch up front (7-byte fixed header + 2-byte CRC).
const headerProbeWindow = 9

// frameEntry indexes one ADTS frame without retaining its payload bytes,
// mirroring the Matroska demuxer's lazy cluster-offset approach.
type frameEntry struct {
	offset     uint64
	length     int
	timestamp  float64
	duration   float64
}

// Demuxer is a single-track ADTS AAC demuxer.
type Demuxer struct {
	reader *byteio.Reader
	track  *track.InputTrack
	frames []frameEntry
	mu     *concurrency.AsyncMutex
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string { return "audio/aac" }

// Tracks returns the single audio track.
func (d *Demuxer) Tracks() []*track.InputTrack { return []*track.InputTrack{d.track} }

// ComputeDuration returns the total stream duration in seconds.
func (d *Demuxer) ComputeDuration(ctx context.Context) (float64, error) {
	if len(d.frames) == 0 {
		return 0, nil
	}
	last := d.frames[len(d.frames)-1]
	return last.timestamp + last.duration, nil
}

// Open scans the whole stream, building a frame index up front since ADTS
// carries no separate index structure to accelerate seeking (§4.7).
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader: byteio.NewReader(source, cacheBudget),
		mu:     concurrency.NewAsyncMutex(),
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	var firstHeader *adtsframe.FrameHeader
	var offset uint64
	var samplesSoFar int64

	for offset < size {
		slice, err := d.reader.Slice(ctx, offset, headerProbeWindow)
		if err != nil {
			return nil, err
		}
		if slice == nil || slice.Len() < 7 {
			break
		}
		hdr, err := adtsframe.ParseFrameHeader(slice.Bytes())
		if err != nil {
			// Not a frame boundary; stop rather than silently resyncing
			// since §4.7 describes no ADTS resync procedure.
			break
		}
		if firstHeader == nil {
			firstHeader = hdr
		}
		samplesPerFrame := int64(1024 * hdr.NumberOfFrames)
		ts := float64(samplesSoFar) / float64(hdr.SampleRate)
		dur := float64(samplesPerFrame) / float64(hdr.SampleRate)
		d.frames = append(d.frames, frameEntry{
			offset:    offset,
			length:    hdr.FrameLength,
			timestamp: ts,
			duration:  dur,
		})
		samplesSoFar += samplesPerFrame
		offset += uint64(hdr.FrameLength)
	}

	if firstHeader == nil {
		return nil, avperr.InvalidFormatf("adts.Open", "no valid ADTS frame found")
	}

	it := track.NewInputTrack(0, track.Audio, "aac")
	it.SampleRate = firstHeader.SampleRate
	it.Channels = channelCount(firstHeader.ChannelConfig)
	it.DecoderConfig = firstHeader.AudioSpecificConfig()
	it.TimeResolution = uint64(firstHeader.SampleRate)
	it.Backing = &backing{demuxer: d}
	d.track = it

	return d, nil
}

// channelCount maps ADTS's channel_configuration field to a channel count;
// the multichannel layouts beyond stereo are rare but the table is complete
// for configs 1-7 per the AAC spec (0 is "defined in PCE", unsupported here).
func channelCount(cfg uint8) int {
	switch cfg {
	case 1:
		return 1
	case 2:
		return 2
	case 3:
		return 3
	case 4:
		return 4
	case 5:
		return 5
	case 6:
		return 6
	case 7:
		return 8
	default:
		return 2
	}
}

// backing implements track.Backing over the demuxer's frame index.
type backing struct {
	demuxer *Demuxer
}

var _ track.Backing = (*backing)(nil)

func (b *backing) fetch(ctx context.Context, idx int) (*packet.Encoded, error) {
	d := b.demuxer
	f := d.frames[idx]
	slice, err := d.reader.Slice(ctx, f.offset, uint64(f.length))
	if err != nil {
		return nil, err
	}
	if slice == nil {
		return nil, avperr.InvalidFormatf("adts.backing.fetch", "frame %d past end of source", idx)
	}
	return packet.New(slice.Bytes(), packet.Key, f.timestamp, f.duration, int64(idx), f.length), nil
}

func (b *backing) GetFirstPacket(ctx context.Context) (*packet.Encoded, error) {
	if len(b.demuxer.frames) == 0 {
		return nil, nil
	}
	return b.fetch(ctx, 0)
}

func (b *backing) indexAt(t float64) (int, bool) {
	frames := b.demuxer.frames
	idx, found := xutil.BinarySearchFunc(len(frames), func(i int) int {
		switch {
		case t < frames[i].timestamp:
			return -1
		case t >= frames[i].timestamp+frames[i].duration:
			return 1
		default:
			return 0
		}
	})
	if found {
		return idx, true
	}
	// idx is the insertion point; the packet containing t, if any, is the
	// one immediately before it.
	if idx > 0 && t < frames[idx-1].timestamp+frames[idx-1].duration {
		return idx - 1, true
	}
	return 0, false
}

func (b *backing) GetPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	idx, ok := b.indexAt(t)
	if !ok {
		return nil, nil
	}
	return b.fetch(ctx, idx)
}

// GetNextPacket returns the packet immediately following p on this track.
func (b *backing) GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	idx := int(p.SequenceNumber()) + 1
	if idx < 0 || idx >= len(b.demuxer.frames) {
		return nil, nil
	}
	return b.fetch(ctx, idx)
}

// GetKeyPacket returns the last key packet at or before t; every ADTS frame
// is independently decodable, so this is identical to GetPacket.
func (b *backing) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	return b.GetPacket(ctx, t)
}

// GetNextKeyPacket returns the next key packet strictly after p; every
// frame is a key frame, so this is the next frame.
func (b *backing) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	return b.GetNextPacket(ctx, p)
}

func (b *backing) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return b.demuxer.track.DecoderConfig, nil
}
