// Package mp3 demuxes a bare or ID3-tagged MPEG audio frame stream (§4.7):
// an optional leading ID3v2 tag (synchsafe size), an optional Xing/Info
// VBR bookkeeping frame, then a sliding sequence of frame headers each
// yielding one packet.
package mp3

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/codec/mp3frame"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

const headerProbeWindow = 4

type frameEntry struct {
	offset    uint64
	length    int
	timestamp float64
	duration  float64
}

// Demuxer is a single-track MP3 demuxer.
type Demuxer struct {
	reader *byteio.Reader
	track  *track.InputTrack
	frames []frameEntry

	id3Size int // bytes of a leading ID3v2 tag, 0 if none

	mu *concurrency.AsyncMutex
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string { return "audio/mpeg" }

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

// Open skips any leading ID3v2 tag, then walks frame headers, skipping a
// Xing/Info bookkeeping frame when present (§4.7).
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader: byteio.NewReader(source, cacheBudget),
		mu:     concurrency.NewAsyncMutex(),
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	offset := uint64(0)
	id3Size, err := d.readID3Size(ctx)
	if err != nil {
		return nil, err
	}
	d.id3Size = id3Size
	offset += uint64(id3Size)

	var firstHeader *mp3frame.FrameHeader
	var samplesSoFar int64
	skippedBookkeeping := false

	for offset+headerProbeWindow <= size {
		slice, err := d.reader.Slice(ctx, offset, headerProbeWindow)
		if err != nil {
			return nil, err
		}
		if slice == nil || slice.Len() < headerProbeWindow {
			break
		}
		hdr, err := mp3frame.ParseFrameHeader(slice.Bytes())
		if err != nil {
			// Resync by one byte, since ID3 padding or junk can precede
			// the first real frame sync word (§4.7: "scan for the first
			// valid frame header").
			offset++
			continue
		}

		if !skippedBookkeeping {
			skippedBookkeeping = true
			if isBookkeepingFrame(ctx, d.reader, offset, hdr) {
				offset += uint64(hdr.FrameLength)
				continue
			}
		}

		if firstHeader == nil {
			firstHeader = hdr
		}
		samples := int64(hdr.SamplesPerFrame())
		ts := float64(samplesSoFar) / float64(hdr.SampleRate)
		dur := float64(samples) / float64(hdr.SampleRate)
		d.frames = append(d.frames, frameEntry{offset: offset, length: hdr.FrameLength, timestamp: ts, duration: dur})
		samplesSoFar += samples
		offset += uint64(hdr.FrameLength)
	}

	if firstHeader == nil {
		return nil, avperr.InvalidFormatf("mp3.Open", "no valid MPEG audio frame found")
	}

	it := track.NewInputTrack(0, track.Audio, "mp3")
	it.SampleRate = firstHeader.SampleRate
	it.Channels = firstHeader.Channels
	it.TimeResolution = uint64(firstHeader.SampleRate)
	it.Backing = &backing{demuxer: d}
	d.track = it

	return d, nil
}

// readID3Size reads a leading "ID3" header's synchsafe size field, or
// returns 0 if the stream doesn't begin with one.
func (d *Demuxer) readID3Size(ctx context.Context) (int, error) {
	slice, err := d.reader.Slice(ctx, 0, 10)
	if err != nil {
		return 0, err
	}
	if slice == nil || slice.Len() < 10 {
		return 0, nil
	}
	tag, _ := slice.ReadBytes(3)
	if string(tag) != "ID3" {
		return 0, nil
	}
	slice.Skip(3) // version (2 bytes) + flags (1 byte)
	sizeBytes, _ := slice.ReadBytes(4)
	size := synchsafeDecode(sizeBytes)
	return 10 + size, nil
}

// synchsafeDecode decodes a 4-byte ID3v2 synchsafe integer: the low 7 bits
// of each byte, MSB-first (§3 glossary: "avoid false-sync with MPEG frame markers").
func synchsafeDecode(b []byte) int {
	return int(b[0]&0x7f)<<21 | int(b[1]&0x7f)<<14 | int(b[2]&0x7f)<<7 | int(b[3]&0x7f)
}

// xingOffset returns the byte offset (from the start of the frame) where a
// Xing/Info tag's four-CC sits, which depends on MPEG version and channel
// mode (mono frames have a shorter side-info section).
func xingOffset(hdr *mp3frame.FrameHeader) int {
	mono := hdr.Channels == 1
	switch {
	case hdr.Version == mp3frame.Version1 && !mono:
		return 36
	case hdr.Version == mp3frame.Version1 && mono:
		return 21
	case hdr.Version != mp3frame.Version1 && !mono:
		return 21
	default:
		return 13
	}
}

func isBookkeepingFrame(ctx context.Context, reader *byteio.Reader, offset uint64, hdr *mp3frame.FrameHeader) bool {
	off := xingOffset(hdr)
	slice, err := reader.Slice(ctx, offset+uint64(off), 4)
	if err != nil || slice == nil || slice.Len() < 4 {
		return false
	}
	tag, _ := slice.ReadBytes(4)
	return string(tag) == "Xing" || string(tag) == "Info"
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
		return nil, avperr.InvalidFormatf("mp3.backing.fetch", "frame %d past end of source", idx)
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

func (b *backing) GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	idx := int(p.SequenceNumber()) + 1
	if idx < 0 || idx >= len(b.demuxer.frames) {
		return nil, nil
	}
	return b.fetch(ctx, idx)
}

func (b *backing) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	return b.GetPacket(ctx, t)
}

func (b *backing) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	return b.GetNextPacket(ctx, p)
}

func (b *backing) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return nil, nil
}
