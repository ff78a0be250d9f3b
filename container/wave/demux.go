// Package wave demuxes RIFF/WAVE audio files (§4.7): the "fmt " chunk
// describes the PCM/compressed layout, the "data" chunk carries sample
// bytes emitted as a contiguous run of fixed-size virtual packets, and an
// opportunistic "LIST"/"INFO" chunk supplies artist/title metadata (§4.7
// supplement).
package wave

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/codec/ac3"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

// ac3SamplesPerFrame is the fixed AC-3 frame duration, in samples, per ATSC
// A/52 §4.2.1 (every sync frame covers 6 audio blocks of 256 samples).
const ac3SamplesPerFrame = 1536

// WAVE format tags (wFormatTag), per the Microsoft multimedia registry.
const (
	formatPCM        = 0x0001
	formatIEEEFloat  = 0x0003
	formatALaw       = 0x0006
	formatMULaw      = 0x0007
	formatMP3        = 0x0055
	formatAC3        = 0x2000
	formatExtensible = 0xFFFE
)

// samplesPerPacket is the virtual-packet granularity for PCM-family data,
// chosen to keep packets small enough for fine-grained seeking without
// making every sample its own packet (§4.7: "one virtual packet per N
// samples' worth of bytes").
const samplesPerPacket = 4096

// Demuxer is a RIFF/WAVE demuxer.
type Demuxer struct {
	reader *byteio.Reader
	track  *track.InputTrack

	formatTag     uint16
	blockAlign    int
	bytesPerSec   uint32
	dataStart     uint64
	dataSize      uint64

	// frames is populated only for PCM-family data that splits into
	// fixed-size virtual packets; compressed formats fall back to a
	// single whole-chunk packet in frames[0] (see Open).
	frames []frameEntry

	artist, title string

	mu *concurrency.AsyncMutex
}

type frameEntry struct {
	offset    uint64
	length    int
	timestamp float64
	duration  float64
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string { return "audio/wav" }

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

// Artist returns the LIST/INFO IART value, or "" if absent.
func (d *Demuxer) Artist() string { return d.artist }

// Title returns the LIST/INFO INAM value, or "" if absent.
func (d *Demuxer) Title() string { return d.title }

// Open parses the RIFF header and walks top-level chunks for "fmt ", "data",
// and an opportunistic "LIST"/"INFO" (§4.7).
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader: byteio.NewReader(source, cacheBudget),
		mu:     concurrency.NewAsyncMutex(),
	}

	hdr, err := d.reader.Slice(ctx, 0, 12)
	if err != nil {
		return nil, err
	}
	if hdr == nil || hdr.Len() < 12 {
		return nil, avperr.InvalidFormatf("wave.Open", "file too short for a RIFF header")
	}
	riffTag, _ := hdr.ReadBytes(4)
	if string(riffTag) != "RIFF" && string(riffTag) != "RIFX" {
		return nil, avperr.InvalidFormatf("wave.Open", "missing RIFF/RIFX tag")
	}
	hdr.Skip(4) // overall size, unused (reader tracks actual source size)
	form, _ := hdr.ReadBytes(4)
	if string(form) != "WAVE" {
		return nil, avperr.InvalidFormatf("wave.Open", "missing WAVE form type, got %q", form)
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	var haveFormat, haveData bool
	offset := uint64(12)
	for offset+8 <= size {
		chdr, err := d.reader.Slice(ctx, offset, 8)
		if err != nil {
			return nil, err
		}
		if chdr == nil || chdr.Len() < 8 {
			break
		}
		idBytes, _ := chdr.ReadBytes(4)
		id := string(idBytes)
		chunkSize, _ := chdr.ReadU32LE()
		bodyStart := offset + 8

		switch id {
		case "fmt ":
			if err := d.parseFormat(ctx, bodyStart, uint64(chunkSize)); err != nil {
				return nil, err
			}
			haveFormat = true
		case "data":
			d.dataStart = bodyStart
			d.dataSize = uint64(chunkSize)
			haveData = true
		case "LIST":
			d.parseList(ctx, bodyStart, uint64(chunkSize))
		}

		offset = bodyStart + uint64(chunkSize)
		if chunkSize%2 == 1 {
			offset++ // chunks are padded to an even length
		}
	}

	if !haveFormat {
		return nil, avperr.InvalidFormatf("wave.Open", "missing fmt chunk")
	}
	if !haveData {
		return nil, avperr.InvalidFormatf("wave.Open", "missing data chunk")
	}

	if err := d.buildFrames(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) parseFormat(ctx context.Context, start, size uint64) error {
	slice, err := d.reader.Slice(ctx, start, size)
	if err != nil {
		return err
	}
	if slice == nil || slice.Len() < 16 {
		return avperr.InvalidFormatf("wave.parseFormat", "fmt chunk too short")
	}
	formatTag, _ := slice.ReadU16LE()
	channels, _ := slice.ReadU16LE()
	sampleRate, _ := slice.ReadU32LE()
	bytesPerSec, _ := slice.ReadU32LE()
	blockAlign, _ := slice.ReadU16LE()
	bitsPerSample, _ := slice.ReadU16LE()

	var extra []byte
	if slice.Len() >= 2 {
		cbSize, _ := slice.ReadU16LE()
		if int(cbSize) <= slice.Len() {
			extra, _ = slice.ReadBytes(int(cbSize))
		}
	}

	effectiveTag := formatTag
	if formatTag == formatExtensible && len(extra) >= 16 {
		// The subformat GUID's first two bytes carry the real format tag.
		effectiveTag = uint16(extra[0]) | uint16(extra[1])<<8
	}

	d.formatTag = effectiveTag
	d.blockAlign = int(blockAlign)
	d.bytesPerSec = bytesPerSec

	it := track.NewInputTrack(0, track.Audio, codecTagFor(effectiveTag, int(channels), int(bitsPerSample)))
	it.Channels = int(channels)
	it.SampleRate = int(sampleRate)
	it.TimeResolution = uint64(sampleRate)
	it.Backing = &backing{demuxer: d}
	d.track = it
	return nil
}

func codecTagFor(formatTag uint16, channels, bitsPerSample int) string {
	switch formatTag {
	case formatPCM:
		switch bitsPerSample {
		case 8:
			return "pcm-u8"
		case 24:
			return "pcm-s24"
		case 32:
			return "pcm-s32"
		default:
			return "pcm-s16"
		}
	case formatIEEEFloat:
		if bitsPerSample == 64 {
			return "pcm-f64"
		}
		return "pcm-f32"
	case formatALaw:
		return "alaw"
	case formatMULaw:
		return "ulaw"
	case formatMP3:
		return "mp3"
	case formatAC3:
		return "ac3"
	default:
		return "pcm-s16"
	}
}

func (d *Demuxer) parseList(ctx context.Context, start, size uint64) {
	slice, err := d.reader.Slice(ctx, start, size)
	if err != nil || slice == nil || slice.Len() < 4 {
		return
	}
	listType, _ := slice.ReadBytes(4)
	if string(listType) != "INFO" {
		return
	}
	for slice.Len() >= 8 {
		idBytes, _ := slice.ReadBytes(4)
		entrySize, _ := slice.ReadU32LE()
		if int(entrySize) > slice.Len() {
			return
		}
		data, _ := slice.ReadBytes(int(entrySize))
		if entrySize%2 == 1 && slice.Len() > 0 {
			slice.Skip(1)
		}
		value := trimNUL(data)
		switch string(idBytes) {
		case "IART":
			d.artist = value
		case "INAM":
			d.title = value
		}
	}
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// buildFrames splits the data chunk into virtual packets: one AC-3 sync frame
// each for AC-3, a single whole-chunk packet for MP3 or a zero blockAlign, and
// otherwise samplesPerPacket sample frames (blockAlign bytes each) per packet.
func (d *Demuxer) buildFrames(ctx context.Context) error {
	if d.formatTag == formatAC3 {
		return d.buildAC3Frames(ctx)
	}
	if d.formatTag == formatMP3 || d.blockAlign == 0 {
		// MP3-in-WAVE has no fixed-size frame structure to split on here
		// (a dedicated reader should hand these bytes to container/mp3);
		// expose the whole data chunk as one packet.
		duration := 0.0
		if d.bytesPerSec > 0 {
			duration = float64(d.dataSize) / float64(d.bytesPerSec)
		}
		d.frames = []frameEntry{{offset: d.dataStart, length: int(d.dataSize), timestamp: 0, duration: duration}}
		return nil
	}

	packetBytes := uint64(samplesPerPacket * d.blockAlign)
	sampleRate := d.track.SampleRate
	offset := d.dataStart
	end := d.dataStart + d.dataSize
	samplesSoFar := int64(0)
	for offset < end {
		length := packetBytes
		if offset+length > end {
			length = end - offset
		}
		samples := int64(length) / int64(d.blockAlign)
		ts := float64(samplesSoFar) / float64(sampleRate)
		dur := float64(samples) / float64(sampleRate)
		d.frames = append(d.frames, frameEntry{offset: offset, length: int(length), timestamp: ts, duration: dur})
		samplesSoFar += samples
		offset += length
	}
	return nil
}

// buildAC3Frames walks the data chunk's raw AC-3 bitstream one sync frame at
// a time via codec/ac3.ParseSyncFrameHeader, so each virtual packet carries
// exactly one decodable AC-3 frame instead of an arbitrary byte range.
func (d *Demuxer) buildAC3Frames(ctx context.Context) error {
	offset := d.dataStart
	end := d.dataStart + d.dataSize
	samplesSoFar := int64(0)
	sampleRate := d.track.SampleRate

	for offset+8 <= end {
		hdrSlice, err := d.reader.Slice(ctx, offset, 8)
		if err != nil {
			return err
		}
		if hdrSlice == nil || hdrSlice.Len() < 8 {
			break
		}
		hdr, err := ac3.ParseSyncFrameHeader(hdrSlice.Bytes())
		if err != nil {
			// Not a clean sync frame boundary (trailing padding or a
			// corrupt stream): stop rather than misparse the remainder.
			break
		}
		length := uint64(hdr.FrameSize)
		if offset+length > end {
			length = end - offset
		}
		if sampleRate == 0 {
			sampleRate = hdr.SampleRate
		}
		ts := float64(samplesSoFar) / float64(sampleRate)
		dur := float64(ac3SamplesPerFrame) / float64(sampleRate)
		d.frames = append(d.frames, frameEntry{offset: offset, length: int(length), timestamp: ts, duration: dur})
		samplesSoFar += ac3SamplesPerFrame
		offset += length
	}

	if len(d.frames) == 0 {
		// No parseable AC-3 frame at all: fall back to exposing the whole
		// chunk as one packet rather than an empty track.
		duration := 0.0
		if d.bytesPerSec > 0 {
			duration = float64(d.dataSize) / float64(d.bytesPerSec)
		}
		d.frames = []frameEntry{{offset: d.dataStart, length: int(d.dataSize), timestamp: 0, duration: duration}}
	}
	return nil
}

// backing implements track.Backing over the demuxer's virtual-packet index.
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
		return nil, avperr.InvalidFormatf("wave.backing.fetch", "packet %d past end of source", idx)
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
