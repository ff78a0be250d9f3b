// Package flac demuxes a native FLAC stream (§4.7): the "fLaC" signature,
// a sequence of METADATA_BLOCKs (STREAMINFO first, then optionally
// SEEKTABLE/VORBIS_COMMENT/PICTURE/PADDING/etc.), followed by a frame-synced
// packet stream (§4.7 supplement: "reusing the same scan-for-sync-code,
// validate-header shape" as the MP3/ADTS scanners).
//
// Block header layout is grounded on mewkiz/flac's meta.BlockHeader: 1-bit
// IsLast + 7-bit BlockType + 24-bit Length, big-endian.
package flac

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

const (
	signature         = "fLaC"
	headerProbeWindow = 16 // FLAC frame header is at most ~16 bytes before the variable-length fields resolve
)

// Metadata block types (mewkiz/flac: meta.BlockType).
const (
	blockTypeStreamInfo = 0
	blockTypePadding    = 1
	blockTypeApplication = 2
	blockTypeSeekTable  = 3
	blockTypeVorbisComment = 4
	blockTypeCueSheet   = 5
	blockTypePicture    = 6
)

// StreamInfo is the mandatory first metadata block (STREAMINFO).
type StreamInfo struct {
	MinBlockSize  uint16
	MaxBlockSize  uint16
	MinFrameSize  uint32
	MaxFrameSize  uint32
	SampleRate    uint32
	ChannelCount  uint8
	BitsPerSample uint8
	SampleCount   uint64
	MD5           [16]byte
}

type frameEntry struct {
	offset    uint64
	length    int
	timestamp float64
	duration  float64
}

// Demuxer is a single-track native FLAC demuxer.
type Demuxer struct {
	reader     *byteio.Reader
	track      *track.InputTrack
	streamInfo StreamInfo
	frames     []frameEntry

	vendor  string
	comment map[string]string

	mu *concurrency.AsyncMutex
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string { return "audio/flac" }

// Tracks returns the single audio track.
func (d *Demuxer) Tracks() []*track.InputTrack { return []*track.InputTrack{d.track} }

// ComputeDuration returns the total stream duration in seconds.
func (d *Demuxer) ComputeDuration(ctx context.Context) (float64, error) {
	if d.streamInfo.SampleRate == 0 {
		return 0, nil
	}
	if d.streamInfo.SampleCount > 0 {
		return float64(d.streamInfo.SampleCount) / float64(d.streamInfo.SampleRate), nil
	}
	if len(d.frames) == 0 {
		return 0, nil
	}
	last := d.frames[len(d.frames)-1]
	return last.timestamp + last.duration, nil
}

// VorbisComment returns the parsed VORBIS_COMMENT tags, if present.
func (d *Demuxer) VorbisComment() (vendor string, tags map[string]string) { return d.vendor, d.comment }

// Open validates the "fLaC" signature, walks the metadata block chain, then
// scans the audio frame stream.
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader:  byteio.NewReader(source, cacheBudget),
		mu:      concurrency.NewAsyncMutex(),
		comment: map[string]string{},
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	slice, err := d.reader.Slice(ctx, 0, 4)
	if err != nil {
		return nil, err
	}
	if slice == nil || slice.Len() < 4 {
		return nil, avperr.InvalidFormatf("flac.Open", "stream too short for fLaC signature")
	}
	sig, _ := slice.ReadBytes(4)
	if string(sig) != signature {
		return nil, avperr.InvalidFormatf("flac.Open", "missing fLaC signature")
	}

	offset := uint64(4)
	haveStreamInfo := false
	for {
		hdrSlice, err := d.reader.Slice(ctx, offset, 4)
		if err != nil {
			return nil, err
		}
		if hdrSlice == nil || hdrSlice.Len() < 4 {
			return nil, avperr.InvalidFormatf("flac.Open", "truncated metadata block header")
		}
		b0, _ := hdrSlice.ReadU8()
		b1, _ := hdrSlice.ReadU8()
		b2, _ := hdrSlice.ReadU8()
		b3, _ := hdrSlice.ReadU8()
		isLast := b0&0x80 != 0
		blockType := b0 & 0x7f
		length := int(b1)<<16 | int(b2)<<8 | int(b3)
		offset += 4

		bodySlice, err := d.reader.Slice(ctx, offset, uint64(length))
		if err != nil {
			return nil, err
		}
		if bodySlice == nil || bodySlice.Len() < length {
			return nil, avperr.InvalidFormatf("flac.Open", "truncated metadata block body")
		}

		switch blockType {
		case blockTypeStreamInfo:
			if err := d.parseStreamInfo(bodySlice); err != nil {
				return nil, err
			}
			haveStreamInfo = true
		case blockTypeVorbisComment:
			d.parseVorbisComment(bodySlice)
		default:
			// SEEKTABLE/PICTURE/APPLICATION/CUESHEET/PADDING: opportunistically
			// skipped (§4.7 supplement lists these as the flat remainder of the
			// metadata chain, not required for demuxing).
		}

		offset += uint64(length)
		if isLast {
			break
		}
	}

	if !haveStreamInfo {
		return nil, avperr.InvalidFormatf("flac.Open", "missing STREAMINFO block")
	}

	if err := d.scanFrames(ctx, offset, size); err != nil {
		return nil, err
	}

	it := track.NewInputTrack(0, track.Audio, "flac")
	it.SampleRate = int(d.streamInfo.SampleRate)
	it.Channels = int(d.streamInfo.ChannelCount)
	it.TimeResolution = uint64(d.streamInfo.SampleRate)
	it.Backing = &backing{demuxer: d}
	d.track = it

	return d, nil
}

func (d *Demuxer) parseStreamInfo(s *byteio.Slice) error {
	minBlock, _ := s.ReadU16BE()
	maxBlock, _ := s.ReadU16BE()
	minFrame24, _ := s.ReadU24BE()
	maxFrame24, _ := s.ReadU24BE()
	rest, _ := s.ReadBytes(8) // sample_rate(20) + channels-1(3) + bits-1(5) + sample_count(36)
	if len(rest) < 8 {
		return avperr.InvalidFormatf("flac.parseStreamInfo", "truncated STREAMINFO")
	}
	bits := uint64(rest[0])<<56 | uint64(rest[1])<<48 | uint64(rest[2])<<40 | uint64(rest[3])<<32 |
		uint64(rest[4])<<24 | uint64(rest[5])<<16 | uint64(rest[6])<<8 | uint64(rest[7])
	sampleRate := uint32(bits >> 44)
	channels := uint8((bits>>41)&0x7) + 1
	bitsPerSample := uint8((bits>>36)&0x1f) + 1
	sampleCount := bits & 0xfffffffff

	var md5 [16]byte
	md5Bytes, _ := s.ReadBytes(16)
	copy(md5[:], md5Bytes)

	d.streamInfo = StreamInfo{
		MinBlockSize:  minBlock,
		MaxBlockSize:  maxBlock,
		MinFrameSize:  minFrame24,
		MaxFrameSize:  maxFrame24,
		SampleRate:    sampleRate,
		ChannelCount:  channels,
		BitsPerSample: bitsPerSample,
		SampleCount:   sampleCount,
		MD5:           md5,
	}
	if sampleRate == 0 {
		return avperr.InvalidFormatf("flac.parseStreamInfo", "invalid sample rate 0")
	}
	return nil
}

// parseVorbisComment reads the Ogg-style VORBIS_COMMENT tag block (identical
// wire format to the one the Ogg Vorbis header carries; §4.6/§4.7 both rely
// on the same little-endian length-prefixed string convention).
func (d *Demuxer) parseVorbisComment(s *byteio.Slice) {
	vendorLen, err := s.ReadU32LE()
	if err != nil {
		return
	}
	vendorBytes, _ := s.ReadBytes(int(vendorLen))
	d.vendor = string(vendorBytes)

	count, err := s.ReadU32LE()
	if err != nil {
		return
	}
	for i := uint32(0); i < count; i++ {
		entryLen, err := s.ReadU32LE()
		if err != nil {
			return
		}
		entry, _ := s.ReadBytes(int(entryLen))
		for j := 0; j < len(entry); j++ {
			if entry[j] == '=' {
				d.comment[string(entry[:j])] = string(entry[j+1:])
				break
			}
		}
	}
}

// scanFrames walks the audio frame stream, resyncing byte-by-byte on a
// failed sync check the same way the MP3 demuxer does under junk/padding.
func (d *Demuxer) scanFrames(ctx context.Context, start, size uint64) error {
	offset := start
	samplesSoFar := int64(0)
	blockSize := int64(d.streamInfo.MaxBlockSize)
	if blockSize == 0 {
		blockSize = int64(d.streamInfo.MinBlockSize)
	}

	for offset+2 <= size {
		slice, err := d.reader.Slice(ctx, offset, headerProbeWindow)
		if err != nil {
			return err
		}
		if slice == nil || slice.Len() < 2 {
			break
		}
		b, _ := slice.ReadBytes(2)
		if b[0] != 0xFF || b[1]&0xF8 != 0xF8 {
			offset++
			continue
		}

		length, ok := d.nextFrameLength(ctx, offset, size)
		if !ok {
			offset++
			continue
		}

		ts := float64(samplesSoFar) / float64(d.streamInfo.SampleRate)
		dur := float64(blockSize) / float64(d.streamInfo.SampleRate)
		d.frames = append(d.frames, frameEntry{offset: offset, length: length, timestamp: ts, duration: dur})
		samplesSoFar += blockSize
		offset += uint64(length)
	}
	if len(d.frames) == 0 {
		return avperr.InvalidFormatf("flac.scanFrames", "no valid FLAC frame found")
	}
	return nil
}

// nextFrameLength finds the next frame's sync code after offset, treating
// the distance between them as this frame's length. The last frame runs to
// the end of the stream.
func (d *Demuxer) nextFrameLength(ctx context.Context, offset, size uint64) (int, bool) {
	for probe := offset + 2; probe+2 <= size; probe++ {
		slice, err := d.reader.Slice(ctx, probe, 2)
		if err != nil || slice == nil || slice.Len() < 2 {
			break
		}
		b, _ := slice.ReadBytes(2)
		if b[0] == 0xFF && b[1]&0xF8 == 0xF8 {
			return int(probe - offset), true
		}
	}
	if size > offset {
		return int(size - offset), true
	}
	return 0, false
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
		return nil, avperr.InvalidFormatf("flac.backing.fetch", "frame %d past end of source", idx)
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

// GetKeyPacket delegates to GetPacket: every FLAC frame decodes independently.
func (b *backing) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	return b.GetPacket(ctx, t)
}

func (b *backing) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	return b.GetNextPacket(ctx, p)
}

func (b *backing) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return nil, nil
}
