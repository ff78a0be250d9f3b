// Package avi demuxes a RIFF/AVI container (§4.7): `hdrl` with `avih` (main
// header) and per-stream `strl` (`strh`+`strf`), a `movi` list of interleaved
// chunks named `NNxx`, and a flat `idx1` index of `(ckid, flags, offset,
// size)` tuples (key frames have bit 0x10 set).
//
// General chunk-walking shape and strl/strh/strf field layout are grounded
// on charlescerisier/vdk's format/avi demuxer (aviio.ReadMainAVIHeader,
// aviio.ReadStreamHeader, aviio.ReadBitmapInfoHeader, aviio.ReadWaveFormatEx,
// the "00dc"/"01wb" chunk-ID convention and AVIIF_KEYFRAME).
//
// OpenDML `indx`/`ix00` super-index chunks are not parsed: idx1 alone covers
// every file this demuxer is exercised against, and indx only matters for
// >1GiB captures where idx1's 32-bit offsets overflow.
package avi

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

const keyFrameFlag = 0x10 // AVIIF_KEYFRAME

// mainHeader mirrors the 56-byte AVIMAINHEADER (avih) fields this demuxer uses.
type mainHeader struct {
	microSecPerFrame    uint32
	maxBytesPerSec      uint32
	totalFrames         uint32
	streams             uint32
	suggestedBufferSize uint32
	width, height       uint32
}

type streamInfo struct {
	kind       track.Kind
	codecTag   string
	fccType    string // "vids" or "auds"
	scale      uint32
	rate       uint32
	length     uint32
	sampleSize uint32
	sampleRate int
	channels   int
	decoderCfg []byte
	width      int
	height     int
}

type frameEntry struct {
	streamIndex int
	offset      uint64
	length      int
	timestamp   float64
	duration    float64
	keyFrame    bool
}

// Demuxer is a multi-track RIFF/AVI demuxer.
type Demuxer struct {
	reader  *byteio.Reader
	tracks  []*track.InputTrack
	streams []streamInfo
	main    mainHeader

	// frames is the flat idx1-ordered index; perTrack holds, for each
	// stream index, the subsequence of frames indices belonging to it, in
	// ascending timestamp order (for binary search seeking).
	frames  []frameEntry
	perTrack [][]int

	moviDataStart uint64

	mu *concurrency.AsyncMutex
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string { return "video/avi" }

// Tracks returns the demuxed tracks, in strl declaration order.
func (d *Demuxer) Tracks() []*track.InputTrack { return d.tracks }

// ComputeDuration returns the longest track's duration, approximating the
// file-level duration the way dwTotalFrames/fps would for a single-video file.
func (d *Demuxer) ComputeDuration(ctx context.Context) (float64, error) {
	var max float64
	for i := range d.streams {
		idxs := d.perTrack[i]
		if len(idxs) == 0 {
			continue
		}
		last := d.frames[idxs[len(idxs)-1]]
		if end := last.timestamp + last.duration; end > max {
			max = end
		}
	}
	return max, nil
}

// videoFourCCToTag maps a BITMAPINFOHEADER biCompression FourCC to a codec tag.
var videoFourCCToTag = map[string]string{
	"H264": "avc", "h264": "avc", "X264": "avc", "x264": "avc", "AVC1": "avc", "avc1": "avc",
	"HEVC": "hevc", "hevc": "hevc", "H265": "hevc", "h265": "hevc", "HVC1": "hevc", "hvc1": "hevc",
	"VP80": "vp8", "VP90": "vp9", "AV01": "av1",
	"FMP4": "mpeg4", "XVID": "mpeg4", "DIVX": "mpeg4", "DX50": "mpeg4", "mp4v": "mpeg4",
}

// audioTagFor maps a WAVEFORMATEX wFormatTag to a codec tag (bits
// parameterize the PCM family, matching container/wave's codecTagFor).
func audioTagFor(formatTag uint16, bitsPerSample int) string {
	switch formatTag {
	case 0x0001: // PCM
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
	case 0x0003:
		return "pcm-f32"
	case 0x0006:
		return "alaw"
	case 0x0007:
		return "ulaw"
	case 0x0055:
		return "mp3"
	case 0x00FF:
		return "aac"
	case 0x2000:
		return "ac3"
	default:
		return ""
	}
}

// Open parses the RIFF/AVI header chain and the idx1 index.
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader: byteio.NewReader(source, cacheBudget),
		mu:     concurrency.NewAsyncMutex(),
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	hdr, err := d.reader.Slice(ctx, 0, 12)
	if err != nil {
		return nil, err
	}
	if hdr == nil || hdr.Len() < 12 {
		return nil, avperr.InvalidFormatf("avi.Open", "stream too short for RIFF header")
	}
	riff, _ := hdr.ReadASCII(4)
	riffSize, _ := hdr.ReadU32LE()
	form, _ := hdr.ReadASCII(4)
	if riff != "RIFF" || form != "AVI " {
		return nil, avperr.InvalidFormatf("avi.Open", "missing RIFF/AVI header")
	}
	_ = riffSize

	offset := uint64(12)
	var idxEntries []rawIndexEntry
	for offset+8 <= size {
		ckHdr, err := d.reader.Slice(ctx, offset, 8)
		if err != nil {
			return nil, err
		}
		if ckHdr == nil || ckHdr.Len() < 8 {
			break
		}
		fourCC, _ := ckHdr.ReadASCII(4)
		chunkSize, _ := ckHdr.ReadU32LE()
		bodyOffset := offset + 8

		switch fourCC {
		case "LIST":
			listSlice, err := d.reader.Slice(ctx, bodyOffset, 4)
			if err != nil {
				return nil, err
			}
			if listSlice == nil || listSlice.Len() < 4 {
				break
			}
			listType, _ := listSlice.ReadASCII(4)
			switch listType {
			case "hdrl":
				if err := d.parseHdrl(ctx, bodyOffset+4, uint64(chunkSize)-4); err != nil {
					return nil, err
				}
			case "movi":
				d.moviDataStart = bodyOffset + 4
			}
		case "idx1":
			idxEntries, err = parseIdx1(ctx, d.reader, bodyOffset, uint64(chunkSize))
			if err != nil {
				return nil, err
			}
		}

		offset = bodyOffset + uint64(chunkSize)
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if len(d.streams) == 0 {
		return nil, avperr.InvalidFormatf("avi.Open", "no supported streams in hdrl")
	}
	if idxEntries == nil {
		return nil, avperr.InvalidFormatf("avi.Open", "missing idx1 index")
	}

	d.buildFrames(idxEntries)

	d.tracks = make([]*track.InputTrack, len(d.streams))
	d.perTrack = make([][]int, len(d.streams))
	for i, s := range d.streams {
		it := track.NewInputTrack(i, s.kind, s.codecTag)
		if s.kind == track.Video {
			it.Width = s.width
			it.Height = s.height
		} else {
			it.SampleRate = s.sampleRate
			it.Channels = s.channels
			it.TimeResolution = uint64(s.sampleRate)
		}
		it.DecoderConfig = s.decoderCfg
		it.Backing = &backing{demuxer: d, streamIndex: i}
		d.tracks[i] = it
	}
	for idx, f := range d.frames {
		d.perTrack[f.streamIndex] = append(d.perTrack[f.streamIndex], idx)
	}

	return d, nil
}

func (d *Demuxer) parseHdrl(ctx context.Context, start, size uint64) error {
	offset := start
	end := start + size
	for offset+8 <= end {
		ckHdr, err := d.reader.Slice(ctx, offset, 8)
		if err != nil {
			return err
		}
		if ckHdr == nil || ckHdr.Len() < 8 {
			break
		}
		fourCC, _ := ckHdr.ReadASCII(4)
		chunkSize, _ := ckHdr.ReadU32LE()
		bodyOffset := offset + 8

		switch fourCC {
		case "avih":
			if err := d.parseMainHeader(ctx, bodyOffset, uint64(chunkSize)); err != nil {
				return err
			}
		case "LIST":
			listSlice, err := d.reader.Slice(ctx, bodyOffset, 4)
			if err != nil {
				return err
			}
			if listSlice != nil && listSlice.Len() >= 4 {
				listType, _ := listSlice.ReadASCII(4)
				if listType == "strl" {
					if err := d.parseStrl(ctx, bodyOffset+4, uint64(chunkSize)-4); err != nil {
						return err
					}
				}
			}
		}

		offset = bodyOffset + uint64(chunkSize)
		if chunkSize%2 == 1 {
			offset++
		}
	}
	return nil
}

func (d *Demuxer) parseMainHeader(ctx context.Context, start, size uint64) error {
	s, err := d.reader.Slice(ctx, start, size)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 40 {
		return avperr.InvalidFormatf("avi.parseMainHeader", "truncated avih")
	}
	microSecPerFrame, _ := s.ReadU32LE()
	maxBytesPerSec, _ := s.ReadU32LE()
	s.Skip(4) // dwPaddingGranularity
	s.Skip(4) // dwFlags
	totalFrames, _ := s.ReadU32LE()
	s.Skip(4) // dwInitialFrames
	streams, _ := s.ReadU32LE()
	suggestedBufferSize, _ := s.ReadU32LE()
	width, _ := s.ReadU32LE()
	height, _ := s.ReadU32LE()
	d.main = mainHeader{
		microSecPerFrame:    microSecPerFrame,
		maxBytesPerSec:      maxBytesPerSec,
		totalFrames:         totalFrames,
		streams:             streams,
		suggestedBufferSize: suggestedBufferSize,
		width:               width,
		height:              height,
	}
	return nil
}

func (d *Demuxer) parseStrl(ctx context.Context, start, size uint64) error {
	offset := start
	end := start + size
	var info streamInfo

	for offset+8 <= end {
		ckHdr, err := d.reader.Slice(ctx, offset, 8)
		if err != nil {
			return err
		}
		if ckHdr == nil || ckHdr.Len() < 8 {
			break
		}
		fourCC, _ := ckHdr.ReadASCII(4)
		chunkSize, _ := ckHdr.ReadU32LE()
		bodyOffset := offset + 8

		switch fourCC {
		case "strh":
			s, err := d.reader.Slice(ctx, bodyOffset, uint64(chunkSize))
			if err != nil {
				return err
			}
			if s == nil || s.Len() < 48 {
				return avperr.InvalidFormatf("avi.parseStrl", "truncated strh")
			}
			fccType, _ := s.ReadASCII(4)
			s.Skip(4) // fccHandler
			s.Skip(4) // dwFlags
			s.Skip(4) // wPriority + wLanguage
			s.Skip(4) // dwInitialFrames
			scale, _ := s.ReadU32LE()
			rate, _ := s.ReadU32LE()
			s.Skip(4) // dwStart
			length, _ := s.ReadU32LE()
			s.Skip(4) // dwSuggestedBufferSize
			s.Skip(4) // dwQuality
			sampleSize, _ := s.ReadU32LE()

			info.fccType = fccType
			info.scale = scale
			info.rate = rate
			info.length = length
			info.sampleSize = sampleSize
			if fccType == "vids" {
				info.kind = track.Video
			} else {
				info.kind = track.Audio
			}

		case "strf":
			s, err := d.reader.Slice(ctx, bodyOffset, uint64(chunkSize))
			if err != nil {
				return err
			}
			if s == nil {
				return avperr.InvalidFormatf("avi.parseStrl", "truncated strf")
			}
			if info.fccType == "vids" {
				if err := parseBitmapInfoHeader(s, &info); err != nil {
					return err
				}
			} else if info.fccType == "auds" {
				if err := parseWaveFormat(s, &info); err != nil {
					return err
				}
			}
		}

		offset = bodyOffset + uint64(chunkSize)
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if info.codecTag == "" {
		// Unsupported codec for this stream; skip it entirely rather than
		// emitting a track no decoder could use.
		return nil
	}
	d.streams = append(d.streams, info)
	return nil
}

func parseBitmapInfoHeader(s *byteio.Slice, info *streamInfo) error {
	if s.Len() < 40 {
		return avperr.InvalidFormatf("avi.parseBitmapInfoHeader", "truncated BITMAPINFOHEADER")
	}
	s.Skip(4) // biSize
	width, _ := s.ReadU32LE()
	height, _ := s.ReadU32LE()
	s.Skip(2) // biPlanes
	s.Skip(2) // biBitCount
	compression, _ := s.ReadBytes(4)
	info.width = int(width)
	info.height = int(int32(height)) // height may be stored negative (top-down)
	if info.height < 0 {
		info.height = -info.height
	}
	info.codecTag = videoFourCCToTag[string(compression)]
	const remainingStandardFields = 20 // biSizeImage/biXPelsPerMeter/biYPelsPerMeter/biClrUsed/biClrImportant
	if extra := s.Remaining(); extra > remainingStandardFields {
		s.Skip(remainingStandardFields)
		rest, _ := s.ReadBytes(extra - remainingStandardFields)
		info.decoderCfg = rest
	}
	return nil
}

func parseWaveFormat(s *byteio.Slice, info *streamInfo) error {
	if s.Len() < 16 {
		return avperr.InvalidFormatf("avi.parseWaveFormat", "truncated WAVEFORMATEX")
	}
	formatTag, _ := s.ReadU16LE()
	channels, _ := s.ReadU16LE()
	samplesPerSec, _ := s.ReadU32LE()
	s.Skip(4) // nAvgBytesPerSec
	s.Skip(2) // nBlockAlign
	bitsPerSample, _ := s.ReadU16LE()
	info.sampleRate = int(samplesPerSec)
	info.channels = int(channels)
	info.codecTag = audioTagFor(formatTag, int(bitsPerSample))
	if s.Remaining() >= 2 {
		cbSize, _ := s.ReadU16LE()
		if int(cbSize) <= s.Remaining() {
			extra, _ := s.ReadBytes(int(cbSize))
			info.decoderCfg = extra
		}
	}
	return nil
}

type rawIndexEntry struct {
	chunkID string
	flags   uint32
	offset  uint64
	size    uint32
}

func parseIdx1(ctx context.Context, reader *byteio.Reader, start, size uint64) ([]rawIndexEntry, error) {
	s, err := reader.Slice(ctx, start, size)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, avperr.InvalidFormatf("avi.parseIdx1", "truncated idx1")
	}
	n := s.Len() / 16
	entries := make([]rawIndexEntry, 0, n)
	for i := 0; i < n; i++ {
		ckid, _ := s.ReadASCII(4)
		flags, _ := s.ReadU32LE()
		off, _ := s.ReadU32LE()
		sz, _ := s.ReadU32LE()
		entries = append(entries, rawIndexEntry{chunkID: ckid, flags: flags, offset: uint64(off), size: sz})
	}
	return entries, nil
}

// buildFrames maps idx1 entries to streams by the "NNxx" chunk-ID convention
// (the first two ASCII digits select the stream index) and computes
// timestamps from each stream's per-chunk sample count (scale/rate).
func (d *Demuxer) buildFrames(entries []rawIndexEntry) {
	perStreamCount := make([]int64, len(d.streams))
	for _, e := range entries {
		if len(e.chunkID) != 4 {
			continue
		}
		streamNum := int(e.chunkID[0]-'0')*10 + int(e.chunkID[1]-'0')
		if streamNum < 0 || streamNum >= len(d.streams) {
			continue
		}
		s := &d.streams[streamNum]
		typeSuffix := e.chunkID[2:4]
		isVideoChunk := typeSuffix == "db" || typeSuffix == "dc"
		isAudioChunk := typeSuffix == "wb"
		if s.kind == track.Video && !isVideoChunk {
			continue
		}
		if s.kind == track.Audio && !isAudioChunk {
			continue
		}

		var ts, dur float64
		if s.kind == track.Video && s.rate > 0 && s.scale > 0 {
			fps := float64(s.rate) / float64(s.scale)
			ts = float64(perStreamCount[streamNum]) / fps
			dur = 1 / fps
		} else if s.kind == track.Audio && s.sampleRate > 0 {
			samplesInChunk := int64(1)
			if s.sampleSize > 0 && s.channels > 0 {
				bytesPerSample := s.sampleSize
				if bytesPerSample > 0 {
					samplesInChunk = int64(e.size) / int64(bytesPerSample)
					if samplesInChunk == 0 {
						samplesInChunk = 1
					}
				}
			}
			ts = float64(perStreamCount[streamNum]) / float64(s.sampleRate)
			dur = float64(samplesInChunk) / float64(s.sampleRate)
			perStreamCount[streamNum] += samplesInChunk
			d.frames = append(d.frames, frameEntry{
				streamIndex: streamNum,
				offset:      d.moviDataStart + e.offset + 8, // +8 skips the per-chunk ckid/size header idx1 offsets point at
				length:      int(e.size),
				timestamp:   ts,
				duration:    dur,
				keyFrame:    e.flags&keyFrameFlag != 0,
			})
			continue
		}

		perStreamCount[streamNum]++
		d.frames = append(d.frames, frameEntry{
			streamIndex: streamNum,
			offset:      d.moviDataStart + e.offset + 8,
			length:      int(e.size),
			timestamp:   ts,
			duration:    dur,
			keyFrame:    e.flags&keyFrameFlag != 0,
		})
	}
}

// backing implements track.Backing over one stream's subsequence of frames.
type backing struct {
	demuxer     *Demuxer
	streamIndex int
}

var _ track.Backing = (*backing)(nil)

func (b *backing) indices() []int { return b.demuxer.perTrack[b.streamIndex] }

func (b *backing) fetch(ctx context.Context, pos int) (*packet.Encoded, error) {
	idxs := b.indices()
	f := b.demuxer.frames[idxs[pos]]
	slice, err := b.demuxer.reader.Slice(ctx, f.offset, uint64(f.length))
	if err != nil {
		return nil, err
	}
	if slice == nil {
		return nil, avperr.InvalidFormatf("avi.backing.fetch", "chunk past end of source")
	}
	typ := packet.Delta
	if f.keyFrame {
		typ = packet.Key
	}
	return packet.New(slice.Bytes(), typ, f.timestamp, f.duration, int64(pos), f.length), nil
}

func (b *backing) GetFirstPacket(ctx context.Context) (*packet.Encoded, error) {
	if len(b.indices()) == 0 {
		return nil, nil
	}
	return b.fetch(ctx, 0)
}

func (b *backing) indexAt(t float64) (int, bool) {
	idxs := b.indices()
	frames := b.demuxer.frames
	pos, found := xutil.BinarySearchFunc(len(idxs), func(i int) int {
		f := frames[idxs[i]]
		switch {
		case t < f.timestamp:
			return -1
		case t >= f.timestamp+f.duration:
			return 1
		default:
			return 0
		}
	})
	if found {
		return pos, true
	}
	if pos > 0 {
		f := frames[idxs[pos-1]]
		if t < f.timestamp+f.duration {
			return pos - 1, true
		}
	}
	return 0, false
}

func (b *backing) GetPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	pos, ok := b.indexAt(t)
	if !ok {
		return nil, nil
	}
	return b.fetch(ctx, pos)
}

func (b *backing) GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	pos := int(p.SequenceNumber()) + 1
	if pos < 0 || pos >= len(b.indices()) {
		return nil, nil
	}
	return b.fetch(ctx, pos)
}

func (b *backing) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	pos, ok := b.indexAt(t)
	if !ok {
		return nil, nil
	}
	idxs := b.indices()
	frames := b.demuxer.frames
	for ; pos >= 0; pos-- {
		if frames[idxs[pos]].keyFrame {
			return b.fetch(ctx, pos)
		}
	}
	return nil, nil
}

func (b *backing) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	idxs := b.indices()
	frames := b.demuxer.frames
	for pos := int(p.SequenceNumber()) + 1; pos < len(idxs); pos++ {
		if frames[idxs[pos]].keyFrame {
			return b.fetch(ctx, pos)
		}
	}
	return nil, nil
}

func (b *backing) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return b.demuxer.streams[b.streamIndex].decoderCfg, nil
}
