// Package ogg demuxes Ogg logical bitstreams (§4.6): page parsing with
// per-page CRC32 validation, beginning-of-stream (BOS) enumeration, Vorbis
// (`\x01vorbis`) / Opus (`OpusHead`) / FLAC-in-Ogg (`\x7FFLAC`) codec
// detection from the first packet of each bitstream, cross-page lacing
// packet assembly, and granule-to-timestamp translation.
//
// Page wire format is grounded on the Xiph Ogg bitstream spec (RFC 3533)
// rather than any one example repo: "OggS" + version(1) + header_type(1) +
// granule_position(8 LE) + serial(4 LE) + page_sequence(4 LE) +
// checksum(4 LE) + page_segments(1) + segment_table(page_segments bytes),
// checksum computed by xutil.OggCRC32 over the whole page with the checksum
// field zeroed (§4.6, §GLOSSARY).
package ogg

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/codec/opus"
	"github.com/avpack/avpack/codec/vorbis"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

const (
	capturePattern  = "OggS"
	pageHeaderFixed = 27 // up to and including page_segments, before the segment table
	// headerProbeWindow covers the largest possible page: fixed header(27) +
	// a full 255-byte segment table + the 255*255 bytes of body it can describe.
	headerProbeWindow = 27 + 255 + 255*255

	headerContinued = 0x01
	headerBOS       = 0x02
	headerEOS       = 0x04

	granuleUnset = -1 // all-ones 64-bit granule_position, "no packets finish on this page"
)

// codec tags this package knows how to sniff and reconstruct headers for.
const (
	codecVorbis = "vorbis"
	codecOpus   = "opus"
	codecFLAC   = "flac"
)

// span is a contiguous byte range contributing to one packet's payload.
type span struct {
	offset uint64
	length int
}

// packetEntry indexes one assembled packet without retaining its bytes,
// following the same lazy-fetch shape as every other container in this repo.
type packetEntry struct {
	spans     []span
	timestamp float64
	duration  float64
}

// logicalStream tracks one Ogg logical bitstream (one serial number) as it
// is discovered and its header packets reconstructed.
type logicalStream struct {
	serial     uint32
	trackIndex int
	kind       track.Kind
	codecTag   string
	sampleRate int
	channels   int

	granuleRate int // samples/sec the granule position counts in
	preSkip     int // Opus only: granule units to discard from the front (§GLOSSARY)

	headerPacketsNeeded int
	headerPackets       [][]byte
	decoderConfig       []byte
	identified          bool

	packets []packetEntry

	pending     []span // spans of the packet currently being assembled
	lastEndTime float64
}

// Demuxer is a multi-bitstream Ogg demuxer.
type Demuxer struct {
	reader  *byteio.Reader
	tracks  []*track.InputTrack
	streams []*logicalStream
	mu      *concurrency.AsyncMutex
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string { return "application/ogg" }

// Tracks returns one track per logical bitstream, in BOS order.
func (d *Demuxer) Tracks() []*track.InputTrack { return d.tracks }

// ComputeDuration returns the longest track duration across all bitstreams.
func (d *Demuxer) ComputeDuration(ctx context.Context) (float64, error) {
	var max float64
	for _, s := range d.streams {
		if n := len(s.packets); n > 0 {
			last := s.packets[n-1]
			if end := last.timestamp + last.duration; end > max {
				max = end
			}
		}
	}
	return max, nil
}

// segmentRun is one packet-segment-run decoded from the page's lacing
// table: a run of 255-byte segments followed by either a terminating
// short segment (terminal true, the packet ends here) or page end with no
// terminator yet (terminal false, the packet continues on the next page of
// this serial).
type segmentRun struct {
	length   int
	terminal bool
}

// page is the decoded form of one Ogg page header plus its segment table,
// used only transiently while scanning.
type page struct {
	offset      uint64 // absolute offset of "OggS"
	headerType  byte
	granule     int64
	serial      uint32
	sequence    uint32
	segments    []segmentRun
	bodyOffset  uint64
	totalLength uint64
}

// Open scans the whole stream once, validating every page's CRC32 (§4.6,
// §8), assembling packets across page boundaries, sniffing each logical
// bitstream's codec from its first packet, and reconstructing the header
// packets each codec needs for decoding.
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader: byteio.NewReader(source, cacheBudget),
		mu:     concurrency.NewAsyncMutex(),
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	byserial := map[uint32]*logicalStream{}

	offset := uint64(0)
	for offset < size {
		p, ok, err := d.readPage(ctx, offset, size)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Resync byte-by-byte, mirroring the Matroska element-id resync
			// (§4.5): an invalid page doesn't abort the scan.
			offset++
			continue
		}

		s, known := byserial[p.serial]
		if !known {
			if p.headerType&headerBOS == 0 {
				// A continuation/data page for a serial we've never seen a
				// BOS page for; ignore it rather than guessing at a codec.
				offset = p.offset + p.totalLength
				continue
			}
			s = &logicalStream{serial: p.serial, trackIndex: len(d.streams)}
			byserial[p.serial] = s
			d.streams = append(d.streams, s)
		}

		d.consumePage(s, p)

		offset = p.offset + p.totalLength
	}

	if len(d.streams) == 0 {
		return nil, avperr.InvalidFormatf("ogg.Open", "no logical bitstream found")
	}

	for _, s := range d.streams {
		if !s.identified {
			return nil, avperr.UnsupportedCodecf("ogg.Open", "logical bitstream %d: unrecognized codec", s.serial)
		}
		it := track.NewInputTrack(s.trackIndex, s.kind, s.codecTag)
		it.SampleRate = s.sampleRate
		it.Channels = s.channels
		it.TimeResolution = uint64(s.granuleRate)
		it.DecoderConfig = s.decoderConfig
		it.Backing = &backing{demuxer: d, stream: s}
		d.tracks = append(d.tracks, it)
	}

	return d, nil
}

// readPage parses one page at offset, validating its checksum. ok is false
// if offset isn't the start of a valid, CRC-correct page.
func (d *Demuxer) readPage(ctx context.Context, offset, size uint64) (*page, bool, error) {
	if offset+pageHeaderFixed > size {
		return nil, false, nil
	}
	probeLen := headerProbeWindow
	if offset+uint64(probeLen) > size {
		probeLen = int(size - offset)
	}
	slice, err := d.reader.Slice(ctx, offset, uint64(probeLen))
	if err != nil {
		return nil, false, err
	}
	if slice == nil || slice.Len() < pageHeaderFixed {
		return nil, false, nil
	}

	sig, _ := slice.ReadBytes(4)
	if string(sig) != capturePattern {
		return nil, false, nil
	}
	if _, err := slice.ReadU8(); err != nil { // version
		return nil, false, nil
	}
	headerType, err := slice.ReadU8()
	if err != nil {
		return nil, false, nil
	}
	granuleRaw, err := slice.ReadU64LE()
	if err != nil {
		return nil, false, nil
	}
	serial, err := slice.ReadU32LE()
	if err != nil {
		return nil, false, nil
	}
	sequence, err := slice.ReadU32LE()
	if err != nil {
		return nil, false, nil
	}
	if _, err := slice.ReadU32LE(); err != nil { // checksum, re-read raw below
		return nil, false, nil
	}
	numSegments, err := slice.ReadU8()
	if err != nil {
		return nil, false, nil
	}
	if slice.Len() < int(numSegments) {
		return nil, false, nil
	}
	segTable, _ := slice.ReadBytes(int(numSegments))

	bodyLen := 0
	var segments []segmentRun
	run := 0
	for _, b := range segTable {
		run += int(b)
		bodyLen += int(b)
		if b < 255 {
			segments = append(segments, segmentRun{length: run, terminal: true})
			run = 0
		}
	}
	if run > 0 {
		// Trailing lacing value of exactly 255 with no terminator: the last
		// segment's packet continues onto the next page of this serial.
		segments = append(segments, segmentRun{length: run, terminal: false})
	}

	totalLen := uint64(pageHeaderFixed) + uint64(numSegments) + uint64(bodyLen)
	if offset+totalLen > size {
		return nil, false, nil
	}

	full, err := d.reader.Slice(ctx, offset, totalLen)
	if err != nil {
		return nil, false, err
	}
	if full == nil || full.Len() < int(totalLen) {
		return nil, false, nil
	}
	raw := append([]byte(nil), full.Bytes()...)
	raw[22], raw[23], raw[24], raw[25] = 0, 0, 0, 0 // zero the checksum field before hashing
	checksum := xutil.OggCRC32(raw)
	wantChecksum := full.Bytes()[22:26]
	if byte(checksum) != wantChecksum[0] || byte(checksum>>8) != wantChecksum[1] ||
		byte(checksum>>16) != wantChecksum[2] || byte(checksum>>24) != wantChecksum[3] {
		return nil, false, nil
	}

	return &page{
		offset:      offset,
		headerType:  headerType,
		granule:     int64(granuleRaw),
		serial:      serial,
		sequence:    sequence,
		segments:    segments,
		bodyOffset:  offset + pageHeaderFixed + uint64(numSegments),
		totalLength: totalLen,
	}, true, nil
}

// consumePage assembles the page's segment runs into packets on s,
// finalizing timestamps for whichever packets complete on this page. A
// run with terminal==false means the packet's last segment ran to the end
// of the page's lacing table with no short terminator; its spans stay in
// s.pending and are completed by a later page of the same serial (§4.6:
// "packets can span pages of the same serial number").
func (d *Demuxer) consumePage(s *logicalStream, p *page) {
	type completed struct {
		spans []span
		bytes int
	}
	var finishedHere []completed

	off := p.bodyOffset
	for _, run := range p.segments {
		if run.length > 0 {
			s.pending = append(s.pending, span{offset: off, length: run.length})
			off += uint64(run.length)
		}
		if !run.terminal {
			continue
		}
		completedPacket := append([]span(nil), s.pending...)
		s.pending = s.pending[:0]
		finishedHere = append(finishedHere, completed{spans: completedPacket, bytes: sumLen(completedPacket)})
	}

	if p.headerType&headerEOS != 0 && len(s.pending) > 0 {
		// The EOS page's lacing table ran out mid-packet with no further
		// page of this serial to supply the terminator; flush what's left
		// rather than silently dropping the stream's final packet.
		completedPacket := append([]span(nil), s.pending...)
		s.pending = s.pending[:0]
		finishedHere = append(finishedHere, completed{spans: completedPacket, bytes: sumLen(completedPacket)})
	}

	if len(finishedHere) == 0 {
		return
	}

	// Identify the bitstream (and, for a brand-new stream, pin lastEndTime
	// to granule 0's timestamp) before any granuleToTime call below, since
	// that conversion depends on the codec-specific granule rate/pre-skip
	// this determines.
	for _, c := range finishedHere {
		s.maybeSniff(c.spans, d)
	}

	if p.granule == granuleUnset {
		// No packet's end-timestamp is authoritative on this page (typical
		// of early pages of a high-bitrate stream whose first packet spans
		// several pages); packets finishing here keep accumulating without
		// a pinned timestamp until a later page supplies one. We still need
		// *some* placeholder ordering, so stash them with zero duration at
		// the stream's current lastEndTime; a following page's granule will
		// not retroactively fix these, which is the documented
		// approximation for this rare case.
		for _, c := range finishedHere {
			s.packets = append(s.packets, packetEntry{spans: c.spans, timestamp: s.lastEndTime, duration: 0})
		}
		return
	}

	pageEndTime := s.granuleToTime(p.granule)
	totalBytes := 0
	for _, c := range finishedHere {
		totalBytes += c.bytes
	}
	if totalBytes == 0 {
		totalBytes = 1
	}

	cursor := s.lastEndTime
	remaining := pageEndTime - s.lastEndTime
	for i, c := range finishedHere {
		var dur float64
		if i == len(finishedHere)-1 {
			// Page-terminal packet: pin exactly to the authoritative
			// granule rather than let rounding drift accumulate (§4.6).
			dur = pageEndTime - cursor
		} else {
			// Mid-page completions have no granule of their own; apportion
			// the page's time delta by byte share. This is an approximation
			// in place of decoding each packet's Vorbis mode number to get
			// its exact block size (codec/vorbis.SetupHeader.BlockSize
			// could do that, but requires tracking per-packet mode bits,
			// out of scope here).
			dur = remaining * float64(c.bytes) / float64(totalBytes)
		}
		if dur < 0 {
			dur = 0
		}
		s.packets = append(s.packets, packetEntry{spans: c.spans, timestamp: cursor, duration: dur})
		cursor += dur
	}
	s.lastEndTime = pageEndTime
}

func sumLen(spans []span) int {
	n := 0
	for _, sp := range spans {
		n += sp.length
	}
	return n
}

// granuleToTime converts a raw granule position to a timestamp in seconds,
// per the codec-specific rule spec.md §4.6 names explicitly.
func (s *logicalStream) granuleToTime(g int64) float64 {
	if g < 0 {
		g = 0
	}
	switch s.codecTag {
	case codecOpus:
		adjusted := g - int64(s.preSkip)
		return float64(adjusted) / 48000.0
	default:
		return float64(g) / float64(s.granuleRate)
	}
}

// maybeSniff reads a just-completed packet's payload to identify the
// bitstream's codec and collect header packets, only while identification
// is still in progress.
func (s *logicalStream) maybeSniff(spans []span, d *Demuxer) {
	if s.identified {
		return
	}
	payload := d.readSpans(context.Background(), spans)

	if len(s.headerPackets) == 0 {
		switch {
		case len(payload) >= 7 && payload[0] == 1 && string(payload[1:7]) == "vorbis":
			s.codecTag = codecVorbis
			s.kind = track.Audio
			s.headerPacketsNeeded = 3
			if ident, err := vorbis.ParseIdentificationHeader(payload); err == nil {
				s.sampleRate = int(ident.SampleRate)
				s.channels = int(ident.Channels)
				s.granuleRate = int(ident.SampleRate)
			}
		case len(payload) >= 8 && string(payload[:8]) == "OpusHead":
			s.codecTag = codecOpus
			s.kind = track.Audio
			s.headerPacketsNeeded = 2
			s.granuleRate = 48000
			if id, err := opus.ParseIDHeader(payload); err == nil {
				s.channels = int(id.ChannelCount)
				s.sampleRate = int(id.InputSampleRate)
				s.preSkip = int(id.PreSkip)
			}
			s.decoderConfig = append([]byte(nil), payload...)
		case len(payload) >= 5 && payload[0] == 0x7F && string(payload[1:5]) == "FLAC":
			s.codecTag = codecFLAC
			s.kind = track.Audio
			s.headerPacketsNeeded = 1 + flacOggNumHeaders(payload)
			sampleRate, channels, _, decoderCfg := parseFLACOggFirstPacket(payload)
			s.sampleRate = int(sampleRate)
			s.channels = int(channels)
			s.granuleRate = int(sampleRate)
			s.decoderConfig = decoderCfg
		default:
			// Unknown codec on this bitstream; leave unidentified, Open
			// will reject it once scanning completes.
			return
		}
		// The stream's timeline starts at granule 0, which for Opus is
		// -pre_skip/48000 rather than 0 (RFC 7845 §4.2): the first page's
		// decodable audio overlaps the discarded pre-skip region, so early
		// packets legitimately carry a negative timestamp.
		s.lastEndTime = s.granuleToTime(0)
	}

	s.headerPackets = append(s.headerPackets, payload)
	if len(s.headerPackets) >= s.headerPacketsNeeded {
		s.identified = true
		if s.codecTag == codecVorbis {
			s.decoderConfig = buildVorbisExtradata(s.headerPackets)
		}
	}
}

// flacOggNumHeaders reads the 16-bit header-packet count from the
// "\x7FFLAC" mapping's first packet (bytes 7:9, big-endian).
func flacOggNumHeaders(payload []byte) int {
	if len(payload) < 9 {
		return 0
	}
	return int(payload[7])<<8 | int(payload[8])
}

// parseFLACOggFirstPacket extracts STREAMINFO fields from the first FLAC-
// in-Ogg packet: "\x7FFLAC" + major(1) + minor(1) + numheaders(2 BE) +
// "fLaC" + METADATA_BLOCK_HEADER(4) + STREAMINFO body(34), reusing the same
// bit layout container/flac's native-stream parser uses (§4.6 supplement).
func parseFLACOggFirstPacket(payload []byte) (sampleRate uint32, channels, bitsPerSample uint8, decoderConfig []byte) {
	const prefixLen = 9 + 4 + 4 // "\x7FFLAC" + major/minor/numheaders + "fLaC" + block header
	if len(payload) < prefixLen+34 {
		return 0, 0, 0, nil
	}
	body := payload[prefixLen : prefixLen+34]
	s := byteio.NewSlice(body)
	_, _ = s.ReadU16BE() // min block size
	_, _ = s.ReadU16BE() // max block size
	_, _ = s.ReadU24BE() // min frame size
	_, _ = s.ReadU24BE() // max frame size
	rest, _ := s.ReadBytes(8)
	if len(rest) < 8 {
		return 0, 0, 0, nil
	}
	bits := uint64(rest[0])<<56 | uint64(rest[1])<<48 | uint64(rest[2])<<40 | uint64(rest[3])<<32 |
		uint64(rest[4])<<24 | uint64(rest[5])<<16 | uint64(rest[6])<<8 | uint64(rest[7])
	sampleRate = uint32(bits >> 44)
	channels = uint8((bits>>41)&0x7) + 1
	bitsPerSample = uint8((bits>>36)&0x1f) + 1
	return sampleRate, channels, bitsPerSample, append([]byte(nil), body...)
}

// buildVorbisExtradata packs the three Vorbis header packets with Xiph-
// lacing lengths prefixed ahead of the first two: header_count-1, then the
// xiph-laced length of each header but the last, then the concatenated
// header bytes — the format ffmpeg/ogm-derived muxers and avpack's own
// Matroska writer expect in a Vorbis track's CodecPrivate (§4.6: "matching
// the format other subsystems expect").
func buildVorbisExtradata(headers [][]byte) []byte {
	out := []byte{byte(len(headers) - 1)}
	for i := 0; i < len(headers)-1; i++ {
		out = append(out, xiphLace(len(headers[i]))...)
	}
	for _, h := range headers {
		out = append(out, h...)
	}
	return out
}

func xiphLace(n int) []byte {
	var out []byte
	for n >= 255 {
		out = append(out, 255)
		n -= 255
	}
	out = append(out, byte(n))
	return out
}

// readSpans fetches and concatenates the byte ranges making up one packet.
// Used both during the identification scan and by backing.fetch.
func (d *Demuxer) readSpans(ctx context.Context, spans []span) []byte {
	if len(spans) == 1 {
		slice, err := d.reader.Slice(ctx, spans[0].offset, uint64(spans[0].length))
		if err != nil || slice == nil {
			return nil
		}
		return append([]byte(nil), slice.Bytes()...)
	}
	var out []byte
	for _, sp := range spans {
		slice, err := d.reader.Slice(ctx, sp.offset, uint64(sp.length))
		if err != nil || slice == nil {
			return out
		}
		out = append(out, slice.Bytes()...)
	}
	return out
}

// backing implements track.Backing over one logical bitstream's packet index.
type backing struct {
	demuxer *Demuxer
	stream  *logicalStream
}

var _ track.Backing = (*backing)(nil)

func (b *backing) fetch(ctx context.Context, idx int) (*packet.Encoded, error) {
	f := b.stream.packets[idx]
	data := b.demuxer.readSpans(ctx, f.spans)
	if data == nil && sumLen(f.spans) > 0 {
		return nil, avperr.InvalidFormatf("ogg.backing.fetch", "packet %d past end of source", idx)
	}
	return packet.New(data, packet.Key, f.timestamp, f.duration, int64(idx), sumLen(f.spans)), nil
}

func (b *backing) GetFirstPacket(ctx context.Context) (*packet.Encoded, error) {
	if len(b.stream.packets) == 0 {
		return nil, nil
	}
	return b.fetch(ctx, 0)
}

func (b *backing) indexAt(t float64) (int, bool) {
	packets := b.stream.packets
	idx, found := xutil.BinarySearchFunc(len(packets), func(i int) int {
		switch {
		case t < packets[i].timestamp:
			return -1
		case t >= packets[i].timestamp+packets[i].duration:
			return 1
		default:
			return 0
		}
	})
	if found {
		return idx, true
	}
	if idx > 0 && t < packets[idx-1].timestamp+packets[idx-1].duration {
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
	if idx < 0 || idx >= len(b.stream.packets) {
		return nil, nil
	}
	return b.fetch(ctx, idx)
}

// GetKeyPacket delegates to GetPacket: audio-only formats here have no
// delta-frame dependency chain, every packet decodes independently.
func (b *backing) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	return b.GetPacket(ctx, t)
}

func (b *backing) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	return b.GetNextPacket(ctx, p)
}

func (b *backing) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return b.stream.decoderConfig, nil
}
