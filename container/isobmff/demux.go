package isobmff

import (
	"context"
	"math"
	"sort"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/avpack/avpack/xutil"
)

// MPEG-4 descriptor tags (ISO/IEC 14496-1 §7.2.2) used to unwrap an esds box
// down to the raw AudioSpecificConfig/objectTypeIndication.
const (
	esDescrTag           = 0x03
	decoderConfigDescrTag = 0x04
	decSpecificInfoTag    = 0x05
)

// sampleEntry is one decode-table entry: an absolute file offset/size plus
// the presentation timestamp/duration it was resolved to, either from a
// non-fragmented stbl or from a parsed moof/traf/trun.
type sampleEntry struct {
	offset    uint64
	size      uint32
	timestamp float64
	duration  float64
	keyFrame  bool
}

// trackInfo is the per-track state accumulated while walking moov (and,
// for fragmented files, every moof/traf encountered since).
type trackInfo struct {
	trackID    uint32
	kind       track.Kind
	codecTag   string
	timescale  uint32
	sampleRate int
	channels   int
	width      int
	height     int

	decoderConfig []byte

	// samples is kept sorted by timestamp throughout: built once from stbl
	// for a non-fragmented track, or appended to fragment-by-fragment as
	// ensureFragmentsUpTo walks forward (moof offsets only increase, and a
	// conformant muxer's fragments are presentation-ordered, so a plain
	// append preserves the sort).
	samples []sampleEntry

	// trex defaults (§4.4 "mvex/trex handling"), applied to any trun sample
	// field this track's traf boxes leave unset.
	defaultSampleDuration uint32
	defaultSampleSize     uint32
	defaultSampleFlags    uint32
}

type tfraEntry struct {
	time       uint64 // in this track's mdia timescale
	moofOffset uint64
}

// Demuxer is an ISOBMFF (MP4/MOV) demuxer supporting both a fully-indexed
// non-fragmented moov/stbl SampleTable and lazy fragmented-mode fragment
// discovery driven by the exclusive fragment-lookup protocol (§4.4).
type Demuxer struct {
	reader *byteio.Reader
	tracks []*track.InputTrack

	trackInfos []*trackInfo
	byTrackID  map[uint32]*trackInfo

	majorBrand string
	mvhdTimescale uint32
	duration      float64

	title  string
	artist string

	fragmented      bool
	firstMoofOffset uint64
	tfra            map[uint32][]tfraEntry
	trackCursor     map[uint32]uint64 // per-track running DTS, backfills a missing tfdt

	// parsedMoofOffsets/moofFollowing memoize the fragment walk: once a moof
	// at an offset has been parsed, further lookups that land on it (e.g. a
	// tfra jump re-entering already-covered ground) skip straight past it.
	parsedMoofOffsets map[uint64]bool
	moofFollowing     map[uint64]uint64

	// fragMu guards fragments/samples mutation during the lookup protocol,
	// mirroring container/matroska's segmentMu over clusterOffsets.
	fragMu *concurrency.AsyncMutex
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type, distinguishing a
// QuickTime "qt  " major brand from a generic ISOBMFF/MP4 file.
func (d *Demuxer) MimeType() string {
	if d.majorBrand == "qt  " {
		return "video/quicktime"
	}
	return "video/mp4"
}

// Tracks returns the demuxed tracks, in trak declaration order.
func (d *Demuxer) Tracks() []*track.InputTrack { return d.tracks }

// Title returns the title read from a udta box's "\xa9nam" atom, or "".
func (d *Demuxer) Title() string { return d.title }

// Artist returns the artist read from a udta box's "\xa9ART"/"\xa9art"
// atom, or "".
func (d *Demuxer) Artist() string { return d.artist }

// ComputeDuration prefers mvhd's declared duration; failing that (common for
// a fragmented file with no overall estimate), it forces every track's
// fragment walk to completion and reports the longest track's end time.
func (d *Demuxer) ComputeDuration(ctx context.Context) (float64, error) {
	if d.duration > 0 {
		return d.duration, nil
	}
	var max float64
	for _, info := range d.trackInfos {
		if d.fragmented {
			if err := d.ensureFragmentsUpTo(ctx, info, math.MaxFloat64/2); err != nil {
				return 0, err
			}
		}
		if n := len(info.samples); n > 0 {
			if end := info.samples[n-1].timestamp + info.samples[n-1].duration; end > max {
				max = end
			}
		}
	}
	return max, nil
}

func (d *Demuxer) trackInfoByID(id uint32) *trackInfo { return d.byTrackID[id] }

// Open walks the top-level boxes of source, parsing moov eagerly (and, if
// mvex marks the file fragmented, recording the first moof offset and any
// mfra/tfra lookup table rather than eagerly parsing every fragment).
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	d := &Demuxer{
		reader:            byteio.NewReader(source, cacheBudget),
		byTrackID:         map[uint32]*trackInfo{},
		tfra:              map[uint32][]tfraEntry{},
		trackCursor:       map[uint32]uint64{},
		parsedMoofOffsets: map[uint64]bool{},
		moofFollowing:     map[uint64]uint64{},
		fragMu:            concurrency.NewAsyncMutex(),
	}

	size, err := d.reader.Size(ctx)
	if err != nil {
		return nil, err
	}

	var haveMoov bool
	err = forEachChild(ctx, d.reader, 0, size, func(b box) error {
		switch b.fourcc {
		case "ftyp":
			s, err := d.reader.Slice(ctx, b.bodyStart, 4)
			if err == nil && s != nil && s.Len() >= 4 {
				d.majorBrand, _ = s.ReadASCII(4)
			}
		case "moov":
			haveMoov = true
			return d.parseMoov(ctx, b)
		case "moof":
			if d.firstMoofOffset == 0 {
				d.firstMoofOffset = b.headerStart
			}
		case "mfra":
			return d.parseMfra(ctx, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveMoov {
		return nil, avperr.InvalidFormatf("isobmff.Open", "no moov box found")
	}
	if len(d.trackInfos) == 0 {
		return nil, avperr.UnsupportedCodecf("isobmff.Open", "moov has no track with a recognized codec")
	}

	for _, info := range d.trackInfos {
		d.byTrackID[info.trackID] = info
	}

	d.tracks = make([]*track.InputTrack, len(d.trackInfos))
	for i, info := range d.trackInfos {
		it := track.NewInputTrack(i, info.kind, info.codecTag)
		it.TimeResolution = uint64(info.timescale)
		it.DecoderConfig = info.decoderConfig
		if info.kind == track.Video {
			it.Width = info.width
			it.Height = info.height
		} else {
			it.SampleRate = info.sampleRate
			it.Channels = info.channels
		}
		it.Backing = &backing{demuxer: d, info: info}
		d.tracks[i] = it
	}
	return d, nil
}

// parseMoov walks moov's direct children: mvhd, one or more trak, an
// optional mvex (which marks the file fragmented), and an optional udta.
func (d *Demuxer) parseMoov(ctx context.Context, b box) error {
	return forEachChild(ctx, d.reader, b.bodyStart, b.bodyEnd, func(c box) error {
		switch c.fourcc {
		case "mvhd":
			return d.parseMvhd(ctx, c)
		case "trak":
			return d.parseTrak(ctx, c)
		case "mvex":
			d.fragmented = true
			return d.parseMvex(ctx, c)
		case "udta":
			return d.parseUdta(ctx, c)
		}
		return nil
	})
}

func (d *Demuxer) parseMvhd(ctx context.Context, b box) error {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 4 {
		return avperr.InvalidFormatf("isobmff.parseMvhd", "truncated mvhd")
	}
	version, _, err := readFullBoxHeader(s)
	if err != nil {
		return err
	}
	var timescale uint32
	var durationUnits uint64
	if version == 1 {
		s.Skip(16)
		timescale, _ = s.ReadU32BE()
		durationUnits, _ = s.ReadU64BE()
	} else {
		s.Skip(8)
		timescale, _ = s.ReadU32BE()
		v32, _ := s.ReadU32BE()
		durationUnits = uint64(v32)
	}
	d.mvhdTimescale = timescale
	if timescale > 0 && durationUnits > 0 {
		d.duration = float64(durationUnits) / float64(timescale)
	}
	return nil
}

// parseUdta opportunistically reads the QuickTime-style direct-child text
// atoms ("\xa9nam"/"\xa9ART"): a 2-byte length, 2-byte language code, then
// that many bytes of text. Absence of either is not an error.
func (d *Demuxer) parseUdta(ctx context.Context, b box) error {
	return forEachChild(ctx, d.reader, b.bodyStart, b.bodyEnd, func(c box) error {
		switch c.fourcc {
		case "\xa9nam":
			d.title = readQuickTimeTextAtom(ctx, d.reader, c)
		case "\xa9ART", "\xa9art":
			d.artist = readQuickTimeTextAtom(ctx, d.reader, c)
		}
		return nil
	})
}

func readQuickTimeTextAtom(ctx context.Context, r *byteio.Reader, b box) string {
	s, err := r.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil || s == nil || s.Len() < 4 {
		return ""
	}
	n, _ := s.ReadU16BE()
	s.Skip(2)
	if int(n) > s.Len() {
		n = uint16(s.Len())
	}
	text, _ := s.ReadASCII(int(n))
	return text
}

// trakBuilder accumulates one trak's scattered box fields before trackInfo
// construction (and the stbl tables needed to build its sample list).
type trakBuilder struct {
	trackID  uint32
	kind     track.Kind
	codecTag string

	timescale  uint32
	sampleRate int
	channels   int
	width      int
	height     int

	decoderConfig []byte
}

func (d *Demuxer) parseTrak(ctx context.Context, b box) error {
	tb := &trakBuilder{}
	var sizes []uint32
	var chunkOffsets []uint64
	var stsc []stscEntry
	var stts []sttsEntry
	var stss map[uint32]bool
	var ctts []cttsEntry
	var tableErr error

	walkErr := forEachChild(ctx, d.reader, b.bodyStart, b.bodyEnd, func(c box) error {
		switch c.fourcc {
		case "tkhd":
			return d.parseTkhd(ctx, c, tb)
		case "mdia":
			return forEachChild(ctx, d.reader, c.bodyStart, c.bodyEnd, func(m box) error {
				switch m.fourcc {
				case "mdhd":
					return d.parseMdhd(ctx, m, tb)
				case "hdlr":
					return d.parseHdlr(ctx, m, tb)
				case "minf":
					return forEachChild(ctx, d.reader, m.bodyStart, m.bodyEnd, func(n box) error {
						if n.fourcc != "stbl" {
							return nil
						}
						return forEachChild(ctx, d.reader, n.bodyStart, n.bodyEnd, func(st box) error {
							switch st.fourcc {
							case "stsd":
								return d.parseStsd(ctx, st, tb)
							case "stsz":
								sizes, tableErr = d.parseStsz(ctx, st)
								return tableErr
							case "stco":
								chunkOffsets, tableErr = d.parseStco(ctx, st)
								return tableErr
							case "co64":
								chunkOffsets, tableErr = d.parseCo64(ctx, st)
								return tableErr
							case "stsc":
								stsc, tableErr = d.parseStsc(ctx, st)
								return tableErr
							case "stts":
								stts, tableErr = d.parseStts(ctx, st)
								return tableErr
							case "stss":
								stss, tableErr = d.parseStss(ctx, st)
								return tableErr
							case "ctts":
								ctts, tableErr = d.parseCtts(ctx, st)
								return tableErr
							}
							return nil
						})
					})
				}
				return nil
			})
		}
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	if tb.codecTag == "" {
		// Unrecognized handler/sample-entry type (e.g. timed metadata,
		// closed captions): skip the track rather than fail the whole file,
		// matching container/avi's handling of unsupported strl entries.
		return nil
	}

	info := &trackInfo{
		trackID:       tb.trackID,
		kind:          tb.kind,
		codecTag:      tb.codecTag,
		timescale:     tb.timescale,
		sampleRate:    tb.sampleRate,
		channels:      tb.channels,
		width:         tb.width,
		height:        tb.height,
		decoderConfig: tb.decoderConfig,
	}
	if len(sizes) > 0 && tb.timescale > 0 {
		info.samples = buildSamples(sizes, chunkOffsets, stsc, stts, stss, ctts, tb.timescale)
	}
	d.trackInfos = append(d.trackInfos, info)
	return nil
}

func (d *Demuxer) parseTkhd(ctx context.Context, b box, tb *trakBuilder) error {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return err
	}
	if s == nil {
		return avperr.InvalidFormatf("isobmff.parseTkhd", "truncated tkhd")
	}
	version, _, err := readFullBoxHeader(s)
	if err != nil {
		return err
	}
	if version == 1 {
		s.Skip(16)
		tb.trackID, _ = s.ReadU32BE()
	} else {
		s.Skip(8)
		tb.trackID, _ = s.ReadU32BE()
	}
	return nil
}

func (d *Demuxer) parseMdhd(ctx context.Context, b box, tb *trakBuilder) error {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return err
	}
	if s == nil {
		return avperr.InvalidFormatf("isobmff.parseMdhd", "truncated mdhd")
	}
	version, _, err := readFullBoxHeader(s)
	if err != nil {
		return err
	}
	if version == 1 {
		s.Skip(16)
		tb.timescale, _ = s.ReadU32BE()
	} else {
		s.Skip(8)
		tb.timescale, _ = s.ReadU32BE()
	}
	return nil
}

func (d *Demuxer) parseHdlr(ctx context.Context, b box, tb *trakBuilder) error {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 12 {
		return avperr.InvalidFormatf("isobmff.parseHdlr", "truncated hdlr")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return err
	}
	s.Skip(4)
	handlerType, _ := s.ReadASCII(4)
	switch handlerType {
	case "vide":
		tb.kind = track.Video
	case "soun":
		tb.kind = track.Audio
	case "sbtl", "subt", "text":
		tb.kind = track.Subtitle
	}
	return nil
}

func (d *Demuxer) parseStsz(ctx context.Context, b box) ([]uint32, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 8 {
		return nil, avperr.InvalidFormatf("isobmff.parseStsz", "truncated stsz")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil, err
	}
	sampleSize, _ := s.ReadU32BE()
	sampleCount, _ := s.ReadU32BE()
	sizes := make([]uint32, sampleCount)
	if sampleSize != 0 {
		for i := range sizes {
			sizes[i] = sampleSize
		}
		return sizes, nil
	}
	for i := range sizes {
		sizes[i], _ = s.ReadU32BE()
	}
	return sizes, nil
}

func (d *Demuxer) parseStco(ctx context.Context, b box) ([]uint64, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 4 {
		return nil, avperr.InvalidFormatf("isobmff.parseStco", "truncated stco")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil, err
	}
	count, _ := s.ReadU32BE()
	offsets := make([]uint64, count)
	for i := range offsets {
		v, _ := s.ReadU32BE()
		offsets[i] = uint64(v)
	}
	return offsets, nil
}

func (d *Demuxer) parseCo64(ctx context.Context, b box) ([]uint64, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 4 {
		return nil, avperr.InvalidFormatf("isobmff.parseCo64", "truncated co64")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil, err
	}
	count, _ := s.ReadU32BE()
	offsets := make([]uint64, count)
	for i := range offsets {
		offsets[i], _ = s.ReadU64BE()
	}
	return offsets, nil
}

type stscEntry struct {
	firstChunk      uint32
	samplesPerChunk uint32
}

func (d *Demuxer) parseStsc(ctx context.Context, b box) ([]stscEntry, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 4 {
		return nil, avperr.InvalidFormatf("isobmff.parseStsc", "truncated stsc")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil, err
	}
	count, _ := s.ReadU32BE()
	entries := make([]stscEntry, count)
	for i := range entries {
		entries[i].firstChunk, _ = s.ReadU32BE()
		entries[i].samplesPerChunk, _ = s.ReadU32BE()
		s.Skip(4) // sample_description_index, unused: this demuxer assumes one stsd entry per track
	}
	return entries, nil
}

type sttsEntry struct {
	count uint32
	delta uint32
}

func (d *Demuxer) parseStts(ctx context.Context, b box) ([]sttsEntry, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 4 {
		return nil, avperr.InvalidFormatf("isobmff.parseStts", "truncated stts")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil, err
	}
	count, _ := s.ReadU32BE()
	entries := make([]sttsEntry, count)
	for i := range entries {
		entries[i].count, _ = s.ReadU32BE()
		entries[i].delta, _ = s.ReadU32BE()
	}
	return entries, nil
}

func (d *Demuxer) parseStss(ctx context.Context, b box) (map[uint32]bool, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 4 {
		return nil, avperr.InvalidFormatf("isobmff.parseStss", "truncated stss")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil, err
	}
	count, _ := s.ReadU32BE()
	set := make(map[uint32]bool, count)
	for i := uint32(0); i < count; i++ {
		n, _ := s.ReadU32BE()
		set[n] = true
	}
	return set, nil
}

type cttsEntry struct {
	count  uint32
	offset int32
}

func (d *Demuxer) parseCtts(ctx context.Context, b box) ([]cttsEntry, error) {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Len() < 4 {
		return nil, avperr.InvalidFormatf("isobmff.parseCtts", "truncated ctts")
	}
	version, _, err := readFullBoxHeader(s)
	if err != nil {
		return nil, err
	}
	count, _ := s.ReadU32BE()
	entries := make([]cttsEntry, count)
	for i := range entries {
		entries[i].count, _ = s.ReadU32BE()
		if version == 0 {
			v, _ := s.ReadU32BE()
			entries[i].offset = int32(v)
		} else {
			entries[i].offset, _ = s.ReadI32BE()
		}
	}
	return entries, nil
}

// samplesPerChunkFor returns the samples-per-chunk value in effect for
// chunkNum (1-based), per the run-length stsc table (entries sorted
// ascending by firstChunk, as the spec requires).
func samplesPerChunkFor(stsc []stscEntry, chunkNum uint32) uint32 {
	var result uint32
	for _, e := range stsc {
		if e.firstChunk <= chunkNum {
			result = e.samplesPerChunk
		} else {
			break
		}
	}
	return result
}

// buildSamples assembles a non-fragmented track's full SampleTable: sizes
// from stsz, absolute offsets from stco/co64 apportioned via stsc,
// durations (DTS deltas) from stts, optional composition offsets (PTS-DTS)
// from ctts, and key-frame flags from stss (absent stss means every sample
// is a sync sample). The result is sorted by presentation timestamp so
// GetPacket's binary search (and GetNextPacket's presentation-order walk,
// matching container/matroska's clusterFrames convention) both hold.
func buildSamples(sizes []uint32, chunkOffsets []uint64, stsc []stscEntry, stts []sttsEntry, stss map[uint32]bool, ctts []cttsEntry, timescale uint32) []sampleEntry {
	total := len(sizes)

	durations := make([]uint32, 0, total)
	for _, e := range stts {
		for i := uint32(0); i < e.count; i++ {
			durations = append(durations, e.delta)
		}
	}

	var compOffsets []int32
	if len(ctts) > 0 {
		compOffsets = make([]int32, 0, total)
		for _, e := range ctts {
			for i := uint32(0); i < e.count; i++ {
				compOffsets = append(compOffsets, e.offset)
			}
		}
	}

	samples := make([]sampleEntry, total)
	sampleIdx := 0
	var dts uint64
	for chunkIdx := 0; chunkIdx < len(chunkOffsets) && sampleIdx < total; chunkIdx++ {
		chunkNum := uint32(chunkIdx + 1)
		samplesInChunk := samplesPerChunkFor(stsc, chunkNum)
		within := chunkOffsets[chunkIdx]
		for i := uint32(0); i < samplesInChunk && sampleIdx < total; i++ {
			size := sizes[sampleIdx]
			var dur uint32
			if sampleIdx < len(durations) {
				dur = durations[sampleIdx]
			}
			var comp int32
			if sampleIdx < len(compOffsets) {
				comp = compOffsets[sampleIdx]
			}
			samples[sampleIdx] = sampleEntry{
				offset:    within,
				size:      size,
				timestamp: float64(int64(dts)+int64(comp)) / float64(timescale),
				duration:  float64(dur) / float64(timescale),
				keyFrame:  stss == nil || stss[uint32(sampleIdx+1)],
			}
			within += uint64(size)
			dts += uint64(dur)
			sampleIdx++
		}
	}

	sort.SliceStable(samples, func(i, j int) bool { return samples[i].timestamp < samples[j].timestamp })
	return samples
}

// indexAtSorted binary-searches a PTS-sorted sample slice for the entry
// containing t, falling back to the preceding entry when t lands in a gap
// it doesn't cover (mirrors container/avi's backing.indexAt).
func indexAtSorted(samples []sampleEntry, t float64) (int, bool) {
	pos, found := xutil.BinarySearchFunc(len(samples), func(i int) int {
		switch {
		case t < samples[i].timestamp:
			return -1
		case t >= samples[i].timestamp+samples[i].duration:
			return 1
		default:
			return 0
		}
	})
	if found {
		return pos, true
	}
	if pos > 0 {
		prev := samples[pos-1]
		if t < prev.timestamp+prev.duration {
			return pos - 1, true
		}
	}
	return 0, false
}

// backing implements track.Backing over a trackInfo's sample list, growing
// it lazily (via ensureFragmentsUpTo) for a fragmented file.
type backing struct {
	demuxer *Demuxer
	info    *trackInfo
}

var _ track.Backing = (*backing)(nil)

func (b *backing) fetch(ctx context.Context, idx int) (*packet.Encoded, error) {
	f := b.info.samples[idx]
	s, err := b.demuxer.reader.Slice(ctx, f.offset, uint64(f.size))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, avperr.InvalidFormatf("isobmff.backing.fetch", "sample past end of source")
	}
	typ := packet.Delta
	if f.keyFrame {
		typ = packet.Key
	}
	return packet.New(append([]byte(nil), s.Bytes()...), typ, f.timestamp, f.duration, int64(idx), int(f.size)), nil
}

func (b *backing) GetFirstPacket(ctx context.Context) (*packet.Encoded, error) {
	if b.demuxer.fragmented {
		if err := b.demuxer.ensureFragmentsUpTo(ctx, b.info, 0); err != nil {
			return nil, err
		}
	}
	if len(b.info.samples) == 0 {
		return nil, nil
	}
	return b.fetch(ctx, 0)
}

func (b *backing) GetPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	if b.demuxer.fragmented {
		if err := b.demuxer.ensureFragmentsUpTo(ctx, b.info, t); err != nil {
			return nil, err
		}
	}
	idx, ok := indexAtSorted(b.info.samples, t)
	if !ok {
		return nil, nil
	}
	return b.fetch(ctx, idx)
}

func (b *backing) GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	idx := int(p.SequenceNumber()) + 1
	if b.demuxer.fragmented && idx >= len(b.info.samples) {
		if err := b.demuxer.ensureFragmentsUpTo(ctx, b.info, p.Timestamp()+p.Duration()+1); err != nil {
			return nil, err
		}
	}
	if idx < 0 || idx >= len(b.info.samples) {
		return nil, nil
	}
	return b.fetch(ctx, idx)
}

func (b *backing) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	if b.demuxer.fragmented {
		if err := b.demuxer.ensureFragmentsUpTo(ctx, b.info, t); err != nil {
			return nil, err
		}
	}
	idx, ok := indexAtSorted(b.info.samples, t)
	if !ok {
		return nil, nil
	}
	for ; idx >= 0; idx-- {
		if b.info.samples[idx].keyFrame {
			return b.fetch(ctx, idx)
		}
	}
	return nil, nil
}

func (b *backing) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	for idx := int(p.SequenceNumber()) + 1; idx < len(b.info.samples); idx++ {
		if b.info.samples[idx].keyFrame {
			return b.fetch(ctx, idx)
		}
	}
	return nil, nil
}

func (b *backing) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return b.info.decoderConfig, nil
}
