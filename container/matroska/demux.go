package matroska

import (
	"context"
	"sort"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// topLevelIDs are the Segment-child element IDs recognised when resolving an
// unknown-size element's extent (§4.5: "scanning forward for the next
// level-0-or-1 element id") and when scanning for Cluster offsets.
var topLevelIDs = map[uint64]bool{
	idSeekHead:    true,
	idSegmentInfo: true,
	idTracks:      true,
	idCluster:     true,
	idCues:        true,
	idChapters:    true,
	idTags:        true,
	idAttachments: true,
}

// Chapter is a read-only chapter entry exposed off the demuxer (§4.5 supplement).
type Chapter struct {
	StartTime, EndTime float64 // seconds
	Title              string
	Language           string
}

// Tag is a read-only simple-tag entry exposed off the demuxer (§4.5 supplement).
type Tag struct {
	Name, Value string
}

type cuePoint struct {
	timeSeconds   float64
	clusterOffset uint64
	trackNumber   uint64 // 0 means "applies to all tracks present at this cluster"
}

// trackState is the demuxer-private bookkeeping for one Matroska track.
type trackState struct {
	number        uint64
	input         *track.InputTrack
	cues          []cuePoint     // sorted by timeSeconds, scoped to this track
	clusterFrames map[int][]*packet.Encoded // clusterIndex -> presentation-ordered packets for this track
}

// Demuxer is a Matroska/WebM demuxer (§4.5).
type Demuxer struct {
	reader *byteio.Reader

	segmentStart uint64 // first byte of Segment's data
	segmentEnd   uint64 // exclusive

	timestampScale uint64 // nanoseconds per timestamp tick; default 1,000,000
	duration       float64
	docType        string

	tracks      []*track.InputTrack
	trackByNum  map[uint64]*trackState

	clusterOffsets []uint64 // sorted ascending, lazily fully populated
	clusterSizes   []uint64
	clustersScanned bool

	chapters []Chapter
	tags     []Tag

	segmentMu *concurrency.AsyncMutex // guards clusterOffsets growth (§5)
}

var _ track.Demuxer = (*Demuxer)(nil)

// MimeType reports the demuxer's container MIME type.
func (d *Demuxer) MimeType() string {
	if d.docType == "webm" {
		return "video/webm"
	}
	return "video/x-matroska"
}

// Tracks returns the demuxed tracks in TrackEntry order.
func (d *Demuxer) Tracks() []*track.InputTrack { return d.tracks }

// ComputeDuration returns the segment duration in seconds, from the Info element.
func (d *Demuxer) ComputeDuration(ctx context.Context) (float64, error) {
	return d.duration, nil
}

// Open parses the EBML header, then the Segment's metadata elements through
// scanSegmentMetadata (§4.5).
func Open(ctx context.Context, source byteio.Source, cacheBudget uint64) (*Demuxer, error) {
	r := byteio.NewReader(source, cacheBudget)
	d := &Demuxer{
		reader:         r,
		timestampScale: 1_000_000,
		trackByNum:     map[uint64]*trackState{},
		segmentMu:      concurrency.NewAsyncMutex(),
	}

	pos := uint64(0)
	hdr, err := d.readHeaderAt(ctx, pos)
	if err != nil {
		return nil, err
	}
	if hdr.ID != idEBMLHeader {
		return nil, avperr.InvalidFormatf("matroska.Open", "expected EBML header, got id 0x%x", hdr.ID)
	}
	if err := d.parseEBMLHeader(ctx, hdr); err != nil {
		return nil, err
	}
	pos = hdr.DataStart + hdr.Size

	seg, err := d.readHeaderAt(ctx, pos)
	if err != nil {
		return nil, err
	}
	if seg.ID != idSegment {
		return nil, avperr.InvalidFormatf("matroska.Open", "expected Segment, got id 0x%x", seg.ID)
	}
	d.segmentStart = seg.DataStart
	if seg.Size == unknownSizeSentinel {
		size, err := d.reader.Size(ctx)
		if err != nil {
			return nil, err
		}
		d.segmentEnd = size
	} else {
		d.segmentEnd = seg.DataStart + seg.Size
	}

	if err := d.scanSegmentMetadata(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) parseEBMLHeader(ctx context.Context, hdr *elementHeader) error {
	slice, err := d.bodySlice(ctx, hdr.DataStart, hdr.Size)
	if err != nil {
		return err
	}
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseEBMLHeader", "%v", err)
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseEBMLHeader", "%v", err)
		}
		if child.ID == idEBMLDocType {
			d.docType = decodeString(data)
		}
	}
	if d.docType != "matroska" && d.docType != "webm" {
		return avperr.InvalidFormatf("matroska.parseEBMLHeader", "unsupported DocType %q", d.docType)
	}
	return nil
}

// bodySlice fetches an element's data range and rejects a past-end-of-source
// result (Reader.Slice returns a nil Slice rather than an error in that case).
func (d *Demuxer) bodySlice(ctx context.Context, start, size uint64) (*byteio.Slice, error) {
	slice, err := d.reader.Slice(ctx, start, size)
	if err != nil {
		return nil, err
	}
	if slice == nil {
		return nil, avperr.InvalidFormatf("matroska.bodySlice", "range [%d,%d) past end of source", start, start+size)
	}
	return slice, nil
}

// readHeaderAt reads one element header at an absolute offset, fetching just
// enough bytes (a fixed generous window) to cover the longest possible id+size.
func (d *Demuxer) readHeaderAt(ctx context.Context, offset uint64) (*elementHeader, error) {
	slice, err := d.reader.Slice(ctx, offset, 16)
	if err != nil {
		return nil, err
	}
	if slice == nil {
		return nil, avperr.InvalidFormatf("matroska.readHeaderAt", "offset %d past end of source", offset)
	}
	return readElementHeader(slice)
}

// scanSegmentMetadata walks the Segment's top-level elements in order,
// parsing Info/Tracks/Cues/Chapters/Tags as it meets them, and stops at the
// first Cluster once Tracks has been seen (§4.5). SeekHead positions are then
// used only for Tracks (when none were found) and Cues (when none were
// loaded); Info, Chapters and Tags placed after the first Cluster are not read.
func (d *Demuxer) scanSegmentMetadata(ctx context.Context) error {
	seekPositions := map[uint64]uint64{} // element id -> absolute offset

	offset := d.segmentStart
	var firstClusterOffset uint64
	haveFirstCluster := false

	for offset < d.segmentEnd {
		hdr, err := d.readHeaderAt(ctx, offset)
		if err != nil {
			return err
		}
		size, err := d.resolveSize(ctx, hdr)
		if err != nil {
			return err
		}

		switch hdr.ID {
		case idSeekHead:
			entries, err := d.parseSeekHead(ctx, hdr.DataStart, size)
			if err != nil {
				return err
			}
			for id, pos := range entries {
				seekPositions[id] = pos
			}
		case idSegmentInfo:
			if err := d.parseSegmentInfo(ctx, hdr.DataStart, size); err != nil {
				return err
			}
		case idTracks:
			if err := d.parseTracks(ctx, hdr.DataStart, size); err != nil {
				return err
			}
		case idCues:
			if err := d.parseCues(ctx, hdr.DataStart, size); err != nil {
				return err
			}
		case idChapters:
			if err := d.parseChapters(ctx, hdr.DataStart, size); err != nil {
				return err
			}
		case idTags:
			if err := d.parseTags(ctx, hdr.DataStart, size); err != nil {
				return err
			}
		case idCluster:
			if !haveFirstCluster {
				firstClusterOffset = offset
				haveFirstCluster = true
			}
		}

		offset = hdr.DataStart + size

		// Once Tracks are in hand and we've hit a cluster, stop the linear
		// scan; missing Tracks or Cues are fetched via SeekHead below.
		if haveFirstCluster && len(d.tracks) > 0 {
			break
		}
	}

	// Resolve any metadata only reachable via SeekHead (not yet parsed above).
	if len(d.tracks) == 0 {
		if pos, ok := seekPositions[idTracks]; ok {
			hdr, err := d.readHeaderAt(ctx, pos)
			if err != nil {
				return err
			}
			size, err := d.resolveSize(ctx, hdr)
			if err != nil {
				return err
			}
			if err := d.parseTracks(ctx, hdr.DataStart, size); err != nil {
				return err
			}
		}
	}
	if pos, ok := seekPositions[idCues]; ok && !d.cuesLoaded() {
		hdr, err := d.readHeaderAt(ctx, pos)
		if err != nil {
			return err
		}
		size, err := d.resolveSize(ctx, hdr)
		if err != nil {
			return err
		}
		if err := d.parseCues(ctx, hdr.DataStart, size); err != nil {
			return err
		}
	}

	if haveFirstCluster {
		d.clusterOffsets = append(d.clusterOffsets, firstClusterOffset)
	}
	return nil
}

func (d *Demuxer) cuesLoaded() bool {
	for _, ts := range d.trackByNum {
		if len(ts.cues) > 0 {
			return true
		}
	}
	return false
}

// resolveSize returns hdr's data size, resolving an unknown-size marker by
// scanning forward for the next recognised top-level element id (§4.5).
func (d *Demuxer) resolveSize(ctx context.Context, hdr *elementHeader) (uint64, error) {
	if hdr.Size != unknownSizeSentinel {
		return hdr.Size, nil
	}
	const scanWindow = 10 << 20 // 10 MiB bound, matching the resync bound (§4.5)
	offset := hdr.DataStart
	limit := hdr.DataStart + scanWindow
	if limit > d.segmentEnd {
		limit = d.segmentEnd
	}
	for offset < limit {
		candidate, err := d.readHeaderAt(ctx, offset)
		if err == nil && topLevelIDs[candidate.ID] {
			return offset - hdr.DataStart, nil
		}
		offset++
	}
	return d.segmentEnd - hdr.DataStart, nil
}

func (d *Demuxer) parseSeekHead(ctx context.Context, start, size uint64) (map[uint64]uint64, error) {
	slice, err := d.bodySlice(ctx, start, size)
	if err != nil {
		return nil, err
	}
	out := map[uint64]uint64{}
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return nil, avperr.InvalidFormatf("matroska.parseSeekHead", "%v", err)
		}
		if child.ID != idSeek {
			slice.Skip(int(child.Size))
			continue
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return nil, err
		}
		var seekID uint64
		var seekPos uint64
		inner := newByteSlice(data)
		for inner.Len() > 0 {
			gc, err := readElementHeader(inner)
			if err != nil {
				break
			}
			gdata, err := inner.ReadBytes(int(gc.Size))
			if err != nil {
				break
			}
			switch gc.ID {
			case idSeekID:
				seekID = decodeUint(gdata)
			case idSeekPos:
				seekPos = decodeUint(gdata)
			}
		}
		if seekID != 0 {
			out[seekID] = d.segmentStart + seekPos
		}
	}
	return out, nil
}

func (d *Demuxer) parseSegmentInfo(ctx context.Context, start, size uint64) error {
	slice, err := d.bodySlice(ctx, start, size)
	if err != nil {
		return err
	}
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseSegmentInfo", "%v", err)
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return err
		}
		switch child.ID {
		case idTimestampScale:
			if v := decodeUint(data); v > 0 {
				d.timestampScale = v
			}
		case idDuration:
			ticks := decodeFloat(data)
			d.duration = ticks * float64(d.timestampScale) / 1e9
		}
	}
	return nil
}

func (d *Demuxer) parseTracks(ctx context.Context, start, size uint64) error {
	slice, err := d.bodySlice(ctx, start, size)
	if err != nil {
		return err
	}
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseTracks", "%v", err)
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return err
		}
		if child.ID != idTrackEntry {
			continue
		}
		if err := d.parseTrackEntry(data); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) parseTrackEntry(data []byte) error {
	s := newByteSlice(data)
	var number uint64
	var trackType uint64
	var codecID string
	var codecPriv []byte
	var name, lang string
	var width, height int
	var sampleRate float64
	var channels int
	var bitDepth int

	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseTrackEntry", "%v", err)
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			return err
		}
		switch child.ID {
		case idTrackNum:
			number = decodeUint(cdata)
		case idTrackType:
			trackType = decodeUint(cdata)
		case idCodecID:
			codecID = decodeString(cdata)
		case idCodecPriv:
			codecPriv = cdata
		case idTrackName:
			name = decodeString(cdata)
		case idLanguage:
			lang = decodeString(cdata)
		case idVideo:
			width, height = parseVideoSettings(cdata)
		case idAudio:
			sampleRate, channels, bitDepth = parseAudioSettings(cdata)
		}
	}

	kind := track.Subtitle
	switch trackType {
	case trackTypeVideo:
		kind = track.Video
	case trackTypeAudio:
		kind = track.Audio
	}

	codecTag, ok := codecIDToTag[codecID]
	if !ok {
		codecTag = codecID
	}

	it := track.NewInputTrack(int(number), kind, codecTag)
	it.Name = name
	if lang != "" {
		it.SetLanguage(lang)
	}
	if d.timestampScale > 0 {
		it.TimeResolution = 1_000_000_000 / d.timestampScale
	}
	it.DecoderConfig = codecPriv
	if kind == track.Video {
		it.Width, it.Height = width, height
	}
	if kind == track.Audio {
		it.SampleRate = int(sampleRate)
		it.Channels = channels
		_ = bitDepth
	}

	ts := &trackState{number: number, input: it, clusterFrames: map[int][]*packet.Encoded{}}
	it.Backing = &trackBacking{demuxer: d, state: ts}
	d.trackByNum[number] = ts
	d.tracks = append(d.tracks, it)
	return nil
}

func parseVideoSettings(data []byte) (width, height int) {
	s := newByteSlice(data)
	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			return
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			return
		}
		switch child.ID {
		case idPixelWidth:
			width = int(decodeUint(cdata))
		case idPixelHeight:
			height = int(decodeUint(cdata))
		}
	}
	return
}

func parseAudioSettings(data []byte) (sampleRate float64, channels, bitDepth int) {
	channels = 1
	sampleRate = 8000
	s := newByteSlice(data)
	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			return
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			return
		}
		switch child.ID {
		case idSamplingFrequency:
			sampleRate = decodeFloat(cdata)
		case idChannels:
			channels = int(decodeUint(cdata))
		case idBitDepth:
			bitDepth = int(decodeUint(cdata))
		}
	}
	return
}

func (d *Demuxer) parseCues(ctx context.Context, start, size uint64) error {
	slice, err := d.bodySlice(ctx, start, size)
	if err != nil {
		return err
	}
	var allCues []cuePoint
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseCues", "%v", err)
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return err
		}
		if child.ID != idCuePoint {
			continue
		}
		cues := parseCuePoint(data, d.timestampScale, d.segmentStart)
		allCues = append(allCues, cues...)
	}

	// Distribute segment-level cues across tracks (§4.5): a cue with
	// trackNumber==0 applies to every track.
	sort.Slice(allCues, func(i, j int) bool { return allCues[i].timeSeconds < allCues[j].timeSeconds })
	for _, ts := range d.trackByNum {
		for _, c := range allCues {
			if c.trackNumber != 0 && c.trackNumber != ts.number {
				continue
			}
			ts.cues = append(ts.cues, c)
		}
	}
	return nil
}

func parseCuePoint(data []byte, timestampScale, segmentStart uint64) []cuePoint {
	s := newByteSlice(data)
	var timeTicks uint64
	var out []cuePoint
	var positions []struct {
		track  uint64
		offset uint64
	}
	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			break
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			break
		}
		switch child.ID {
		case idCueTime:
			timeTicks = decodeUint(cdata)
		case idCueTrackPositions:
			inner := newByteSlice(cdata)
			var trackNum, clusterPos uint64
			for inner.Len() > 0 {
				gc, err := readElementHeader(inner)
				if err != nil {
					break
				}
				gdata, err := inner.ReadBytes(int(gc.Size))
				if err != nil {
					break
				}
				switch gc.ID {
				case idCueTrack:
					trackNum = decodeUint(gdata)
				case idCueClusterPosition:
					clusterPos = decodeUint(gdata)
				}
			}
			positions = append(positions, struct {
				track  uint64
				offset uint64
			}{trackNum, clusterPos})
		}
	}
	timeSeconds := float64(timeTicks) * float64(timestampScale) / 1e9
	for _, p := range positions {
		out = append(out, cuePoint{
			timeSeconds:   timeSeconds,
			clusterOffset: segmentStart + p.offset,
			trackNumber:   p.track,
		})
	}
	return out
}

func (d *Demuxer) parseChapters(ctx context.Context, start, size uint64) error {
	slice, err := d.bodySlice(ctx, start, size)
	if err != nil {
		return err
	}
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseChapters", "%v", err)
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return err
		}
		if child.ID != idEditionEntry {
			continue
		}
		d.chapters = append(d.chapters, parseEditionEntry(data, d.timestampScale)...)
	}
	return nil
}

func parseEditionEntry(data []byte, timestampScale uint64) []Chapter {
	s := newByteSlice(data)
	var out []Chapter
	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			break
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			break
		}
		if child.ID != idChapterAtom {
			continue
		}
		out = append(out, parseChapterAtom(cdata, timestampScale))
	}
	return out
}

func parseChapterAtom(data []byte, timestampScale uint64) Chapter {
	s := newByteSlice(data)
	var ch Chapter
	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			break
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			break
		}
		switch child.ID {
		case idChapterTimeStart:
			ch.StartTime = float64(decodeUint(cdata)) * float64(timestampScale) / 1e9
		case idChapterTimeEnd:
			ch.EndTime = float64(decodeUint(cdata)) * float64(timestampScale) / 1e9
		case idChapterDisplay:
			inner := newByteSlice(cdata)
			for inner.Len() > 0 {
				gc, err := readElementHeader(inner)
				if err != nil {
					break
				}
				gdata, err := inner.ReadBytes(int(gc.Size))
				if err != nil {
					break
				}
				switch gc.ID {
				case idChapString:
					ch.Title = decodeString(gdata)
				case idChapLanguage:
					ch.Language = decodeString(gdata)
				}
			}
		}
	}
	return ch
}

func (d *Demuxer) parseTags(ctx context.Context, start, size uint64) error {
	slice, err := d.bodySlice(ctx, start, size)
	if err != nil {
		return err
	}
	for slice.Len() > 0 {
		child, err := readElementHeader(slice)
		if err != nil {
			return avperr.InvalidFormatf("matroska.parseTags", "%v", err)
		}
		data, err := slice.ReadBytes(int(child.Size))
		if err != nil {
			return err
		}
		if child.ID != idTag {
			continue
		}
		d.tags = append(d.tags, parseTagElement(data)...)
	}
	return nil
}

func parseTagElement(data []byte) []Tag {
	s := newByteSlice(data)
	var out []Tag
	for s.Len() > 0 {
		child, err := readElementHeader(s)
		if err != nil {
			break
		}
		cdata, err := s.ReadBytes(int(child.Size))
		if err != nil {
			break
		}
		if child.ID != idSimpleTag {
			continue
		}
		var tag Tag
		inner := newByteSlice(cdata)
		for inner.Len() > 0 {
			gc, err := readElementHeader(inner)
			if err != nil {
				break
			}
			gdata, err := inner.ReadBytes(int(gc.Size))
			if err != nil {
				break
			}
			switch gc.ID {
			case idTagName:
				tag.Name = decodeString(gdata)
			case idTagString:
				tag.Value = decodeString(gdata)
			}
		}
		out = append(out, tag)
	}
	return out
}

// Chapters returns the demuxed chapter list (§4.5 supplement).
func (d *Demuxer) Chapters() []Chapter { return d.chapters }

// Tags returns the demuxed simple-tag list (§4.5 supplement).
func (d *Demuxer) Tags() []Tag { return d.tags }

// newByteSlice wraps an in-memory byte slice for parsing nested EBML elements
// that have already been fetched in full (child elements of a bounded parent).
func newByteSlice(data []byte) *byteio.Slice {
	return byteio.NewSlice(data)
}
