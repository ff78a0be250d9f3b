package isobmff

import (
	"context"

	"github.com/avpack/avpack/avperr"
)

// parseMvex collects each track's trex defaults (§4.4: "fragmented-mode
// mvex/trex handling"). mvex always follows every trak it references, so
// d.trackInfos already holds those tracks by the time this runs.
func (d *Demuxer) parseMvex(ctx context.Context, b box) error {
	return forEachChild(ctx, d.reader, b.bodyStart, b.bodyEnd, func(c box) error {
		if c.fourcc != "trex" {
			return nil
		}
		s, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
		if err != nil {
			return err
		}
		if s == nil || s.Len() < 20 {
			return nil
		}
		if _, _, err := readFullBoxHeader(s); err != nil {
			return err
		}
		trackID, _ := s.ReadU32BE()
		s.Skip(4) // default_sample_description_index, unused
		defaultDuration, _ := s.ReadU32BE()
		defaultSize, _ := s.ReadU32BE()
		defaultFlags, _ := s.ReadU32BE()
		for _, info := range d.trackInfos {
			if info.trackID == trackID {
				info.defaultSampleDuration = defaultDuration
				info.defaultSampleSize = defaultSize
				info.defaultSampleFlags = defaultFlags
			}
		}
		return nil
	})
}

// parseMfra parses the optional trailer box mapping (time, moof offset)
// pairs per track, used to jump-start a fragment walk near a seek target
// instead of scanning from firstMoofOffset every time.
func (d *Demuxer) parseMfra(ctx context.Context, b box) error {
	return forEachChild(ctx, d.reader, b.bodyStart, b.bodyEnd, func(c box) error {
		if c.fourcc != "tfra" {
			return nil
		}
		return d.parseTfra(ctx, c)
	})
}

func (d *Demuxer) parseTfra(ctx context.Context, b box) error {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 12 {
		return nil
	}
	version, _, err := readFullBoxHeader(s)
	if err != nil {
		return err
	}
	trackID, _ := s.ReadU32BE()
	sizesField, _ := s.ReadU32BE()
	lengthSizeOfTrafNum := (sizesField >> 4) & 0x3
	lengthSizeOfTrunNum := (sizesField >> 2) & 0x3
	lengthSizeOfSampleNum := sizesField & 0x3
	numberOfEntries, _ := s.ReadU32BE()

	if d.trackInfoByID(trackID) == nil {
		return nil
	}

	readSized := func(n uint32) error {
		switch n {
		case 0:
			_, err := s.ReadU8()
			return err
		case 1:
			_, err := s.ReadU16BE()
			return err
		case 2:
			_, err := s.ReadU24BE()
			return err
		default:
			_, err := s.ReadU32BE()
			return err
		}
	}

	entries := make([]tfraEntry, 0, numberOfEntries)
	for i := uint32(0); i < numberOfEntries; i++ {
		var t, moofOff uint64
		if version == 1 {
			t, _ = s.ReadU64BE()
			moofOff, _ = s.ReadU64BE()
		} else {
			tv, _ := s.ReadU32BE()
			t = uint64(tv)
			mv, _ := s.ReadU32BE()
			moofOff = uint64(mv)
		}
		if err := readSized(lengthSizeOfTrafNum); err != nil {
			return err
		}
		if err := readSized(lengthSizeOfTrunNum); err != nil {
			return err
		}
		if err := readSized(lengthSizeOfSampleNum); err != nil {
			return err
		}
		entries = append(entries, tfraEntry{time: t, moofOffset: moofOff})
	}
	d.tfra[trackID] = entries
	return nil
}

// trunSample is one fully-resolved sample out of a trun box, with its
// absolute file offset already computed.
type trunSample struct {
	offset   uint64
	size     uint32
	duration uint32
	nonSync  bool
}

type trunResult struct {
	entries        []trunSample
	nextDataOffset uint64
}

// parseTrun reads one trun box's sample_count plus whichever optional
// per-sample fields its flags select, defaulting unset fields from the
// traf's tfhd/trex-resolved defaults (§4.4).
func (d *Demuxer) parseTrun(ctx context.Context, c box, defaultDuration, defaultSize, defaultFlags uint32, baseDataOffset uint64) (trunResult, error) {
	s, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
	if err != nil {
		return trunResult{}, err
	}
	if s == nil || s.Len() < 8 {
		return trunResult{}, avperr.InvalidFormatf("isobmff.parseTrun", "truncated trun")
	}
	_, flags, err := readFullBoxHeader(s)
	if err != nil {
		return trunResult{}, err
	}
	sampleCount, _ := s.ReadU32BE()

	dataOffset := baseDataOffset
	if flags&0x000001 != 0 {
		rel, _ := s.ReadI32BE()
		dataOffset = uint64(int64(baseDataOffset) + int64(rel))
	}
	var firstSampleFlags uint32
	haveFirstFlags := flags&0x000004 != 0
	if haveFirstFlags {
		firstSampleFlags, _ = s.ReadU32BE()
	}

	entries := make([]trunSample, 0, sampleCount)
	offset := dataOffset
	for i := uint32(0); i < sampleCount; i++ {
		duration := defaultDuration
		if flags&0x000100 != 0 {
			duration, _ = s.ReadU32BE()
		}
		size := defaultSize
		if flags&0x000200 != 0 {
			size, _ = s.ReadU32BE()
		}
		sampleFlags := defaultFlags
		if flags&0x000400 != 0 {
			sampleFlags, _ = s.ReadU32BE()
		} else if i == 0 && haveFirstFlags {
			sampleFlags = firstSampleFlags
		}
		if flags&0x000800 != 0 {
			s.Skip(4) // sample_composition_time_offset: fragmented-mode PTS is treated as DTS here
		}
		nonSync := (sampleFlags>>16)&0x1 != 0
		entries = append(entries, trunSample{offset: offset, size: size, duration: duration, nonSync: nonSync})
		offset += uint64(size)
	}
	return trunResult{entries: entries, nextDataOffset: offset}, nil
}

// parseMoof walks one moof box's traf children, returning each track's
// newly-resolved samples (absolute offsets, seconds-denominated
// timestamps/durations).
func (d *Demuxer) parseMoof(ctx context.Context, moof box) (map[uint32][]sampleEntry, error) {
	result := map[uint32][]sampleEntry{}
	err := forEachChild(ctx, d.reader, moof.bodyStart, moof.bodyEnd, func(c box) error {
		if c.fourcc != "traf" {
			return nil
		}
		samples, trackID, err := d.parseTraf(ctx, c, moof.headerStart)
		if err != nil {
			return err
		}
		if trackID != 0 && len(samples) > 0 {
			result[trackID] = samples
		}
		return nil
	})
	return result, err
}

func (d *Demuxer) parseTraf(ctx context.Context, traf box, moofStart uint64) ([]sampleEntry, uint32, error) {
	var trackID uint32
	var defaultSampleDuration, defaultSampleSize, defaultSampleFlags uint32
	baseDataOffset := moofStart
	var baseMediaDecodeTime uint64
	haveTfdt := false
	var runs []trunResult

	err := forEachChild(ctx, d.reader, traf.bodyStart, traf.bodyEnd, func(c box) error {
		switch c.fourcc {
		case "tfhd":
			s, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
			if err != nil {
				return err
			}
			if s == nil || s.Len() < 4 {
				return avperr.InvalidFormatf("isobmff.parseTraf", "truncated tfhd")
			}
			_, flags, err := readFullBoxHeader(s)
			if err != nil {
				return err
			}
			trackID, _ = s.ReadU32BE()
			if info := d.trackInfoByID(trackID); info != nil {
				defaultSampleDuration = info.defaultSampleDuration
				defaultSampleSize = info.defaultSampleSize
				defaultSampleFlags = info.defaultSampleFlags
			}
			if flags&0x000001 != 0 { // base-data-offset-present
				baseDataOffset, _ = s.ReadU64BE()
			}
			if flags&0x000002 != 0 { // sample-description-index-present
				s.Skip(4)
			}
			if flags&0x000008 != 0 { // default-sample-duration-present
				defaultSampleDuration, _ = s.ReadU32BE()
			}
			if flags&0x000010 != 0 { // default-sample-size-present
				defaultSampleSize, _ = s.ReadU32BE()
			}
			if flags&0x000020 != 0 { // default-sample-flags-present
				defaultSampleFlags, _ = s.ReadU32BE()
			}
		case "tfdt":
			s, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
			if err != nil {
				return err
			}
			if s == nil || s.Len() < 4 {
				return avperr.InvalidFormatf("isobmff.parseTraf", "truncated tfdt")
			}
			version, _, err := readFullBoxHeader(s)
			if err != nil {
				return err
			}
			if version == 1 {
				baseMediaDecodeTime, _ = s.ReadU64BE()
			} else {
				v32, _ := s.ReadU32BE()
				baseMediaDecodeTime = uint64(v32)
			}
			haveTfdt = true
		case "trun":
			tr, err := d.parseTrun(ctx, c, defaultSampleDuration, defaultSampleSize, defaultSampleFlags, baseDataOffset)
			if err != nil {
				return err
			}
			runs = append(runs, tr)
			baseDataOffset = tr.nextDataOffset
		}
		return nil
	})
	if err != nil || trackID == 0 {
		return nil, trackID, err
	}

	info := d.trackInfoByID(trackID)
	if info == nil {
		return nil, 0, nil
	}

	// A missing tfdt means the fragment's start timestamp is only known by
	// summing every preceding fragment's durations (§4.4); trackCursor is
	// exactly that running sum, kept in decode-time units.
	dts := d.trackCursor[trackID]
	if haveTfdt {
		dts = baseMediaDecodeTime
	}

	var samples []sampleEntry
	for _, tr := range runs {
		for _, s := range tr.entries {
			samples = append(samples, sampleEntry{
				offset:    s.offset,
				size:      s.size,
				timestamp: float64(dts) / float64(info.timescale),
				duration:  float64(s.duration) / float64(info.timescale),
				keyFrame:  !s.nonSync,
			})
			dts += uint64(s.duration)
		}
	}
	d.trackCursor[trackID] = dts
	return samples, trackID, nil
}

// nextFragmentOffset picks where a forward fragment walk for trackID should
// resume to reach timestamp t: the latest tfra entry at or before t if one
// exists, otherwise the first moof encountered during Open's initial scan.
func (d *Demuxer) nextFragmentOffset(trackID uint32, t float64) uint64 {
	entries := d.tfra[trackID]
	if len(entries) == 0 {
		return d.firstMoofOffset
	}
	info := d.trackInfoByID(trackID)
	best := d.firstMoofOffset
	for _, e := range entries {
		et := float64(e.time) / float64(info.timescale)
		if et <= t {
			best = e.moofOffset
		} else {
			break
		}
	}
	return best
}

// ensureFragmentsUpTo is the exclusive fragment-lookup protocol (§4.4): it
// first checks whether info's already-loaded fragments already answer t (a
// "best_match"); if not, it jumps to the nearest tfra entry (or file start)
// and walks moof boxes forward one at a time, merging each newly-parsed
// fragment's samples into every track it touches and re-checking best_match
// after each one, until either t is answered, a fragment starting after t is
// seen, or the source is exhausted. The whole walk runs under fragMu so
// concurrent callers never parse the same fragment twice.
func (d *Demuxer) ensureFragmentsUpTo(ctx context.Context, info *trackInfo, t float64) error {
	return d.fragMu.WithLock(ctx, func() error {
		if _, ok := indexAtSorted(info.samples, t); ok {
			return nil
		}

		size, err := d.reader.Size(ctx)
		if err != nil {
			return err
		}

		offset := d.nextFragmentOffset(info.trackID, t)
		for offset < size {
			if d.parsedMoofOffsets[offset] {
				offset = d.moofFollowing[offset]
				if offset == 0 {
					break
				}
				continue
			}

			b, ok, err := readBoxHeader(ctx, d.reader, offset, size)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if b.fourcc != "moof" {
				// Defensive resync, mirroring container/ogg's byte-at-a-time
				// recovery on a corrupt page: real files never need this since
				// tfra/firstMoofOffset always land exactly on a moof.
				offset++
				continue
			}

			perTrack, err := d.parseMoof(ctx, b)
			if err != nil {
				return err
			}

			next := b.nextOffset()
			if mb, ok, _ := readBoxHeader(ctx, d.reader, next, size); ok && mb.fourcc == "mdat" {
				next = mb.nextOffset()
			}
			d.parsedMoofOffsets[offset] = true
			d.moofFollowing[offset] = next

			var fragStart float64 = -1
			haveFragStart := false
			for tid, samples := range perTrack {
				ti := d.trackInfoByID(tid)
				if ti == nil || len(samples) == 0 {
					continue
				}
				ti.samples = append(ti.samples, samples...)
				if tid == info.trackID {
					fragStart = samples[0].timestamp
					haveFragStart = true
				}
			}

			if _, ok := indexAtSorted(info.samples, t); ok {
				return nil
			}
			if haveFragStart && fragStart > t {
				break
			}
			offset = next
		}
		return nil
	})
}
