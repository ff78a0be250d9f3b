package isobmff

import (
	"context"
	"math"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// videoTimescale is the mdhd/trun timescale used for every video track this
// muxer writes; 90000 matches the conventional MPEG clock rate most ISOBMFF
// encoders default to when the source framerate isn't itself a clean
// integer timescale.
const videoTimescale = 90000

func errUnsupportedMuxCodec(codecTag string) error {
	return avperr.Encodingf("isobmff.Muxer", "codec tag %q has no ISOBMFF sample entry mapping", codecTag)
}

// muxSample is one queued-or-written sample. data is retained only when the
// muxer can't stream straight to target (no seek capability for the final
// mdat-size patch, or a fragmented track's still-open fragment), and is
// dropped once written.
type muxSample struct {
	offset   uint64
	size     uint32
	duration uint32 // in this track's timescale
	keyFrame bool
	data     []byte
}

type muxTrackState struct {
	out           *track.OutputTrack
	trackID       uint32
	timescale     uint32
	haveKeyQueued bool
	maxEndTime    float64
	samples       []*muxSample // finalized, offset-bearing (non-fragmented mode)
	fragPending   []*muxSample // accumulating since the current fragment opened
	fragCursor    uint64       // cumulative duration units already flushed, this track's base_media_decode_time
	tfra          []tfraEntry
}

// Muxer writes an ISOBMFF (MP4) file: either a single moov/stbl SampleTable
// written once at Finalize (non-fragmented, §4.4/§4.8), or a moov/mvex
// init segment followed by moof/mdat fragment pairs cut whenever every
// track has a queued key frame (fragmented, mirroring
// container/matroska.Muxer's cluster-gating policy) plus a trailing mfra
// lookup table.
type Muxer struct {
	target     byteio.Target
	tracks     []*track.OutputTrack
	states     []*muxTrackState
	fragmented bool
	canSeek    bool

	mu *concurrency.AsyncMutex

	pos uint64

	// writeOrder preserves original WritePacket call order for the
	// non-fragmented, non-seekable path, where samples must be buffered
	// until Finalize and then written out in one pass.
	writeOrder []*muxSample

	mdatSizeField uint64 // byte offset of mdat's 8-byte extended-size field
	mdatBodyStart uint64
	mdatOpened    bool

	nextTrackID uint32
}

// NewMuxer constructs a Muxer for tracks. fragmented selects a streaming
// fragmented-MP4 layout (moof/mdat per fragment, no backward seek ever
// needed) over a single moov-at-the-end layout. canSeek is only consulted
// in non-fragmented mode: it controls whether sample bytes stream straight
// into an mdat box whose size is back-patched at Finalize (like
// container/wave.Muxer's canSeek-gated RIFF/data size patch), or are
// buffered until Finalize so mdat's size can be written up front.
func NewMuxer(target byteio.Target, tracks []*track.OutputTrack, fragmented, canSeek bool) *Muxer {
	states := make([]*muxTrackState, len(tracks))
	for i, t := range tracks {
		timescale := uint32(videoTimescale)
		if t.Kind == track.Audio && t.SampleRate > 0 {
			timescale = uint32(t.SampleRate)
		}
		states[i] = &muxTrackState{out: t, trackID: uint32(i + 1), timescale: timescale}
	}
	return &Muxer{
		target:      target,
		tracks:      tracks,
		states:      states,
		fragmented:  fragmented,
		canSeek:     canSeek,
		mu:          concurrency.NewAsyncMutex(),
		nextTrackID: uint32(len(tracks) + 1),
	}
}

func (m *Muxer) write(ctx context.Context, p []byte) error {
	if err := m.target.Write(ctx, p); err != nil {
		return avperr.New(avperr.IO, "isobmff.Muxer.write", err)
	}
	m.pos += uint64(len(p))
	return nil
}

func unitsFromSeconds(t float64, timescale uint32) uint32 {
	return uint32(math.Round(t * float64(timescale)))
}

// WriteHeader writes ftyp and, in fragmented mode, the init segment's
// moov/mvex (with every trak's stbl left empty: samples live in moof/traf
// from here on). In non-fragmented + seekable mode it also opens mdat with
// a placeholder size, so sample bytes can stream out immediately.
func (m *Muxer) WriteHeader(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		ftyp := makeBox("ftyp", concatBoxes(
			[]byte("isom"), be32(0x200),
			[]byte("isom"), []byte("iso2"), []byte("mp41"), []byte("mp42"),
		))
		if err := m.write(ctx, ftyp); err != nil {
			return err
		}

		if m.fragmented {
			return m.write(ctx, m.buildInitMoov())
		}

		if m.canSeek {
			if err := m.write(ctx, be32(1)); err != nil { // size==1: extended size follows
				return err
			}
			if err := m.write(ctx, []byte("mdat")); err != nil {
				return err
			}
			m.mdatSizeField = m.pos
			if err := m.write(ctx, be64(0)); err != nil { // placeholder, patched at Finalize
				return err
			}
			m.mdatBodyStart = m.pos
			m.mdatOpened = true
		}
		return nil
	})
}

// WritePacket muxes one packet for output track index. Non-fragmented mode
// either streams the sample straight into the open mdat (canSeek) or
// buffers it for a single Finalize-time write pass. Fragmented mode
// buffers into the current fragment and, once every track has a pending
// key frame, flushes it as one moof/mdat pair.
func (m *Muxer) WritePacket(ctx context.Context, trackIndex int, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		if trackIndex < 0 || trackIndex >= len(m.states) {
			return avperr.Encodingf("isobmff.Muxer.WritePacket", "track index %d out of range", trackIndex)
		}
		st := m.states[trackIndex]
		if end := p.EndTimestamp(); end > st.maxEndTime {
			st.maxEndTime = end
		}

		sample := &muxSample{
			size:     uint32(p.ByteLength()),
			duration: unitsFromSeconds(p.Duration(), st.timescale),
			keyFrame: p.IsKeyFrame(),
		}

		if m.fragmented {
			sample.data = append([]byte(nil), p.Data()...)
			if p.IsKeyFrame() {
				st.haveKeyQueued = true
			}
			st.fragPending = append(st.fragPending, sample)

			ready := true
			for _, s := range m.states {
				if !s.haveKeyQueued {
					ready = false
					break
				}
			}
			if ready {
				for _, s := range m.states {
					s.haveKeyQueued = false
				}
				return m.flushFragment(ctx)
			}
			return nil
		}

		if m.canSeek {
			sample.offset = m.pos
			if err := m.write(ctx, p.Data()); err != nil {
				return err
			}
		} else {
			sample.data = append([]byte(nil), p.Data()...)
			m.writeOrder = append(m.writeOrder, sample)
		}
		st.samples = append(st.samples, sample)
		return nil
	})
}

// flushFragment writes one moof covering every track with pending samples,
// followed by one mdat holding their bytes laid out track-by-track, then
// records each track's moof start offset for the trailing mfra.
func (m *Muxer) flushFragment(ctx context.Context) error {
	var anyPending bool
	for _, st := range m.states {
		if len(st.fragPending) > 0 {
			anyPending = true
			break
		}
	}
	if !anyPending {
		return nil
	}

	moofStart := m.pos
	var trafs []byte
	var mdatBody []byte

	// data_offset in each trun is relative to the moof box's own start, so
	// it must account for moof's own (not-yet-known) size; build every
	// traf against a provisional offset of 0 first to get moof's size, then
	// rebuild with the real base.
	type pending struct {
		st   *muxTrackState
		traf []byte
		size uint32
	}
	var provisional []pending
	for _, st := range m.states {
		if len(st.fragPending) == 0 {
			continue
		}
		traf, size := buildTraf(st, 0)
		provisional = append(provisional, pending{st: st, traf: traf, size: size})
	}
	mfhd := makeFullBox("mfhd", 0, 0, be32(0))
	moofSizeGuess := uint64(8 + len(mfhd))
	for _, pv := range provisional {
		moofSizeGuess += uint64(len(pv.traf))
	}
	base := uint32(moofSizeGuess + 8) // + mdat's own 8-byte header

	offset := base
	for _, pv := range provisional {
		traf, size := buildTraf(pv.st, offset)
		trafs = append(trafs, traf...)
		for _, s := range pv.st.fragPending {
			mdatBody = append(mdatBody, s.data...)
		}
		pv.st.tfra = append(pv.st.tfra, tfraEntry{time: pv.st.fragCursor, moofOffset: moofStart})
		for _, s := range pv.st.fragPending {
			pv.st.fragCursor += uint64(s.duration)
		}
		pv.st.fragPending = nil
		offset += size
	}

	moof := makeBox("moof", concatBoxes(mfhd, trafs))
	if err := m.write(ctx, moof); err != nil {
		return err
	}
	mdat := makeBox("mdat", mdatBody)
	return m.write(ctx, mdat)
}

// buildTraf encodes one track's traf (tfhd + tfdt + trun) for the current
// fragment. dataOffset is the trun's data_offset field: this track's first
// sample's byte position relative to the start of the moof box.
func buildTraf(st *muxTrackState, dataOffset uint32) ([]byte, uint32) {
	const trunFlagDataOffset = 0x000001
	const trunFlagSampleDuration = 0x000100
	const trunFlagSampleSize = 0x000200
	const trunFlagSampleFlags = 0x000400
	const trunFlags = trunFlagDataOffset | trunFlagSampleDuration | trunFlagSampleSize | trunFlagSampleFlags

	trunBody := be32(uint32(len(st.fragPending)))
	trunBody = append(trunBody, be32(dataOffset)...)
	var total uint32
	for _, s := range st.fragPending {
		trunBody = append(trunBody, be32(s.duration)...)
		trunBody = append(trunBody, be32(s.size)...)
		flags := uint32(0x00010000) // sample_is_non_sync_sample
		if s.keyFrame {
			flags = 0
		}
		trunBody = append(trunBody, be32(flags)...)
		total += s.size
	}
	trun := makeFullBox("trun", 0, trunFlags, trunBody)

	tfhd := makeFullBox("tfhd", 0, 0, be32(st.trackID))
	tfdt := makeFullBox("tfdt", 1, 0, be64(st.fragCursor))

	traf := makeBox("traf", concatBoxes(tfhd, tfdt, trun))
	return traf, total
}

// buildInitMoov writes the fragmented-mode init segment's moov: mvhd, one
// trak per track with an empty stbl, and mvex/trex declaring this muxer's
// per-sample explicit duration/size/flags (no defaults relied upon).
func (m *Muxer) buildInitMoov() []byte {
	mvhd := buildMvhdBox(videoTimescale, 0, m.nextTrackID)
	var traks []byte
	var trexs []byte
	for _, st := range m.states {
		sampleEntry, err := buildSampleEntryBox(st.out.CodecTag, st.out.Width, st.out.Height, st.out.SampleRate, st.out.Channels, st.out.DecoderConfig)
		if err != nil {
			continue
		}
		traks = append(traks, buildTrak(st.trackID, st.out.Kind, st.timescale, st.out.Width, st.out.Height, sampleEntry, nil)...)
		trexBody := concatBoxes(be32(st.trackID), be32(1), be32(0), be32(0), be32(0))
		trexs = append(trexs, makeFullBox("trex", 0, 0, trexBody)...)
	}
	mvex := makeBox("mvex", trexs)
	return makeBox("moov", concatBoxes(mvhd, traks, mvex))
}

func buildMvhdBox(timescale uint32, durationUnits uint64, nextTrackID uint32) []byte {
	body := concatBoxes(be32(0), be32(0)) // creation/modification time
	body = append(body, be32(timescale)...)
	body = append(body, be32(uint32(durationUnits))...)
	body = append(body, be32(0x00010000)...) // rate 1.0
	body = append(body, be16(0x0100)...)     // volume 1.0
	body = append(body, be16(0)...)          // reserved
	body = append(body, make([]byte, 8)...)  // reserved
	body = append(body, identityMatrix()...)
	body = append(body, make([]byte, 24)...) // pre_defined
	body = append(body, be32(nextTrackID)...)
	return makeFullBox("mvhd", 0, 0, body)
}

// Finalize writes the trailing structure: for non-fragmented output, the
// buffered/streamed samples' moov (patching mdat's size first if it was
// opened with a placeholder); for fragmented output, one last fragment
// flush followed by an mfra random-access table.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		if m.fragmented {
			if err := m.flushFragment(ctx); err != nil {
				return err
			}
			return m.write(ctx, m.buildMfra())
		}

		if m.mdatOpened {
			total := m.pos - m.mdatBodyStart
			if err := m.target.Seek(ctx, int64(m.mdatSizeField)); err != nil {
				return avperr.New(avperr.Encoding, "isobmff.Muxer.Finalize", err)
			}
			if err := m.target.Write(ctx, be64(16+total)); err != nil {
				return avperr.New(avperr.IO, "isobmff.Muxer.Finalize", err)
			}
			if err := m.target.Seek(ctx, int64(m.pos)); err != nil {
				return avperr.New(avperr.Encoding, "isobmff.Muxer.Finalize", err)
			}
		} else {
			if err := m.flushBufferedMdat(ctx); err != nil {
				return err
			}
		}

		if err := m.write(ctx, m.buildFinalMoov()); err != nil {
			return err
		}
		return m.target.Flush(ctx)
	})
}

// flushBufferedMdat writes the single mdat box for the non-seekable,
// non-fragmented path, in original WritePacket call order, assigning each
// buffered sample's final absolute offset as it's written.
func (m *Muxer) flushBufferedMdat(ctx context.Context) error {
	var total uint64
	for _, s := range m.writeOrder {
		total += uint64(len(s.data))
	}
	if err := m.write(ctx, be32(1)); err != nil {
		return err
	}
	if err := m.write(ctx, []byte("mdat")); err != nil {
		return err
	}
	if err := m.write(ctx, be64(16+total)); err != nil {
		return err
	}
	for _, s := range m.writeOrder {
		s.offset = m.pos
		if err := m.write(ctx, s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return nil
}

func (m *Muxer) buildFinalMoov() []byte {
	var maxDuration float64
	for _, st := range m.states {
		if st.maxEndTime > maxDuration {
			maxDuration = st.maxEndTime
		}
	}
	mvhd := buildMvhdBox(videoTimescale, unitsFromSeconds(maxDuration, videoTimescale), m.nextTrackID)

	var traks []byte
	for _, st := range m.states {
		sampleEntry, err := buildSampleEntryBox(st.out.CodecTag, st.out.Width, st.out.Height, st.out.SampleRate, st.out.Channels, st.out.DecoderConfig)
		if err != nil {
			continue
		}
		traks = append(traks, buildTrak(st.trackID, st.out.Kind, st.timescale, st.out.Width, st.out.Height, sampleEntry, muxSamplesFor(st))...)
	}
	return makeBox("moov", concatBoxes(mvhd, traks))
}

// stblSample adapts the muxer's own sample bookkeeping into the lightweight
// shape buildStts/buildStsz/buildStco/buildStss expect.
type stblSample struct {
	offset   uint64
	size     uint32
	duration uint32
	keyFrame bool
}

func muxSamplesFor(st *muxTrackState) []stblSample {
	out := make([]stblSample, len(st.samples))
	for i, s := range st.samples {
		out[i] = stblSample{offset: s.offset, size: s.size, duration: s.duration, keyFrame: s.keyFrame}
	}
	return out
}

func buildStts(samples []stblSample) []byte {
	type run struct{ count, delta uint32 }
	var runs []run
	for _, s := range samples {
		if len(runs) > 0 && runs[len(runs)-1].delta == s.duration {
			runs[len(runs)-1].count++
		} else {
			runs = append(runs, run{1, s.duration})
		}
	}
	body := be32(uint32(len(runs)))
	for _, r := range runs {
		body = append(body, be32(r.count)...)
		body = append(body, be32(r.delta)...)
	}
	return makeFullBox("stts", 0, 0, body)
}

func buildStsz(samples []stblSample) []byte {
	body := be32(0) // explicit per-sample sizes follow
	body = append(body, be32(uint32(len(samples)))...)
	for _, s := range samples {
		body = append(body, be32(s.size)...)
	}
	return makeFullBox("stsz", 0, 0, body)
}

func buildStco(samples []stblSample) []byte {
	body := be32(uint32(len(samples)))
	for _, s := range samples {
		body = append(body, be32(uint32(s.offset))...)
	}
	return makeFullBox("stco", 0, 0, body)
}

// buildStsc emits a single run treating every sample as its own one-sample
// chunk: simplest correct stsc/stco pairing, at the cost of one stco entry
// per sample rather than per encoder-chosen chunk.
func buildStsc(count int) []byte {
	if count == 0 {
		return makeFullBox("stsc", 0, 0, be32(0))
	}
	body := be32(1)
	body = append(body, be32(1)...) // first_chunk
	body = append(body, be32(1)...) // samples_per_chunk
	body = append(body, be32(1)...) // sample_description_index
	return makeFullBox("stsc", 0, 0, body)
}

// buildStss omits the box entirely when every sample is a sync sample
// (absence has exactly that meaning per §8.6.2).
func buildStss(samples []stblSample) []byte {
	allKey := true
	var idxs []uint32
	for i, s := range samples {
		if s.keyFrame {
			idxs = append(idxs, uint32(i+1))
		} else {
			allKey = false
		}
	}
	if allKey {
		return nil
	}
	body := be32(uint32(len(idxs)))
	for _, n := range idxs {
		body = append(body, be32(n)...)
	}
	return makeFullBox("stss", 0, 0, body)
}

func buildTrak(trackID uint32, kind track.Kind, timescale uint32, width, height int, sampleEntryBox []byte, samples []stblSample) []byte {
	var totalDuration uint64
	for _, s := range samples {
		totalDuration += uint64(s.duration)
	}

	volume := uint16(0)
	if kind == track.Audio {
		volume = 0x0100
	}
	tkhdBody := concatBoxes(be32(0), be32(0), be32(trackID), be32(0))
	tkhdBody = append(tkhdBody, be32(uint32(totalDuration))...)
	tkhdBody = append(tkhdBody, make([]byte, 8)...)
	tkhdBody = append(tkhdBody, be16(0)...) // layer
	tkhdBody = append(tkhdBody, be16(0)...) // alternate_group
	tkhdBody = append(tkhdBody, be16(volume)...)
	tkhdBody = append(tkhdBody, be16(0)...)
	tkhdBody = append(tkhdBody, identityMatrix()...)
	tkhdBody = append(tkhdBody, be32(uint32(width)<<16)...)
	tkhdBody = append(tkhdBody, be32(uint32(height)<<16)...)
	tkhd := makeFullBox("tkhd", 0, 0x000007, tkhdBody) // enabled | in-movie | in-preview

	mdhdBody := concatBoxes(be32(0), be32(0), be32(timescale), be32(uint32(totalDuration)))
	mdhdBody = append(mdhdBody, be16(0x55C4)...) // language "und", ISO-639-2 packed
	mdhdBody = append(mdhdBody, be16(0)...)
	mdhd := makeFullBox("mdhd", 0, 0, mdhdBody)

	handlerType, handlerName := "vide", "VideoHandler\x00"
	switch kind {
	case track.Audio:
		handlerType, handlerName = "soun", "SoundHandler\x00"
	case track.Subtitle:
		handlerType, handlerName = "text", "TextHandler\x00"
	}
	hdlrBody := append(be32(0), []byte(handlerType)...)
	hdlrBody = append(hdlrBody, make([]byte, 12)...)
	hdlrBody = append(hdlrBody, []byte(handlerName)...)
	hdlr := makeFullBox("hdlr", 0, 0, hdlrBody)

	var mediaHeader []byte
	if kind == track.Audio {
		mediaHeader = makeFullBox("smhd", 0, 0, concatBoxes(be16(0), be16(0)))
	} else {
		mediaHeader = makeFullBox("vmhd", 0, 1, concatBoxes(be16(0), make([]byte, 6)))
	}

	urlBox := makeFullBox("url ", 0, 1, nil) // flag 1: self-contained, no location string
	dref := makeFullBox("dref", 0, 0, concatBoxes(be32(1), urlBox))
	dinf := makeBox("dinf", dref)

	stbl := makeBox("stbl", concatBoxes(
		makeFullBox("stsd", 0, 0, concatBoxes(be32(1), sampleEntryBox)),
		buildStts(samples),
		buildStsc(len(samples)),
		buildStsz(samples),
		buildStco(samples),
		buildStss(samples),
	))

	minf := makeBox("minf", concatBoxes(mediaHeader, dinf, stbl))
	mdia := makeBox("mdia", concatBoxes(mdhd, hdlr, minf))
	return makeBox("trak", concatBoxes(tkhd, mdia))
}

// buildMfra emits the trailing random-access lookup table (§4.4 "mfra/tfra
// handling"), one tfra per track, version 1 (64-bit fields throughout:
// simpler to always emit than picking version 0 only when it would fit).
func (m *Muxer) buildMfra() []byte {
	var tfras []byte
	for _, st := range m.states {
		body := be32(st.trackID)
		body = append(body, be32(0x3F)...) // length_size_of_traf/trun/sample_num all 4 bytes (0b111111)
		body = append(body, be32(uint32(len(st.tfra)))...)
		for _, e := range st.tfra {
			body = append(body, be64(e.time)...)
			body = append(body, be64(e.moofOffset)...)
			body = append(body, be32(1)...) // traf_number
			body = append(body, be32(1)...) // trun_number
			body = append(body, be32(1)...) // sample_number
		}
		tfras = append(tfras, makeFullBox("tfra", 1, 0, body)...)
	}
	// mfro's payload is the enclosing mfra box's own total size (header
	// included), letting a reader that starts at EOF seek straight back to
	// mfra without a forward scan; this demuxer doesn't use that shortcut
	// (it finds mfra via the ordinary top-level box walk) but real readers
	// do, so it's filled in rather than left as a placeholder.
	mfraSize := uint32(8 + len(tfras) + 16) // mfra header(8) + tfras + mfro box(16)
	mfraBody := append(tfras, makeFullBox("mfro", 0, 0, be32(mfraSize))...)
	return makeBox("mfra", mfraBody)
}
