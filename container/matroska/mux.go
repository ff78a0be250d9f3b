package matroska

import (
	"context"
	"math"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/concurrency"
	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
	"github.com/google/uuid"
)

// maxClusterTicks is the largest relative timecode a Block can encode (a
// signed 16-bit tick count), which bounds how long a Cluster may span
// (§4.5: "2^15 ms cluster cap").
const maxClusterTicks = 1<<15 - 1

// tagToCodecID is the reverse of codecIDToTag, used when muxing.
var tagToCodecID = map[string]string{
	"avc":       "V_MPEG4/ISO/AVC",
	"hevc":      "V_MPEGH/ISO/HEVC",
	"vp8":       "V_VP8",
	"vp9":       "V_VP9",
	"av1":       "V_AV1",
	"mpeg4":     "V_MPEG4/ISO/ASP",
	"aac":       "A_AAC",
	"mp3":       "A_MPEG/L3",
	"opus":      "A_OPUS",
	"vorbis":    "A_VORBIS",
	"flac":      "A_FLAC",
	"ac3":       "A_AC3",
	"pcm-s16":   "A_PCM/INT/LIT",
	"pcm-s16be": "A_PCM/INT/BIG",
	"pcm-f32":   "A_PCM/FLOAT/IEEE",
	"webvtt":    "S_TEXT/WEBVTT",
}

// outputTrackState is the muxer-side bookkeeping for one output track.
type outputTrackState struct {
	trackNumber  uint64
	haveKeyQueued bool
	maxEndTime   float64
}

// Muxer writes a Matroska/WebM Segment (§4.5): cluster-gated on every track
// having a pending key frame, with a hard cluster-duration cap, and
// finalize-time segment-size/duration back-patching.
type Muxer struct {
	target byteio.Target
	tracks []*track.OutputTrack
	states []*outputTrackState

	timestampScale uint64
	isWebM         bool

	mu *concurrency.AsyncMutex

	pos               uint64 // bytes written since the start of the stream
	segmentDataStart  uint64
	segmentSizeField  uint64 // byte offset of the Segment's 8-byte size field
	durationField     uint64 // byte offset of Info's 8-byte Duration value
	durationFieldSet  bool

	clusterOpen      bool
	clusterStartTime float64
	clusterStartPos  uint64
}

// NewMuxer constructs a Muxer for the given output tracks. isWebM selects the
// "webm" EBML DocType (a stricter profile some players require for VP8/VP9/
// Opus/Vorbis content) over the general "matroska" DocType.
func NewMuxer(target byteio.Target, tracks []*track.OutputTrack, isWebM bool) *Muxer {
	states := make([]*outputTrackState, len(tracks))
	for i := range tracks {
		states[i] = &outputTrackState{trackNumber: uint64(i + 1)}
	}
	return &Muxer{
		target:         target,
		tracks:         tracks,
		states:         states,
		timestampScale: 1_000_000,
		isWebM:         isWebM,
		mu:             concurrency.NewAsyncMutex(),
	}
}

func (m *Muxer) write(ctx context.Context, p []byte) error {
	if err := m.target.Write(ctx, p); err != nil {
		return avperr.New(avperr.IO, "matroska.Muxer.write", err)
	}
	m.pos += uint64(len(p))
	return nil
}

// encodeVInt encodes value in a VINT of the given byte length (1..8), with
// the length-marker bit set. Panics if value doesn't fit, a muxer-internal
// programmer error rather than a runtime condition.
func encodeVInt(value uint64, length int) []byte {
	if length < 1 || length > 8 {
		panic("matroska: invalid VINT length")
	}
	maxValue := uint64(1)<<(uint(length)*7) - 1
	if value > maxValue {
		panic("matroska: value too large for VINT length")
	}
	out := make([]byte, length)
	v := value
	for i := length - 1; i >= 1; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	out[0] = byte(v) | (1 << (8 - length))
	return out
}

// vintLengthFor returns the smallest VINT length that can hold value.
func vintLengthFor(value uint64) int {
	for length := 1; length <= 8; length++ {
		if value < uint64(1)<<(uint(length)*7) {
			return length
		}
	}
	return 8
}

// encodeElementID writes id as plain big-endian bytes. Element ID constants
// already carry their own length-marker bit as their top bits (matching
// readVInt(keepMarker=true)), so no extra marker needs to be added here.
func encodeElementID(id uint64) []byte {
	width := 1
	for id>>(uint(width)*8) != 0 {
		width++
	}
	out := make([]byte, width)
	v := id
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func (m *Muxer) writeElement(ctx context.Context, id uint64, data []byte) error {
	if err := m.write(ctx, encodeElementID(id)); err != nil {
		return err
	}
	if err := m.write(ctx, encodeVInt(uint64(len(data)), vintLengthFor(uint64(len(data))))); err != nil {
		return err
	}
	return m.write(ctx, data)
}

func encodeUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v)}, b...)
		v >>= 8
	}
	return b
}

func encodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(bits)
		bits >>= 8
	}
	return b
}

// WriteHeader writes the EBML header plus the Segment's Info and Tracks
// elements. Must be called once before any WritePacket call.
func (m *Muxer) WriteHeader(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		docType := "matroska"
		if m.isWebM {
			docType = "webm"
		}
		var ebmlBody []byte
		ebmlBody = appendElement(ebmlBody, idEBMLVersion, encodeUint(1))
		ebmlBody = appendElement(ebmlBody, idEBMLReadVersion, encodeUint(1))
		ebmlBody = appendElement(ebmlBody, idEBMLMaxIDLength, encodeUint(4))
		ebmlBody = appendElement(ebmlBody, idEBMLMaxSizeLength, encodeUint(8))
		ebmlBody = appendElement(ebmlBody, idEBMLDocType, []byte(docType))
		ebmlBody = appendElement(ebmlBody, idEBMLDocTypeVersion, encodeUint(4))
		ebmlBody = appendElement(ebmlBody, idEBMLDocTypeReadVersion, encodeUint(2))
		if err := m.writeElement(ctx, idEBMLHeader, ebmlBody); err != nil {
			return err
		}

		if err := m.write(ctx, encodeElementID(idSegment)); err != nil {
			return err
		}
		m.segmentSizeField = m.pos
		if err := m.write(ctx, encodeVInt((1<<56)-1, 8)); err != nil { // placeholder, patched at Finalize
			return err
		}
		m.segmentDataStart = m.pos

		segmentUID := uuid.New()
		infoBody := appendElement(nil, idSegmentUID, segmentUID[:])
		infoBody = appendElement(infoBody, idTimestampScale, encodeUint(m.timestampScale))
		infoBody = appendElement(infoBody, idMuxingApp, []byte("avpack"))
		infoBody = appendElement(infoBody, idWritingApp, []byte("avpack"))
		durationOffsetInBody := len(infoBody) + 2 // id(2 bytes, idDuration) + size-byte follows
		infoBody = appendElement(infoBody, idDuration, encodeFloat64(0))
		if err := m.write(ctx, encodeElementID(idSegmentInfo)); err != nil {
			return err
		}
		if err := m.write(ctx, encodeVInt(uint64(len(infoBody)), vintLengthFor(uint64(len(infoBody))))); err != nil {
			return err
		}
		infoDataStart := m.pos
		m.durationField = infoDataStart + uint64(durationOffsetInBody) + 1 // +1 for Duration's own size byte
		m.durationFieldSet = true
		if err := m.write(ctx, infoBody); err != nil {
			return err
		}

		var tracksBody []byte
		for i, t := range m.tracks {
			tracksBody = append(tracksBody, m.encodeTrackEntry(i, t)...)
		}
		return m.writeElement(ctx, idTracks, tracksBody)
	})
}

func appendElement(body []byte, id uint64, data []byte) []byte {
	body = append(body, encodeElementID(id)...)
	body = append(body, encodeVInt(uint64(len(data)), vintLengthFor(uint64(len(data))))...)
	body = append(body, data...)
	return body
}

func (m *Muxer) encodeTrackEntry(index int, t *track.OutputTrack) []byte {
	st := m.states[index]
	var entry []byte
	entry = appendElement(entry, idTrackNum, encodeUint(st.trackNumber))
	entry = appendElement(entry, idTrackUID, encodeUint(st.trackNumber))
	trackType := uint64(trackTypeSubtitle)
	switch t.Kind {
	case track.Video:
		trackType = trackTypeVideo
	case track.Audio:
		trackType = trackTypeAudio
	}
	entry = appendElement(entry, idTrackType, encodeUint(trackType))
	codecID, ok := tagToCodecID[t.CodecTag]
	if !ok {
		codecID = t.CodecTag
	}
	entry = appendElement(entry, idCodecID, []byte(codecID))
	if t.Name != "" {
		entry = appendElement(entry, idTrackName, []byte(t.Name))
	}
	if t.Language != "" {
		entry = appendElement(entry, idLanguage, []byte(t.Language))
	}
	if len(t.DecoderConfig) > 0 {
		entry = appendElement(entry, idCodecPriv, t.DecoderConfig)
	}
	if t.Kind == track.Video {
		var video []byte
		video = appendElement(video, idPixelWidth, encodeUint(uint64(t.Width)))
		video = appendElement(video, idPixelHeight, encodeUint(uint64(t.Height)))
		if t.CodecTag == "vp9" {
			// Chromium-family browsers guess BT.601 vs BT.709 from
			// resolution when a VP9 track omits MatrixCoefficients,
			// misrendering color on non-standard sizes; signal it explicitly.
			colour := appendElement(nil, idMatrixCoefficients, encodeUint(1))
			video = appendElement(video, idColour, colour)
		}
		entry = appendElement(entry, idVideo, video)
	}
	if t.Kind == track.Audio {
		var audio []byte
		audio = appendElement(audio, idSamplingFrequency, encodeFloat64(float64(t.SampleRate)))
		audio = appendElement(audio, idChannels, encodeUint(uint64(t.Channels)))
		entry = appendElement(entry, idAudio, audio)
	}
	return appendElement(nil, idTrackEntry, entry)
}

// WritePacket muxes one packet for output track index, opening a new Cluster
// when every track has a pending key frame since the last cut, or returning
// an Encoding error if the current cluster would otherwise overflow its
// 16-bit relative timecode range before a clean cut point arrives.
func (m *Muxer) WritePacket(ctx context.Context, trackIndex int, p *packet.Encoded) error {
	return m.mu.WithLock(ctx, func() error {
		if trackIndex < 0 || trackIndex >= len(m.states) {
			return avperr.Encodingf("matroska.Muxer.WritePacket", "track index %d out of range", trackIndex)
		}
		st := m.states[trackIndex]
		if p.IsKeyFrame() {
			st.haveKeyQueued = true
		}
		if end := p.EndTimestamp(); end > st.maxEndTime {
			st.maxEndTime = end
		}

		allQueued := true
		for _, s := range m.states {
			if !s.haveKeyQueued {
				allQueued = false
				break
			}
		}

		elapsedTicks := int64(0)
		if m.clusterOpen {
			elapsedTicks = int64((p.Timestamp() - m.clusterStartTime) * 1e9 / float64(m.timestampScale))
		}

		switch {
		case !m.clusterOpen:
			if err := m.startCluster(ctx, p.Timestamp()); err != nil {
				return err
			}
		case p.IsKeyFrame() && allQueued:
			if err := m.startCluster(ctx, p.Timestamp()); err != nil {
				return err
			}
			for _, s := range m.states {
				s.haveKeyQueued = false
			}
			st.haveKeyQueued = true
		case elapsedTicks > maxClusterTicks:
			return avperr.Encodingf("matroska.Muxer.WritePacket",
				"cluster exceeds %d ticks before every track has a pending key frame", maxClusterTicks)
		}

		return m.writeBlock(ctx, st.trackNumber, p)
	})
}

func (m *Muxer) startCluster(ctx context.Context, timestamp float64) error {
	if err := m.write(ctx, encodeElementID(idCluster)); err != nil {
		return err
	}
	if err := m.write(ctx, []byte{0xff}); err != nil { // 1-byte unknown-size marker
		return err
	}
	m.clusterStartPos = m.pos
	m.clusterOpen = true
	m.clusterStartTime = timestamp
	ticks := uint64(timestamp * 1e9 / float64(m.timestampScale))
	return m.writeElement(ctx, idTimestamp, encodeUint(ticks))
}

func (m *Muxer) writeBlock(ctx context.Context, trackNumber uint64, p *packet.Encoded) error {
	relTicks := int64((p.Timestamp() - m.clusterStartTime) * 1e9 / float64(m.timestampScale))
	var block []byte
	block = append(block, encodeVInt(trackNumber, vintLengthFor(trackNumber))...)
	block = append(block, byte(relTicks>>8), byte(relTicks))
	flags := byte(0)
	if p.IsKeyFrame() {
		flags |= 0x80
	}
	block = append(block, flags)
	block = append(block, p.Data()...)
	return m.writeElement(ctx, idSimpleBlock, block)
}

// Finalize back-patches the Segment size and Info Duration fields and
// flushes the target. The muxer must not be used afterward.
func (m *Muxer) Finalize(ctx context.Context) error {
	return m.mu.WithLock(ctx, func() error {
		duration := 0.0
		for _, s := range m.states {
			if s.maxEndTime > duration {
				duration = s.maxEndTime
			}
		}
		durationTicks := duration * 1e9 / float64(m.timestampScale)

		segmentSize := m.pos - m.segmentDataStart
		if err := m.target.Seek(ctx, int64(m.segmentSizeField)); err != nil {
			return avperr.New(avperr.Encoding, "matroska.Muxer.Finalize", err)
		}
		if err := m.target.Write(ctx, encodeVInt(segmentSize, 8)); err != nil {
			return avperr.New(avperr.IO, "matroska.Muxer.Finalize", err)
		}

		if m.durationFieldSet {
			if err := m.target.Seek(ctx, int64(m.durationField)); err != nil {
				return avperr.New(avperr.Encoding, "matroska.Muxer.Finalize", err)
			}
			if err := m.target.Write(ctx, encodeFloat64(durationTicks)); err != nil {
				return avperr.New(avperr.IO, "matroska.Muxer.Finalize", err)
			}
		}

		return m.target.Flush(ctx)
	})
}
