package matroska

import (
	"context"
	"sort"

	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/track"
)

// trackBacking implements track.Backing for one Matroska track, driving
// cluster discovery/parsing lazily through its Demuxer (§4.5).
type trackBacking struct {
	demuxer *Demuxer
	state   *trackState
}

var _ track.Backing = (*trackBacking)(nil)

// clusterIndexForOffset returns the index of the cluster at or immediately
// before offset, assuming d.clusterOffsets is sorted ascending.
func (d *Demuxer) clusterIndexForOffset(offset uint64) int {
	n := len(d.clusterOffsets)
	i := sort.Search(n, func(i int) bool { return d.clusterOffsets[i] > offset })
	return i - 1
}

// startClusterForTime returns the cluster index to begin scanning from for a
// GetPacket/GetKeyPacket lookup at time t: the cue-indicated cluster backed
// off by one entry as a safety margin, or 0 when the track has no cues
// (§4.5: "cue-point seeking with resync").
func (b *trackBacking) startClusterForTime(t float64) int {
	cues := b.state.cues
	if len(cues) == 0 {
		return 0
	}
	i := sort.Search(len(cues), func(i int) bool { return cues[i].timeSeconds > t })
	i--
	if i < 0 {
		return 0
	}
	idx := b.demuxer.clusterIndexForOffset(cues[i].clusterOffset)
	if idx < 0 {
		return 0
	}
	if idx > 0 {
		idx-- // safety margin: cue clusters aren't always frame-exact
	}
	return idx
}

func (b *trackBacking) framesIn(ctx context.Context, clusterIndex int) ([]*packet.Encoded, error) {
	if err := b.demuxer.ensureClusterParsed(ctx, clusterIndex); err != nil {
		return nil, err
	}
	return b.state.clusterFrames[clusterIndex], nil
}

// GetFirstPacket returns the track's first packet, or nil if the track is empty.
func (b *trackBacking) GetFirstPacket(ctx context.Context) (*packet.Encoded, error) {
	if err := b.demuxer.ensureClusterIndex(ctx); err != nil {
		return nil, err
	}
	for i := 0; i < len(b.demuxer.clusterOffsets); i++ {
		frames, err := b.framesIn(ctx, i)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			return frames[0], nil
		}
	}
	return nil, nil
}

// GetPacket returns the last packet at or before timestamp t (the practical
// reading of "containing timestamp t" when many packets carry no known
// duration), or nil if t is before the track's first packet.
func (b *trackBacking) GetPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	if err := b.demuxer.ensureClusterIndex(ctx); err != nil {
		return nil, err
	}
	start := b.startClusterForTime(t)
	var candidate *packet.Encoded
	for i := start; i < len(b.demuxer.clusterOffsets); i++ {
		frames, err := b.framesIn(ctx, i)
		if err != nil {
			return nil, err
		}
		for _, p := range frames {
			if p.Timestamp() > t {
				return candidate, nil
			}
			candidate = p
		}
	}
	return candidate, nil
}

// GetNextPacket returns the packet immediately following p in presentation
// order. p's cluster is taken from the high bits of its SequenceNumber
// (cluster index << 24, per expandBlocksToPackets); p is then located in
// that cluster's presentation-ordered list by pointer identity.
func (b *trackBacking) GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	if err := b.demuxer.ensureClusterIndex(ctx); err != nil {
		return nil, err
	}
	clusterIndex := int(p.SequenceNumber() >> 24)
	frames, err := b.framesIn(ctx, clusterIndex)
	if err != nil {
		return nil, err
	}
	for i, f := range frames {
		if f == p {
			if i+1 < len(frames) {
				return frames[i+1], nil
			}
			break
		}
	}
	for i := clusterIndex + 1; i < len(b.demuxer.clusterOffsets); i++ {
		frames, err := b.framesIn(ctx, i)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 {
			return frames[0], nil
		}
	}
	return nil, nil
}

// GetKeyPacket returns the last key packet at or before timestamp t.
func (b *trackBacking) GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error) {
	if err := b.demuxer.ensureClusterIndex(ctx); err != nil {
		return nil, err
	}
	start := b.startClusterForTime(t)
	var candidate *packet.Encoded
	for i := start; i < len(b.demuxer.clusterOffsets); i++ {
		frames, err := b.framesIn(ctx, i)
		if err != nil {
			return nil, err
		}
		for _, p := range frames {
			if !p.IsKeyFrame() {
				continue
			}
			if p.Timestamp() > t {
				return candidate, nil
			}
			candidate = p
		}
	}
	return candidate, nil
}

// GetNextKeyPacket returns the next key packet strictly after p.
func (b *trackBacking) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	if err := b.demuxer.ensureClusterIndex(ctx); err != nil {
		return nil, err
	}
	clusterIndex := int(p.SequenceNumber() >> 24)
	for i := clusterIndex; i < len(b.demuxer.clusterOffsets); i++ {
		frames, err := b.framesIn(ctx, i)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			if f.IsKeyFrame() && f.Timestamp() > p.Timestamp() {
				return f, nil
			}
		}
	}
	return nil, nil
}

// GetDecoderConfig returns the track's CodecPrivate bytes, or nil if the codec needs none.
func (b *trackBacking) GetDecoderConfig(ctx context.Context) ([]byte, error) {
	return b.state.input.DecoderConfig, nil
}
