// Package track defines the polymorphic track model shared by every
// demuxer and muxer: InputTrack for reading, OutputTrack for writing (§3,
// §9 "share a small capability set... do not attempt deep inheritance").
package track

import (
	"context"

	"github.com/avpack/avpack/packet"
	"github.com/avpack/avpack/xutil"
)

// Kind discriminates a track's media type.
type Kind int

const (
	Video Kind = iota
	Audio
	Subtitle
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	case Subtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Backing is the per-track capability set every demuxer's track
// implementation provides (§9): packet retrieval by time, by sequence, and
// decoder-configuration lookup. Demuxers implement this directly rather
// than through a deep class hierarchy.
type Backing interface {
	// GetFirstPacket returns the track's first packet, or nil if the track is empty.
	GetFirstPacket(ctx context.Context) (*packet.Encoded, error)
	// GetPacket returns the packet containing timestamp t, or nil if t is outside the track.
	GetPacket(ctx context.Context, t float64) (*packet.Encoded, error)
	// GetNextPacket returns the packet immediately following p on this track, or nil at EOF.
	GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error)
	// GetKeyPacket returns the last key packet at or before timestamp t.
	GetKeyPacket(ctx context.Context, t float64) (*packet.Encoded, error)
	// GetNextKeyPacket returns the next key packet strictly after p.
	GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error)
	// GetDecoderConfig returns the codec's decoder-configuration bytes, or nil if the codec needs none.
	GetDecoderConfig(ctx context.Context) ([]byte, error)
}

// Demuxer is the small capability set every container demuxer exposes (§9).
type Demuxer interface {
	MimeType() string
	Tracks() []*InputTrack
	ComputeDuration(ctx context.Context) (float64, error)
}

// InputTrack is an immutable, read-only view of one track of a demuxed
// container (§3). Video/audio-specific fields are zero-valued for tracks of
// the wrong kind.
type InputTrack struct {
	ID                 int
	Kind               Kind
	CodecTag           string
	Name               string
	Language           string // BCP-47/ISO-639-2, defaults to "und"
	TimeResolution     uint64 // ticks per second, container-specific
	FirstTimestamp     float64
	Duration           float64
	CodecParameterStr  string
	Backing            Backing

	// Video-only.
	Width, Height int
	Rotation      xutil.Rotation
	ColourSpace   xutil.ColourSpace

	// Audio-only: Channels and SampleRate. DecoderConfig is set for tracks of
	// any kind whose codec carries configuration bytes.
	Channels      int
	SampleRate    int
	DecoderConfig []byte
}

// NewInputTrack builds an InputTrack with Language set to "und"; SetLanguage
// assigns a tag normalized through xutil.NormalizeLanguage.
func NewInputTrack(id int, kind Kind, codecTag string) *InputTrack {
	return &InputTrack{
		ID:       id,
		Kind:     kind,
		CodecTag: codecTag,
		Language: "und",
	}
}

// SetLanguage normalizes and assigns the track's language tag.
func (t *InputTrack) SetLanguage(tag string) {
	t.Language = xutil.NormalizeLanguage(tag)
}

// GetFirstPacket delegates to the track's Backing.
func (t *InputTrack) GetFirstPacket(ctx context.Context) (*packet.Encoded, error) {
	return t.Backing.GetFirstPacket(ctx)
}

// GetPacket delegates to the track's Backing.
func (t *InputTrack) GetPacket(ctx context.Context, at float64) (*packet.Encoded, error) {
	return t.Backing.GetPacket(ctx, at)
}

// GetNextPacket delegates to the track's Backing.
func (t *InputTrack) GetNextPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	return t.Backing.GetNextPacket(ctx, p)
}

// GetKeyPacket delegates to the track's Backing.
func (t *InputTrack) GetKeyPacket(ctx context.Context, at float64) (*packet.Encoded, error) {
	return t.Backing.GetKeyPacket(ctx, at)
}

// GetNextKeyPacket delegates to the track's Backing.
func (t *InputTrack) GetNextKeyPacket(ctx context.Context, p *packet.Encoded) (*packet.Encoded, error) {
	return t.Backing.GetNextKeyPacket(ctx, p)
}

// PacketSource is what an OutputTrack pulls packets from: a caller-driven
// feed, or an adapter over another demuxed track for remuxing.
type PacketSource interface {
	// NextPacket returns the next packet to mux, or nil when exhausted.
	NextPacket(ctx context.Context) (*packet.Encoded, error)
}

// OutputTrack is a track under construction in a muxer (§3): it carries a
// PacketSource plus metadata a muxer writes into the container.
type OutputTrack struct {
	Kind          Kind
	CodecTag      string
	Source        PacketSource
	Language      string
	Name          string
	FrameRateHint float64 // 0 means unknown/unset

	Width, Height int
	Rotation      xutil.Rotation

	Channels      int
	SampleRate    int
	DecoderConfig []byte
}

// NewOutputTrack builds an OutputTrack fed by source.
func NewOutputTrack(kind Kind, codecTag string, source PacketSource) *OutputTrack {
	return &OutputTrack{Kind: kind, CodecTag: codecTag, Source: source, Language: "und"}
}
