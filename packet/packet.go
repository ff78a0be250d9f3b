// Package packet defines the immutable encoded-packet value type shared by
// every demuxer and muxer in avpack. A packet never carries decoded samples:
// it shuffles already-encoded bytes plus the timing metadata needed to place
// them on a track's timeline.
package packet

import "fmt"

// Type discriminates a packet's role in the decode order of its track.
type Type int

const (
	// Delta packets require a preceding reference frame to decode.
	Delta Type = iota
	// Key packets can be decoded without any preceding frame.
	Key
)

func (t Type) String() string {
	if t == Key {
		return "key"
	}
	return "delta"
}

// Encoded is an immutable encoded packet belonging to a single track.
//
// Invariants:
//   - IsMetadataOnly() holds iff len(Data) == 0 && ByteLength > 0.
//   - Duration is never negative.
//   - SequenceNumber < 0 means "undefined"; otherwise it is monotone-compatible
//     within its track (not necessarily contiguous).
type Encoded struct {
	data           []byte
	typ            Type
	timestamp      float64 // seconds, may be negative
	duration       float64 // seconds, >= 0
	sequenceNumber int64   // < 0 means undefined
	byteLength     int     // original size, even for a metadata-only placeholder
}

// New constructs an Encoded packet. It panics if duration is negative, a
// programmer error rather than a runtime condition a caller recovers from. A
// byteLength smaller than len(data) is raised to len(data).
func New(data []byte, typ Type, timestamp, duration float64, sequenceNumber int64, byteLength int) *Encoded {
	if duration < 0 {
		panic("packet: negative duration")
	}
	if byteLength < len(data) {
		byteLength = len(data)
	}
	return &Encoded{
		data:           data,
		typ:            typ,
		timestamp:      timestamp,
		duration:       duration,
		sequenceNumber: sequenceNumber,
		byteLength:     byteLength,
	}
}

// NewMetadataOnly constructs a placeholder packet that carries no sample
// bytes but still reports the original on-disk size, used when a caller asked
// only for timing/index information.
func NewMetadataOnly(typ Type, timestamp, duration float64, sequenceNumber int64, byteLength int) *Encoded {
	if byteLength <= 0 {
		panic("packet: metadata-only packet requires byteLength > 0")
	}
	return New(nil, typ, timestamp, duration, sequenceNumber, byteLength)
}

// Data returns the packet's encoded bytes, or nil for a metadata-only packet.
func (p *Encoded) Data() []byte { return p.data }

// Type returns whether the packet is a key or delta frame.
func (p *Encoded) Type() Type { return p.typ }

// IsKeyFrame reports whether the packet can be decoded without a preceding frame.
func (p *Encoded) IsKeyFrame() bool { return p.typ == Key }

// Timestamp returns the packet's presentation timestamp in seconds.
func (p *Encoded) Timestamp() float64 { return p.timestamp }

// Duration returns the packet's duration in seconds.
func (p *Encoded) Duration() float64 { return p.duration }

// EndTimestamp returns Timestamp()+Duration().
func (p *Encoded) EndTimestamp() float64 { return p.timestamp + p.duration }

// SequenceNumber returns the packet's sequence number, or a negative value if undefined.
func (p *Encoded) SequenceNumber() int64 { return p.sequenceNumber }

// ByteLength returns the packet's original size in bytes, even when Data is a
// zero-length metadata-only placeholder.
func (p *Encoded) ByteLength() int { return p.byteLength }

// IsMetadataOnly reports whether the packet carries no sample bytes.
func (p *Encoded) IsMetadataOnly() bool { return len(p.data) == 0 && p.byteLength > 0 }

// Contains reports whether t falls within [Timestamp, EndTimestamp).
func (p *Encoded) Contains(t float64) bool {
	return t >= p.timestamp && t < p.EndTimestamp()
}

func (p *Encoded) String() string {
	return fmt.Sprintf("packet{type=%s ts=%.6f dur=%.6f seq=%d len=%d meta=%t}",
		p.typ, p.timestamp, p.duration, p.sequenceNumber, p.byteLength, p.IsMetadataOnly())
}
