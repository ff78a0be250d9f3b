// Package byteio provides the byte-range reader that sits between a
// caller-supplied Source/Target and every format parser in avpack.
//
// Source and Target are the two external collaborators named in spec §6:
// actual file/HTTP/in-memory back-ends live outside this module, which only
// consumes their narrow interfaces.
package byteio

import (
	"context"

	"github.com/avpack/avpack/avperr"
)

// Source is the external byte-range provider a demuxer reads from.
// Implementations may be in-memory buffers, local files, blobs, or
// HTTP range-fetchers; avpack only ever calls these two methods.
type Source interface {
	// GetSize returns the total size of the source in bytes.
	GetSize(ctx context.Context) (uint64, error)
	// ReadRange returns the bytes in [start, end). Implementations may fail
	// with avperr.IO on any underlying I/O error.
	ReadRange(ctx context.Context, start, end uint64) ([]byte, error)
}

// WriteSpan records a byte range written to a Target, used by streaming
// back-ends that expose per-section spans (e.g. to checksum a finalized
// region after the fact without buffering it).
type WriteSpan struct {
	Start, End uint64
}

// Target is the external byte sink a muxer writes to.
type Target interface {
	// Write appends bytes at the target's current cursor.
	Write(ctx context.Context, p []byte) error
	// Seek repositions the target's cursor to an absolute byte offset. Not
	// every Target supports seeking backward; streaming back-ends that
	// cannot should return avperr.Encoding and the muxer falls back to
	// emitting sizeless elements where the container format allows it.
	Seek(ctx context.Context, pos int64) error
	// Flush ensures all written bytes have been committed.
	Flush(ctx context.Context) error
}

// TrackedTarget is an optional Target capability: back-ends that support it
// can report which byte spans were written since tracking started, which
// streaming muxers use to compute checksums/sizes over a region without
// reading it back.
type TrackedTarget interface {
	Target
	StartTrackingWrites()
	StopTrackingWrites() []WriteSpan
}

// wrapIOErr tags a Source/Target failure with avperr.IO.
func wrapIOErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return avperr.New(avperr.IO, op, err)
}
