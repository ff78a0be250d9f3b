// Package writer provides byteio.Target adapters over the three sinks named
// in spec §1: an in-memory buffer, a non-seekable stream, and a seekable
// file, with flush and seek semantics (§5: "the writer must support seek;
// streaming writers instead emit sizeless elements where the container
// allows").
package writer

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
)

// BufferTarget is a growable in-memory byteio.Target. Every write extends
// the buffer as needed; Seek repositions the cursor anywhere within
// [0, len(data)], enabling a muxer's finalize-time back-patch of earlier
// fields.
type BufferTarget struct {
	data   []byte
	cursor int
}

var _ byteio.Target = (*BufferTarget)(nil)

// NewBufferTarget returns an empty BufferTarget.
func NewBufferTarget() *BufferTarget { return &BufferTarget{} }

// Bytes returns the buffer's current contents. The caller must not mutate it.
func (t *BufferTarget) Bytes() []byte { return t.data }

func (t *BufferTarget) Write(ctx context.Context, p []byte) error {
	end := t.cursor + len(p)
	if end > len(t.data) {
		grown := make([]byte, end)
		copy(grown, t.data)
		t.data = grown
	}
	copy(t.data[t.cursor:end], p)
	t.cursor = end
	return nil
}

func (t *BufferTarget) Seek(ctx context.Context, pos int64) error {
	if pos < 0 || pos > int64(len(t.data)) {
		return avperr.Encodingf("writer.BufferTarget.Seek", "position %d out of range [0,%d]", pos, len(t.data))
	}
	t.cursor = int(pos)
	return nil
}

func (t *BufferTarget) Flush(ctx context.Context) error { return nil }

// StreamTarget wraps an io.Writer that cannot seek, such as a network
// response body or a pipe. Seek always fails with avperr.Encoding so a
// muxer falls back to sizeless/streaming encoding where its container
// format allows it (§5).
type StreamTarget struct {
	w   *bufio.Writer
	pos int64
}

var _ byteio.Target = (*StreamTarget)(nil)

// NewStreamTarget wraps w for sequential-only writing.
func NewStreamTarget(w io.Writer) *StreamTarget {
	return &StreamTarget{w: bufio.NewWriter(w)}
}

func (t *StreamTarget) Write(ctx context.Context, p []byte) error {
	n, err := t.w.Write(p)
	t.pos += int64(n)
	if err != nil {
		return avperr.New(avperr.IO, "writer.StreamTarget.Write", err)
	}
	return nil
}

func (t *StreamTarget) Seek(ctx context.Context, pos int64) error {
	return avperr.Encodingf("writer.StreamTarget.Seek", "stream target cannot seek to %d", pos)
}

func (t *StreamTarget) Flush(ctx context.Context) error {
	if err := t.w.Flush(); err != nil {
		return avperr.New(avperr.IO, "writer.StreamTarget.Flush", err)
	}
	return nil
}

// FileTarget wraps a seekable *os.File, buffering writes and flushing them
// through to disk on Flush and before every Seek (a seek past unflushed
// buffered bytes would otherwise read back stale data).
type FileTarget struct {
	f *os.File
	w *bufio.Writer
}

var _ byteio.Target = (*FileTarget)(nil)

// NewFileTarget wraps f, an already-opened file positioned at its start.
func NewFileTarget(f *os.File) *FileTarget {
	return &FileTarget{f: f, w: bufio.NewWriter(f)}
}

func (t *FileTarget) Write(ctx context.Context, p []byte) error {
	if _, err := t.w.Write(p); err != nil {
		return avperr.New(avperr.IO, "writer.FileTarget.Write", err)
	}
	return nil
}

func (t *FileTarget) Seek(ctx context.Context, pos int64) error {
	if err := t.w.Flush(); err != nil {
		return avperr.New(avperr.IO, "writer.FileTarget.Seek", err)
	}
	if _, err := t.f.Seek(pos, io.SeekStart); err != nil {
		return avperr.New(avperr.IO, "writer.FileTarget.Seek", err)
	}
	return nil
}

func (t *FileTarget) Flush(ctx context.Context) error {
	if err := t.w.Flush(); err != nil {
		return avperr.New(avperr.IO, "writer.FileTarget.Flush", err)
	}
	if err := t.f.Sync(); err != nil {
		return avperr.New(avperr.IO, "writer.FileTarget.Flush", err)
	}
	return nil
}
