package byteio

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheBudget is the default cache budget for packet-data streams (§4.1).
const DefaultCacheBudget = 64 << 20 // 64 MiB

// rangeKey identifies a cached byte range by its start offset and length.
type rangeKey struct {
	start  uint64
	length uint64
}

// Reader maps random byte-range requests from parsers onto a Source, caching
// recently fetched ranges so repeated small reads over the same region (a
// pattern almost every box/element parser exhibits) do not re-issue I/O.
//
// Reader is safe for concurrent use by cooperative callers operating on
// different tracks of the same demuxer (spec §5): slices handed back are
// immutable snapshots copied out of the cache, never references into
// mutable state, so two callers can hold slices from overlapping ranges
// without racing.
type Reader struct {
	source Source
	budget uint64
	used   uint64
	cache  *lru.Cache[rangeKey, []byte]
	size   uint64
	sized  bool
}

// NewReader wraps source with a cache of the given byte budget. A budget of 0
// selects DefaultCacheBudget.
func NewReader(source Source, budget uint64) *Reader {
	if budget == 0 {
		budget = DefaultCacheBudget
	}
	r := &Reader{source: source, budget: budget}
	// The underlying LRU is keyed by entry count, not bytes; we give it an
	// effectively unbounded count and enforce the real byte budget ourselves
	// via the OnEvict callback below, calling RemoveOldest in Reader.admit.
	cache, err := lru.NewWithEvict(1<<20, func(_ rangeKey, v []byte) {
		r.used -= uint64(len(v))
	})
	if err != nil {
		// Only fails for a non-positive size, which 1<<20 never is.
		panic(fmt.Sprintf("byteio: unreachable lru init failure: %v", err))
	}
	r.cache = cache
	return r
}

// Size returns the source's total size, fetched once and cached thereafter.
// This is the reader's only suspension point that touches Source.GetSize
// (spec §5 suspension point 3).
func (r *Reader) Size(ctx context.Context) (uint64, error) {
	if r.sized {
		return r.size, nil
	}
	n, err := r.source.GetSize(ctx)
	if err != nil {
		return 0, wrapIOErr("byteio.Reader.Size", err)
	}
	r.size = n
	r.sized = true
	return n, nil
}

// Slice returns a Slice view over [start, start+length). If the range is
// cached it is served synchronously (no suspension); otherwise it is fetched
// from the Source (spec §5 suspension point 1) and cached before being
// returned. Returns (nil, nil) only when start is at or past the end of the
// source; a range that runs past the end is not rejected but truncated to
// the bytes available.
func (r *Reader) Slice(ctx context.Context, start, length uint64) (*Slice, error) {
	size, err := r.Size(ctx)
	if err != nil {
		return nil, err
	}
	if start >= size {
		return nil, nil
	}
	end := start + length
	if end > size {
		end = size
	}
	key := rangeKey{start: start, length: end - start}
	if data, ok := r.cache.Get(key); ok {
		return newSlice(start, data), nil
	}

	data, err := r.source.ReadRange(ctx, start, end)
	if err != nil {
		return nil, wrapIOErr("byteio.Reader.Slice", err)
	}
	r.admit(key, data)
	return newSlice(start, data), nil
}

// admit inserts data into the cache, evicting the least recently used ranges
// until the reader is back under its byte budget. Ranges cannot be pinned:
// any cached range, including one just handed out, may be evicted.
func (r *Reader) admit(key rangeKey, data []byte) {
	n := uint64(len(data))
	if n > r.budget {
		// Larger than the whole cache: serve it but don't retain it.
		return
	}
	r.cache.Add(key, data)
	r.used += n
	for r.used > r.budget {
		if _, _, ok := r.cache.RemoveOldest(); !ok {
			break
		}
	}
}

// Forget proactively releases a previously fetched range's bytes, for
// parsers that know a fragment's bytes are no longer needed (§4.1).
func (r *Reader) Forget(start, length uint64) {
	r.cache.Remove(rangeKey{start: start, length: length})
}

// Source returns the underlying Source.
func (r *Reader) Source() Source { return r.source }
