// Package bitreader implements bit-level reads over a byte buffer: plain
// fixed-width bit reads (delegated to icza/bitio's MSB-first cursor), plus
// the format-specific encodings bitio has no notion of — Exp-Golomb and
// signed Exp-Golomb (AVC/HEVC parameter sets), LEB128 (AV1 OBU sizes), and
// NAL-unit emulation-prevention stripping.
//
// A Reader is a value type carrying only positional state over an immutable
// byte window: Clone is cheap because it copies the position, not the bytes.
package bitreader

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// Reader is a bit-cursor over an in-memory byte buffer.
type Reader struct {
	data    []byte
	bitPos  int // absolute bit position from start of data
	lastErr error
}

// New creates a Reader over data, with the cursor at bit 0.
func New(data []byte) *Reader {
	return &Reader{data: data}
}

// Clone returns an independent Reader sharing the same underlying byte
// window but with its own cursor, initialised to this Reader's position.
func (r *Reader) Clone() *Reader {
	return &Reader{data: r.data, bitPos: r.bitPos}
}

// Err returns the first error encountered by any read on this Reader.
func (r *Reader) Err() error { return r.lastErr }

// BitPos returns the current absolute bit position.
func (r *Reader) BitPos() int { return r.bitPos }

// BitsRemaining returns the number of unread bits.
func (r *Reader) BitsRemaining() int { return len(r.data)*8 - r.bitPos }

// newCursor builds a fresh bitio.Reader positioned at r.bitPos, since bitio
// has no way to resume a reader mid-byte; we re-slice from the current byte
// and discard the already-consumed bits of that byte via ReadBits.
func (r *Reader) newCursor() (*bitio.Reader, int, error) {
	byteOff := r.bitPos / 8
	bitOff := r.bitPos % 8
	if byteOff > len(r.data) {
		return nil, 0, fmt.Errorf("bitreader: position past end of buffer")
	}
	br := bitio.NewReader(bytes.NewReader(r.data[byteOff:]))
	if bitOff > 0 {
		if _, err := br.ReadBits(uint8(bitOff)); err != nil {
			return nil, 0, err
		}
	}
	return br, bitOff, nil
}

// ReadBits reads n (0..64) bits MSB-first and advances the cursor.
func (r *Reader) ReadBits(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("bitreader: invalid bit count %d", n)
	}
	if n == 0 {
		return 0, nil
	}
	if r.BitsRemaining() < n {
		err := fmt.Errorf("bitreader: short read: need %d bits, have %d", n, r.BitsRemaining())
		r.lastErr = err
		return 0, err
	}
	br, _, err := r.newCursor()
	if err != nil {
		r.lastErr = err
		return 0, err
	}
	v, err := br.ReadBits(uint8(n))
	if err != nil {
		r.lastErr = err
		return 0, err
	}
	r.bitPos += n
	return v, nil
}

// ReadBit reads a single bit as a bool.
func (r *Reader) ReadBit() (bool, error) {
	v, err := r.ReadBits(1)
	return v != 0, err
}

// SkipBits advances the cursor by n bits without returning their value.
func (r *Reader) SkipBits(n int) error {
	if n < 0 || r.BitsRemaining() < n {
		return fmt.Errorf("bitreader: cannot skip %d bits, have %d", n, r.BitsRemaining())
	}
	r.bitPos += n
	return nil
}

// ReadAlignedByte reads one byte after first advancing the cursor to the
// next byte boundary if it is not already aligned.
func (r *Reader) ReadAlignedByte() (byte, error) {
	if r.bitPos%8 != 0 {
		pad := 8 - r.bitPos%8
		if err := r.SkipBits(pad); err != nil {
			return 0, err
		}
	}
	v, err := r.ReadBits(8)
	return byte(v), err
}

// ByteAlign advances the cursor to the next byte boundary.
func (r *Reader) ByteAlign() {
	if rem := r.bitPos % 8; rem != 0 {
		r.bitPos += 8 - rem
	}
}

// ReadExpGolomb reads an unsigned Exp-Golomb code: count leading zero bits
// (capped at 32, else fail), read that many following bits, and combine as
// (1<<k)-1 + suffix.
func (r *Reader) ReadExpGolomb() (uint32, error) {
	leadingZeros := 0
	for {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if bit {
			break
		}
		leadingZeros++
		if leadingZeros > 32 {
			err := fmt.Errorf("bitreader: exp-golomb code exceeds 32 leading zero bits")
			r.lastErr = err
			return 0, err
		}
	}
	if leadingZeros == 0 {
		return 0, nil
	}
	suffix, err := r.ReadBits(leadingZeros)
	if err != nil {
		return 0, err
	}
	return uint32((1<<uint(leadingZeros) - 1) + suffix), nil
}

// ReadSignedExpGolomb reads a signed Exp-Golomb code: the unsigned code k is
// mapped to a signed value by alternating sign, i.e. k -> (-1)^(k+1) * ceil(k/2).
func (r *Reader) ReadSignedExpGolomb() (int32, error) {
	k, err := r.ReadExpGolomb()
	if err != nil {
		return 0, err
	}
	if k%2 == 0 {
		return -int32(k / 2), nil
	}
	return int32(k+1) / 2, nil
}

// ReadLEB128 reads an unsigned LEB128-encoded integer: seven low bits per
// byte, stopping on the first byte whose high bit is clear. Rejects overlong
// encodings (sequences longer than 5 bytes) and values >= 2^32, per §4.2.
func (r *Reader) ReadLEB128() (uint32, error) {
	if r.bitPos%8 != 0 {
		return 0, fmt.Errorf("bitreader: LEB128 read requires byte alignment")
	}
	var value uint64
	for i := 0; i < 5; i++ {
		b, err := r.ReadBits(8)
		if err != nil {
			return 0, err
		}
		value |= (b & 0x7f) << (7 * i)
		if b&0x80 == 0 {
			if value >= 1<<32 {
				return 0, fmt.Errorf("bitreader: LEB128 value %d >= 2^32", value)
			}
			return uint32(value), nil
		}
	}
	return 0, fmt.Errorf("bitreader: overlong LEB128 sequence")
}

// StripEmulationPrevention removes 0x03 bytes that follow 0x00 0x00 in a NAL
// payload, per the AVC/HEVC emulation-prevention scheme (§4.2).
func StripEmulationPrevention(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeroRun := 0
	for _, b := range nal {
		if zeroRun >= 2 && b == 0x03 {
			zeroRun = 0
			continue
		}
		out = append(out, b)
		if b == 0 {
			zeroRun++
		} else {
			zeroRun = 0
		}
	}
	return out
}
