package byteio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Slice is a contiguous byte window with an internal cursor, exposing
// aligned reads used by every format parser (§3: "Reader slice"). It carries
// its origin file offset so callers can compute byte-exact positions.
type Slice struct {
	origin uint64 // absolute file offset of data[0]
	data   []byte
	pos    int // cursor, relative to data[0]
}

func newSlice(origin uint64, data []byte) *Slice {
	return &Slice{origin: origin, data: data}
}

// NewSlice wraps an already-fetched byte slice that has no file origin of its
// own, such as a nested EBML/box element's body extracted from a parent
// element's Slice. Origin is 0.
func NewSlice(data []byte) *Slice {
	return newSlice(0, data)
}

// Len returns the number of unread bytes remaining after the cursor.
func (s *Slice) Len() int { return len(s.data) - s.pos }

// Origin returns the absolute file offset of the slice's first byte.
func (s *Slice) Origin() uint64 { return s.origin }

// Pos returns the cursor position relative to the slice start.
func (s *Slice) Pos() int { return s.pos }

// AbsolutePos returns the absolute file offset of the cursor.
func (s *Slice) AbsolutePos() uint64 { return s.origin + uint64(s.pos) }

// Bytes returns all bytes in the slice (ignoring cursor position).
func (s *Slice) Bytes() []byte { return s.data }

// Remaining returns the unread tail of the slice.
func (s *Slice) Remaining() []byte { return s.data[s.pos:] }

func (s *Slice) need(n int) error {
	if s.pos+n > len(s.data) {
		return fmt.Errorf("byteio: short read: need %d bytes at pos %d, have %d", n, s.pos, len(s.data))
	}
	return nil
}

// Skip advances the cursor by n bytes.
func (s *Slice) Skip(n int) error {
	if err := s.need(n); err != nil {
		return err
	}
	s.pos += n
	return nil
}

// Seek repositions the cursor to an offset relative to the slice start.
func (s *Slice) Seek(pos int) error {
	if pos < 0 || pos > len(s.data) {
		return fmt.Errorf("byteio: seek out of range: %d (len %d)", pos, len(s.data))
	}
	s.pos = pos
	return nil
}

// ReadBytes returns the next n bytes and advances the cursor.
func (s *Slice) ReadBytes(n int) ([]byte, error) {
	if err := s.need(n); err != nil {
		return nil, err
	}
	b := s.data[s.pos : s.pos+n]
	s.pos += n
	return b, nil
}

// ReadU8 reads one unsigned byte.
func (s *Slice) ReadU8() (uint8, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	v := s.data[s.pos]
	s.pos++
	return v, nil
}

// ReadI8 reads one signed byte.
func (s *Slice) ReadI8() (int8, error) {
	v, err := s.ReadU8()
	return int8(v), err
}

// ReadU16BE reads a big-endian uint16.
func (s *Slice) ReadU16BE() (uint16, error) {
	b, err := s.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU16LE reads a little-endian uint16.
func (s *Slice) ReadU16LE() (uint16, error) {
	b, err := s.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadI16BE reads a big-endian int16.
func (s *Slice) ReadI16BE() (int16, error) {
	v, err := s.ReadU16BE()
	return int16(v), err
}

// ReadI16LE reads a little-endian int16.
func (s *Slice) ReadI16LE() (int16, error) {
	v, err := s.ReadU16LE()
	return int16(v), err
}

// ReadU24BE reads a big-endian 24-bit unsigned integer.
func (s *Slice) ReadU24BE() (uint32, error) {
	b, err := s.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadU24LE reads a little-endian 24-bit unsigned integer.
func (s *Slice) ReadU24LE() (uint32, error) {
	b, err := s.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

// ReadU32BE reads a big-endian uint32.
func (s *Slice) ReadU32BE() (uint32, error) {
	b, err := s.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadU32LE reads a little-endian uint32.
func (s *Slice) ReadU32LE() (uint32, error) {
	b, err := s.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadI32BE reads a big-endian int32.
func (s *Slice) ReadI32BE() (int32, error) {
	v, err := s.ReadU32BE()
	return int32(v), err
}

// ReadI32LE reads a little-endian int32.
func (s *Slice) ReadI32LE() (int32, error) {
	v, err := s.ReadU32LE()
	return int32(v), err
}

// ReadU64BE reads a big-endian uint64.
func (s *Slice) ReadU64BE() (uint64, error) {
	b, err := s.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadU64LE reads a little-endian uint64.
func (s *Slice) ReadU64LE() (uint64, error) {
	b, err := s.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadI64BE reads a big-endian int64.
func (s *Slice) ReadI64BE() (int64, error) {
	v, err := s.ReadU64BE()
	return int64(v), err
}

// ReadF32BE reads a big-endian IEEE-754 float32.
func (s *Slice) ReadF32BE() (float32, error) {
	v, err := s.ReadU32BE()
	return math.Float32frombits(v), err
}

// ReadF64BE reads a big-endian IEEE-754 float64.
func (s *Slice) ReadF64BE() (float64, error) {
	v, err := s.ReadU64BE()
	return math.Float64frombits(v), err
}

// ReadASCII reads n bytes and returns them as a string, stopping at the
// first NUL byte if one is present (fixed-length ASCII fields, §3).
func (s *Slice) ReadASCII(n int) (string, error) {
	b, err := s.ReadBytes(n)
	if err != nil {
		return "", err
	}
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
