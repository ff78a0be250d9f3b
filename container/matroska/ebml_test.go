package matroska

import "testing"

func TestReadVIntLengths(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint64
	}{
		{"1-byte", []byte{0x82}, 0x02},
		{"2-byte", []byte{0x41, 0x23}, 0x0123},
		{"4-byte", []byte{0x10, 0x00, 0x00, 0x01}, 0x01},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newByteSlice(c.data)
			v, err := readVInt(s, false)
			if err != nil {
				t.Fatal(err)
			}
			if v != c.want {
				t.Fatalf("readVInt() = %#x, want %#x", v, c.want)
			}
		})
	}
}

func TestReadVIntUnknownSize(t *testing.T) {
	s := newByteSlice([]byte{0xff})
	v, err := readVInt(s, false)
	if err != nil {
		t.Fatal(err)
	}
	if v != unknownSizeSentinel {
		t.Fatalf("readVInt() = %#x, want unknownSizeSentinel", v)
	}
}

func TestReadVIntKeepMarker(t *testing.T) {
	s := newByteSlice([]byte{0x18, 0x53, 0x80, 0x67})
	id, err := readVInt(s, true)
	if err != nil {
		t.Fatal(err)
	}
	if id != idSegment {
		t.Fatalf("readVInt(keepMarker) = %#x, want %#x", id, idSegment)
	}
}

func TestDecodeInt(t *testing.T) {
	if v := decodeInt([]byte{0x01}); v != 1 {
		t.Fatalf("decodeInt(0x01) = %d, want 1", v)
	}
	if v := decodeInt([]byte{0xff}); v != -1 {
		t.Fatalf("decodeInt(0xff) = %d, want -1", v)
	}
	if v := decodeInt([]byte{0xff, 0x00}); v != -256 {
		t.Fatalf("decodeInt(0xff,0x00) = %d, want -256", v)
	}
}

func TestDecodeFloat(t *testing.T) {
	// 1.0 as big-endian float64
	data := []byte{0x3f, 0xf0, 0, 0, 0, 0, 0, 0}
	if v := decodeFloat(data); v != 1.0 {
		t.Fatalf("decodeFloat() = %v, want 1.0", v)
	}
}

func TestDecodeString(t *testing.T) {
	if s := decodeString([]byte("matroska\x00")); s != "matroska" {
		t.Fatalf("decodeString() = %q, want %q", s, "matroska")
	}
	if s := decodeString([]byte("webm")); s != "webm" {
		t.Fatalf("decodeString() = %q, want %q", s, "webm")
	}
}

func TestReadElementHeader(t *testing.T) {
	// idTrackNum (0xD7, 1-byte id) + size 1 + value byte.
	s := newByteSlice([]byte{0xD7, 0x81, 0x02})
	hdr, err := readElementHeader(s)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ID != idTrackNum {
		t.Fatalf("ID = %#x, want %#x", hdr.ID, idTrackNum)
	}
	if hdr.Size != 1 {
		t.Fatalf("Size = %d, want 1", hdr.Size)
	}
	if hdr.HeaderBytes != 2 {
		t.Fatalf("HeaderBytes = %d, want 2", hdr.HeaderBytes)
	}
}
