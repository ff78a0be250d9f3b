package bitreader

import "testing"

func TestReadBitsAcrossBytes(t *testing.T) {
	r := New([]byte{0b10110010, 0b11110000})
	v, err := r.ReadBits(4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0b1011 {
		t.Fatalf("ReadBits(4) = %b, want 1011", v)
	}
	v, err = r.ReadBits(8)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0b00101111 {
		t.Fatalf("ReadBits(8) = %b, want 00101111", v)
	}
}

func TestExpGolomb(t *testing.T) {
	// ue(v) codes: 0 -> "1", 1 -> "010", 2 -> "011", 3 -> "00100"
	cases := []struct {
		bits []byte
		nbit int
		want uint32
	}{
		{[]byte{0b1_0000000}, 1, 0},
		{[]byte{0b010_00000}, 3, 1},
		{[]byte{0b011_00000}, 3, 2},
		{[]byte{0b00100_000}, 5, 3},
	}
	for _, c := range cases {
		r := New(c.bits)
		got, err := r.ReadExpGolomb()
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Fatalf("ReadExpGolomb() = %d, want %d", got, c.want)
		}
		if r.BitPos() != c.nbit {
			t.Fatalf("BitPos() = %d, want %d", r.BitPos(), c.nbit)
		}
	}
}

func TestSignedExpGolomb(t *testing.T) {
	// se(v) mapping: ue=0->0, ue=1->1, ue=2->-1, ue=3->2, ue=4->-2
	r := New([]byte{0b011_00000}) // ue=2
	got, err := r.ReadSignedExpGolomb()
	if err != nil {
		t.Fatal(err)
	}
	if got != -1 {
		t.Fatalf("ReadSignedExpGolomb() = %d, want -1", got)
	}
}

func TestLEB128(t *testing.T) {
	// 300 = 0b100101100 -> LEB128: 0xAC 0x02
	r := New([]byte{0xAC, 0x02})
	v, err := r.ReadLEB128()
	if err != nil {
		t.Fatal(err)
	}
	if v != 300 {
		t.Fatalf("ReadLEB128() = %d, want 300", v)
	}
}

func TestLEB128Overlong(t *testing.T) {
	r := New([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	if _, err := r.ReadLEB128(); err == nil {
		t.Fatal("expected error for overlong LEB128")
	}
}

func TestStripEmulationPrevention(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0x00, 0x00, 0x03, 0x02, 0x00, 0x00}
	want := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x00}
	got := StripEmulationPrevention(in)
	if string(got) != string(want) {
		t.Fatalf("StripEmulationPrevention() = %v, want %v", got, want)
	}
}

func TestCloneIndependentCursor(t *testing.T) {
	r := New([]byte{0xFF, 0x00})
	if _, err := r.ReadBits(4); err != nil {
		t.Fatal(err)
	}
	c := r.Clone()
	if _, err := r.ReadBits(4); err != nil {
		t.Fatal(err)
	}
	if c.BitPos() != 4 {
		t.Fatalf("clone BitPos() = %d, want 4 (unaffected by original's further reads)", c.BitPos())
	}
}
