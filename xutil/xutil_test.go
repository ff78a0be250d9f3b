package xutil

import "testing"

func TestNormalizeRotation(t *testing.T) {
	cases := map[int]Rotation{0: Rotate0, 90: Rotate90, 180: Rotate180, 270: Rotate270, 360: Rotate0, -90: Rotate270}
	for in, want := range cases {
		if got := NormalizeRotation(in); got != want {
			t.Fatalf("NormalizeRotation(%d) = %v, want %v", in, got, want)
		}
	}
}

func TestBinarySearchFunc(t *testing.T) {
	xs := []int{1, 3, 5, 7, 9}
	idx, found := BinarySearchFunc(len(xs), func(i int) int {
		switch {
		case xs[i] < 7:
			return 1
		case xs[i] > 7:
			return -1
		default:
			return 0
		}
	})
	if !found || xs[idx] != 7 {
		t.Fatalf("BinarySearchFunc() = (%d,%v), want (index of 7, true)", idx, found)
	}
}

func TestSortedInsert(t *testing.T) {
	s := []int{1, 3, 5, 9}
	s = SortedInsert(s, 7, func(a, b int) bool { return a < b })
	want := []int{1, 3, 5, 7, 9}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("SortedInsert() = %v, want %v", s, want)
		}
	}
}

func TestNormalizeLanguage(t *testing.T) {
	if got := NormalizeLanguage(""); got != "und" {
		t.Fatalf("NormalizeLanguage(\"\") = %q, want und", got)
	}
	if got := NormalizeLanguage("not a tag!!"); got != "und" {
		t.Fatalf("NormalizeLanguage(invalid) = %q, want und", got)
	}
	if got := NormalizeLanguage("en"); got != "en" {
		t.Fatalf("NormalizeLanguage(en) = %q, want en", got)
	}
}

func TestRationalApproximation(t *testing.T) {
	num, den := RationalApproximation(23.976, 100000)
	got := float64(num) / float64(den)
	if diff := got - 23.976; diff > 0.001 || diff < -0.001 {
		t.Fatalf("RationalApproximation(23.976) = %d/%d = %v, want ~23.976", num, den, got)
	}
}

func TestTopoSortByReferences(t *testing.T) {
	// T0 (key, no refs), T2 (refs T0,T4), T4 (refs T0), T6 (refs T4) — scenario 3.
	refs := map[int][]int{
		0: nil,
		2: {0, 4},
		4: {0},
		6: {4},
	}
	order := TopoSortByReferences([]int{0, 2, 4, 6}, refs)
	pos := map[int]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos[0] > pos[4] || pos[0] > pos[2] || pos[4] > pos[2] || pos[4] > pos[6] {
		t.Fatalf("TopoSortByReferences() = %v, violates reference ordering", order)
	}
}

func TestTopoSortCycle(t *testing.T) {
	refs := map[int][]int{1: {2}, 2: {1}}
	order := TopoSortByReferences([]int{1, 2}, refs)
	if len(order) != 2 {
		t.Fatalf("TopoSortByReferences() with cycle = %v, want len 2 (no infinite loop)", order)
	}
}

func TestOggCRC32Deterministic(t *testing.T) {
	data := []byte("OggS\x00\x02\x00\x00\x00\x00\x00\x00\x00\x00")
	c1 := OggCRC32(data)
	c2 := OggCRC32(data)
	if c1 != c2 {
		t.Fatalf("OggCRC32 not deterministic: %x != %x", c1, c2)
	}
	if c1 == 0 {
		t.Fatalf("OggCRC32 unexpectedly zero for non-trivial input")
	}
}
