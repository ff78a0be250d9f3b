// Package xutil collects the small cross-format utilities every demuxer and
// muxer in avpack leans on: rotation matrices, colour-space code mapping,
// binary search / sorted insert helpers, BCP-47 language validation, Ogg
// CRC32, reference-block topological sort, and rational approximation.
package xutil

import (
	"sort"

	"golang.org/x/text/language"
)

// Rotation is a clockwise display rotation in degrees, restricted to the
// four values ISOBMFF/Matroska actually express (§3).
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Matrix3x3 returns the 3x3 unity-scale rotation matrix for r, in the
// column-major fixed-point layout ISOBMFF's `tkhd` box stores (16.16 fixed
// point for the scale terms, 2.30 for the translation terms — callers that
// need the raw fixed-point encoding do that conversion themselves; this
// returns plain float64s).
func (r Rotation) Matrix3x3() [9]float64 {
	switch r {
	case Rotate90:
		return [9]float64{0, 1, 0, -1, 0, 0, 0, 0, 1}
	case Rotate180:
		return [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}
	case Rotate270:
		return [9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	default:
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
}

// NormalizeRotation maps an arbitrary degree value onto the nearest of the
// four supported rotations, per spec §3's enum restriction.
func NormalizeRotation(degrees int) Rotation {
	d := ((degrees % 360) + 360) % 360
	switch {
	case d < 45:
		return Rotate0
	case d < 135:
		return Rotate90
	case d < 225:
		return Rotate180
	case d < 315:
		return Rotate270
	default:
		return Rotate0
	}
}

// ColourSpace identifies a codec-level colour-space/matrix-coefficients code
// (VP9's colour_space field, AV1's matrix_coefficients, etc.), normalized to
// one name avpack's track model reports regardless of which codec produced it.
type ColourSpace string

const (
	ColourUnknown  ColourSpace = "unknown"
	ColourBT601    ColourSpace = "bt601"
	ColourBT709    ColourSpace = "bt709"
	ColourSMPTE170 ColourSpace = "smpte170"
	ColourSMPTE240 ColourSpace = "smpte240"
	ColourBT2020   ColourSpace = "bt2020"
	ColourSRGB     ColourSpace = "srgb"
)

// vp9ColourSpace maps VP9's 3-bit color_space field (spec: uncompressed
// header) to a normalized ColourSpace.
var vp9ColourSpace = map[uint8]ColourSpace{
	0: ColourUnknown,
	1: ColourBT601,
	2: ColourBT709,
	3: ColourSMPTE170,
	4: ColourSMPTE240,
	5: ColourBT2020,
	7: ColourSRGB,
}

// VP9ColourSpace maps a VP9 uncompressed-header color_space code.
func VP9ColourSpace(code uint8) ColourSpace {
	if cs, ok := vp9ColourSpace[code]; ok {
		return cs
	}
	return ColourUnknown
}

// av1ColourPrimaries mirrors the subset of AV1/H.273 colour-primaries codes
// relevant to the sequence-header parser (§4.3).
var av1ColourPrimaries = map[uint8]ColourSpace{
	1: ColourBT709,
	5: ColourBT601,
	6: ColourSMPTE170,
	7: ColourSMPTE240,
	9: ColourBT2020,
}

// AV1ColourSpace maps an AV1 colour_primaries code (color_config()).
func AV1ColourSpace(code uint8) ColourSpace {
	if cs, ok := av1ColourPrimaries[code]; ok {
		return cs
	}
	return ColourUnknown
}

// BinarySearchFunc returns the index of an element for which cmp returns 0
// (whichever one the bisection reaches first), or the insertion point (and
// false) if no element matches,
// mirroring the "SampleTable sorted by presentation timestamp... seek is a
// single binary search" contract in §4.4.
func BinarySearchFunc(n int, cmp func(i int) int) (index int, found bool) {
	lo, hi := 0, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		c := cmp(mid)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// SortedInsert inserts v into the already-sorted slice s at the position
// given by less, preserving order. Used to insert newly-parsed fragments
// and clusters into the demuxer's growing lists (§4.4/§4.5) without a full
// re-sort.
func SortedInsert[T any](s []T, v T, less func(a, b T) bool) []T {
	i := sort.Search(len(s), func(i int) bool { return less(v, s[i]) })
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// NormalizeLanguage validates and canonicalizes a BCP-47/ISO-639-2 language
// tag, defaulting to "und" (undetermined) per §3's InputTrack contract for
// an absent or malformed tag.
func NormalizeLanguage(tag string) string {
	if tag == "" {
		return "und"
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "und"
	}
	return t.String()
}

// RationalApproximation finds a simple rational p/q approximating x, using a
// continued-fraction expansion whose denominator is capped at maxDenominator.
// Used to express frame-rate hints (e.g. 23.976 -> 2997/125) in containers
// that store rational timebases.
func RationalApproximation(x float64, maxDenominator int) (num, den int) {
	if x == 0 {
		return 0, 1
	}
	neg := x < 0
	if neg {
		x = -x
	}
	h0, h1 := 0, 1
	k0, k1 := 1, 0
	r := x
	for i := 0; i < 64; i++ {
		a := int(r)
		h2 := a*h1 + h0
		k2 := a*k1 + k0
		if k2 > maxDenominator {
			break
		}
		h0, h1 = h1, h2
		k0, k1 = k1, k2
		frac := r - float64(a)
		if frac < 1e-9 {
			break
		}
		r = 1 / frac
	}
	if k1 == 0 {
		k1 = 1
	}
	if neg {
		h1 = -h1
	}
	return h1, k1
}

// TopoSortByReferences orders ids such that any id referenced by another
// appears before it, used for Matroska's reference-block back-pointer
// ordering (§4.5, §9 "Reference-block topological order"). references[id]
// lists the ids that id depends on (must come before it). Cycles are broken
// by treating a re-entered in-progress node as already placed (no-op),
// matching the teacher's simplest-correct DFS approach described in §9.
func TopoSortByReferences(ids []int, references map[int][]int) []int {
	const (
		unvisited = 0
		inProgress = 1
		done = 2
	)
	state := make(map[int]int, len(ids))
	result := make([]int, 0, len(ids))

	var visit func(id int)
	visit = func(id int) {
		switch state[id] {
		case done, inProgress:
			return
		}
		state[id] = inProgress
		for _, ref := range references[id] {
			visit(ref)
		}
		state[id] = done
		result = append(result, id)
	}

	for _, id := range ids {
		visit(id)
	}
	return result
}
