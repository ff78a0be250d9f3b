package hevc

import "testing"

func TestFindNALUnitsAndKeyFrame(t *testing.T) {
	// type = (byte0>>1)&0x3f. VPS=32 -> byte0 = 32<<1 = 0x40. SPS=33 -> 0x42. IDR_W_RADL=19 -> 0x26.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x40, 0x00, 0x01, 0x02,
		0x00, 0x00, 0x01, 0x42, 0x00, 0x03, 0x04,
		0x00, 0x00, 0x01, 0x26, 0x00, 0x05, 0x06,
	}
	units := FindNALUnits(data)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	if units[0].Type != NALTypeVPS || units[1].Type != NALTypeSPS {
		t.Fatalf("types = %d, %d", units[0].Type, units[1].Type)
	}
	if !IsKeyFrame(units) {
		t.Fatal("IsKeyFrame() = false, want true (type 19 is in [16,23])")
	}
}

func TestParallelismType(t *testing.T) {
	if got := ParallelismType(true, false); got != 2 {
		t.Fatalf("ParallelismType(tiles) = %d, want 2", got)
	}
	if got := ParallelismType(false, true); got != 3 {
		t.Fatalf("ParallelismType(wpp) = %d, want 3", got)
	}
	if got := ParallelismType(false, false); got != 1 {
		t.Fatalf("ParallelismType(slices) = %d, want 1", got)
	}
}
