package avc

import "testing"

func TestFindNALUnitsAnnexB(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA, 0xBB, // SPS (type 7)
		0x00, 0x00, 0x01, 0x68, 0xCC, // PPS (type 8)
		0x00, 0x00, 0x01, 0x65, 0xDD, 0xEE, // IDR slice (type 5)
	}
	units := FindNALUnitsAnnexB(data)
	if len(units) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(units))
	}
	if units[0].Type != NALTypeSPS || units[1].Type != NALTypePPS || units[2].Type != NALTypeSliceIDR {
		t.Fatalf("types = %d,%d,%d", units[0].Type, units[1].Type, units[2].Type)
	}
	if !IsKeyFrame(units) {
		t.Fatal("IsKeyFrame() = false, want true")
	}
}

func TestAnnexBRoundTrip(t *testing.T) {
	annexB := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x01, 0x02, 0x03,
		0x00, 0x00, 0x01, 0x68, 0x04, 0x05,
	}
	lengthPrefixed := AnnexBToLengthPrefixed(annexB, 4)
	units, err := FindNALUnitsLengthPrefixed(lengthPrefixed, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	// Payload bytes (after the NAL header byte) must be byte-exact (§8).
	if string(units[0].Payload) != "\x01\x02\x03" {
		t.Fatalf("payload 0 = %v", units[0].Payload)
	}
	if string(units[1].Payload) != "\x04\x05" {
		t.Fatalf("payload 1 = %v", units[1].Payload)
	}
}

func TestParseSPSBaseline(t *testing.T) {
	// profile_idc=66 (baseline, not high), constraint_flags=0xC0, level_idc=30.
	rbsp := []byte{66, 0xC0, 30, 0x00}
	sps, err := ParseSPS(rbsp)
	if err != nil {
		t.Fatal(err)
	}
	if sps.CodecParameterString() != "avc1.42c01e" {
		t.Fatalf("CodecParameterString() = %q, want avc1.42c01e", sps.CodecParameterString())
	}
}

func TestBuildDecoderConfigurationRecord(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 66, 0xC0, 30, 0x01, 0x02,
		0x00, 0x00, 0x00, 0x01, 0x68, 0x03, 0x04,
	}
	rec, err := BuildDecoderConfigurationRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LengthSizeMinusOne != 3 {
		t.Fatalf("LengthSizeMinusOne = %d, want 3", rec.LengthSizeMinusOne)
	}
	if len(rec.SPS) != 1 || len(rec.PPS) != 1 {
		t.Fatalf("SPS=%d PPS=%d, want 1,1", len(rec.SPS), len(rec.PPS))
	}
	out := rec.Serialize()
	if out[0] != 1 {
		t.Fatalf("configurationVersion = %d, want 1", out[0])
	}
}
