package av1

import "testing"

// bitWriter is a minimal MSB-first bit builder used to construct synthetic
// OBU payloads for tests.
type bitWriter struct {
	bits []bool
}

func (w *bitWriter) put(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bits = append(w.bits, (v>>uint(i))&1 == 1)
	}
}

func (w *bitWriter) bytes() []byte {
	out := make([]byte, (len(w.bits)+7)/8)
	for i, b := range w.bits {
		if b {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// buildReducedSequenceHeaderPayload writes a reduced_still_picture_header=1
// sequence header for the given profile, which is the shortest valid path
// through sequence_header_obu().
func buildReducedSequenceHeaderPayload(profile uint8) []byte {
	w := bitWriter{}
	w.put(uint64(profile), 3)
	w.put(0, 1) // still_picture = 0
	w.put(1, 1) // reduced_still_picture_header = 1
	w.put(5, 5) // seq_level_idx[0]
	w.put(7, 4) // frame_width_bits_minus_1
	w.put(7, 4) // frame_height_bits_minus_1
	return w.bytes()
}

func obuHeaderByte(obuType int, hasSize bool) byte {
	b := byte(obuType) << 3
	if hasSize {
		b |= 0x2
	}
	return b
}

func TestIterateOBUsSingle(t *testing.T) {
	payload := buildReducedSequenceHeaderPayload(0)
	data := []byte{obuHeaderByte(OBUSequenceHeader, true), byte(len(payload))}
	data = append(data, payload...)

	obus, err := IterateOBUs(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(obus) != 1 {
		t.Fatalf("got %d OBUs, want 1", len(obus))
	}
	if obus[0].Type != OBUSequenceHeader {
		t.Fatalf("Type = %d, want %d", obus[0].Type, OBUSequenceHeader)
	}
	if len(obus[0].Payload) != len(payload) {
		t.Fatalf("Payload len = %d, want %d", len(obus[0].Payload), len(payload))
	}
}

func TestIterateOBUsMultiple(t *testing.T) {
	seqPayload := buildReducedSequenceHeaderPayload(0)
	var data []byte
	data = append(data, obuHeaderByte(OBUTemporalDelim, true), 0x00)
	data = append(data, obuHeaderByte(OBUSequenceHeader, true), byte(len(seqPayload)))
	data = append(data, seqPayload...)

	obus, err := IterateOBUs(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(obus) != 2 {
		t.Fatalf("got %d OBUs, want 2", len(obus))
	}
	if obus[0].Type != OBUTemporalDelim || obus[1].Type != OBUSequenceHeader {
		t.Fatalf("types = %d, %d", obus[0].Type, obus[1].Type)
	}
}

func TestIterateOBUsForbiddenBit(t *testing.T) {
	_, err := IterateOBUs([]byte{0x80})
	if err == nil {
		t.Fatal("expected error for obu_forbidden_bit set")
	}
}

func TestParseSequenceHeaderReduced(t *testing.T) {
	payload := buildReducedSequenceHeaderPayload(2)
	sh, err := ParseSequenceHeader(payload)
	if err != nil {
		t.Fatal(err)
	}
	if sh.SeqProfile != 2 {
		t.Fatalf("SeqProfile = %d, want 2", sh.SeqProfile)
	}
	if !sh.ReducedStillPictureHdr {
		t.Fatal("ReducedStillPictureHdr = false, want true")
	}
	if sh.TimingInfoPresent {
		t.Fatal("TimingInfoPresent = true, want false (reduced header skips it)")
	}
}

func TestIsKeyFrame(t *testing.T) {
	if !IsKeyFrame(true, 1) {
		t.Fatal("reduced_still_picture_header should force key frame")
	}
	if !IsKeyFrame(false, 0) {
		t.Fatal("frame_type 0 is KEY_FRAME")
	}
	if IsKeyFrame(false, 1) {
		t.Fatal("frame_type 1 is not a key frame")
	}
}
