package vp8

import "testing"

func buildKeyFrame(width, height int) []byte {
	firstPartLn := 42
	tag := uint32(firstPartLn)<<5 | 1<<4 // show_frame=1, key_frame bit 0 = 0
	data := []byte{
		byte(tag), byte(tag >> 8), byte(tag >> 16),
		0x9d, 0x01, 0x2a, // start code
		byte(width), byte(width >> 8),
		byte(height), byte(height >> 8),
	}
	return data
}

func TestParseKeyFrameHeader(t *testing.T) {
	data := buildKeyFrame(640, 480)
	h, err := ParseKeyFrameHeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if !h.KeyFrame {
		t.Fatal("KeyFrame = false, want true")
	}
	if h.Width != 640 || h.Height != 480 {
		t.Fatalf("size = %dx%d, want 640x480", h.Width, h.Height)
	}
	if h.FirstPartLn != 42 {
		t.Fatalf("FirstPartLn = %d, want 42", h.FirstPartLn)
	}
}

func TestParseFrameTagInterframe(t *testing.T) {
	data := []byte{0x01, 0x00, 0x00} // key_frame bit = 1 -> interframe
	tag, err := ParseFrameTag(data)
	if err != nil {
		t.Fatal(err)
	}
	if tag.KeyFrame {
		t.Fatal("KeyFrame = true, want false")
	}
}

func TestParseKeyFrameHeaderBadStartCode(t *testing.T) {
	data := buildKeyFrame(640, 480)
	data[3] = 0x00
	if _, err := ParseKeyFrameHeader(data); err == nil {
		t.Fatal("expected error for bad start code")
	}
}

func TestIsKeyFrame(t *testing.T) {
	data := buildKeyFrame(640, 480)
	ok, err := IsKeyFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("IsKeyFrame() = false, want true")
	}
}
