package dispatch

import (
	"context"
	"testing"

	"github.com/avpack/avpack/byteio"
)

type memorySource struct{ data []byte }

func (s *memorySource) GetSize(ctx context.Context) (uint64, error) { return uint64(len(s.data)), nil }

func (s *memorySource) ReadRange(ctx context.Context, start, end uint64) ([]byte, error) {
	return s.data[start:end], nil
}

func detect(t *testing.T, data []byte) Format {
	t.Helper()
	f, err := Detect(context.Background(), &memorySource{data: data})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"isobmff", append([]byte{0, 0, 0, 0x18}, []byte("ftypisom")...), ISOBMFF},
		{"quicktime", append([]byte{0, 0, 0, 0x14}, []byte("ftypqt  ")...), QuickTime},
		{"matroska", append([]byte{0x1A, 0x45, 0xDF, 0xA3}, []byte("junkmatroskajunk")...), Matroska},
		{"webm", append([]byte{0x1A, 0x45, 0xDF, 0xA3}, []byte("junk webm junk")...), WebM},
		{"wave", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WAVEfmt ")...), WAVE},
		{"avi", append([]byte("RIFF\x00\x00\x00\x00"), []byte("AVI LIST")...), AVI},
		{"ogg", []byte("OggS\x00\x02\x00\x00"), Ogg},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), FLAC},
		{"mp3 id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), MP3},
		{"adts", []byte{0xFF, 0xF1, 0x50, 0x80, 0x00, 0xFC, 0xFC, 0xFF, 0xF1, 0x50, 0x80, 0x00, 0xFC, 0xFC}, ADTS},
		{"unknown", []byte("not a media file"), Unknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := detect(t, c.data); got != c.want {
				t.Fatalf("Detect() = %v, want %v", got, c.want)
			}
		})
	}
}
