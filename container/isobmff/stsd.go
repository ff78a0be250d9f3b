package isobmff

import (
	"context"

	"github.com/avpack/avpack/avperr"
	"github.com/avpack/avpack/byteio"
	"github.com/avpack/avpack/track"
)

// parseStsd reads the sample description box and parses its first entry,
// which governs the whole track: this demuxer doesn't support a track
// switching sample-entry mid-stream.
func (d *Demuxer) parseStsd(ctx context.Context, b box, tb *trakBuilder) error {
	s, err := d.reader.Slice(ctx, b.bodyStart, b.bodyEnd-b.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 8 {
		return avperr.InvalidFormatf("isobmff.parseStsd", "truncated stsd")
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return err
	}
	entryCount, _ := s.ReadU32BE()
	if entryCount == 0 {
		return nil
	}
	entryStart := b.bodyStart + uint64(s.Pos())
	entry, ok, err := readBoxHeader(ctx, d.reader, entryStart, b.bodyEnd)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return d.parseSampleEntry(ctx, entry, tb)
}

func (d *Demuxer) parseSampleEntry(ctx context.Context, e box, tb *trakBuilder) error {
	switch e.fourcc {
	case "avc1", "avc3":
		tb.codecTag = "avc"
		return d.parseVisualSampleEntry(ctx, e, tb, "avcC")
	case "hvc1", "hev1":
		tb.codecTag = "hevc"
		return d.parseVisualSampleEntry(ctx, e, tb, "hvcC")
	case "vp08":
		tb.codecTag = "vp8"
		return d.parseVisualSampleEntry(ctx, e, tb, "vpcC")
	case "vp09":
		tb.codecTag = "vp9"
		return d.parseVisualSampleEntry(ctx, e, tb, "vpcC")
	case "av01":
		tb.codecTag = "av1"
		return d.parseVisualSampleEntry(ctx, e, tb, "av1C")
	case "mp4v":
		tb.codecTag = "mpeg4"
		return d.parseVisualSampleEntry(ctx, e, tb, "esds")
	case "mp4a":
		return d.parseAudioSampleEntry(ctx, e, tb, "esds")
	case "Opus":
		tb.codecTag = "opus"
		return d.parseAudioSampleEntry(ctx, e, tb, "dOps")
	case "ac-3":
		tb.codecTag = "ac3"
		return d.parseAudioSampleEntry(ctx, e, tb, "dac3")
	case "fLaC":
		tb.codecTag = "flac"
		return d.parseAudioSampleEntry(ctx, e, tb, "dfLa")
	case ".mp3":
		tb.codecTag = "mp3"
		return d.parseAudioSampleEntry(ctx, e, tb, "")
	default:
		// Unsupported sample entry (timed text, closed captions, vendor
		// codecs): leave tb.codecTag empty so parseTrak skips the track.
		return nil
	}
}

// parseVisualSampleEntry reads the VisualSampleEntry's width/height, then
// walks its children for configBoxName, stashing its raw bytes verbatim as
// the track's DecoderConfig (matching every other container in this repo,
// which all pass through on-disk codec-private bytes rather than
// re-encoding them).
func (d *Demuxer) parseVisualSampleEntry(ctx context.Context, e box, tb *trakBuilder, configBoxName string) error {
	s, err := d.reader.Slice(ctx, e.bodyStart, e.bodyEnd-e.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 78 {
		return avperr.InvalidFormatf("isobmff.parseVisualSampleEntry", "truncated %s sample entry", e.fourcc)
	}
	s.Skip(8)  // reserved(6) + data_reference_index(2)
	s.Skip(16) // pre_defined(2) + reserved(2) + pre_defined(12)
	width, _ := s.ReadU16BE()
	height, _ := s.ReadU16BE()
	tb.width = int(width)
	tb.height = int(height)
	s.Skip(50) // horizresolution+vertresolution+reserved+frame_count+compressorname+depth+pre_defined

	childStart := e.bodyStart + uint64(s.Pos())
	return forEachChild(ctx, d.reader, childStart, e.bodyEnd, func(c box) error {
		if configBoxName == "esds" && c.fourcc == "esds" {
			return d.parseEsds(ctx, c, tb)
		}
		if c.fourcc != configBoxName {
			return nil
		}
		cfg, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
		if err != nil {
			return err
		}
		if cfg != nil {
			tb.decoderConfig = append([]byte(nil), cfg.Bytes()...)
		}
		return nil
	})
}

// parseAudioSampleEntry reads the AudioSampleEntry's channel count/sample
// rate, then walks its children for configBoxName (esds gets descriptor
// unwrapping via parseEsds; everything else is stashed raw).
func (d *Demuxer) parseAudioSampleEntry(ctx context.Context, e box, tb *trakBuilder, configBoxName string) error {
	s, err := d.reader.Slice(ctx, e.bodyStart, e.bodyEnd-e.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 28 {
		return avperr.InvalidFormatf("isobmff.parseAudioSampleEntry", "truncated %s sample entry", e.fourcc)
	}
	s.Skip(8) // reserved(6) + data_reference_index(2)
	s.Skip(8) // reserved(8): two zero uint32s in the common QuickTime-derived layout
	channelCount, _ := s.ReadU16BE()
	s.Skip(2) // samplesize
	s.Skip(4) // pre_defined + reserved
	sampleRateFixed, _ := s.ReadU32BE()
	tb.channels = int(channelCount)
	tb.sampleRate = int(sampleRateFixed >> 16) // 16.16 fixed point

	if configBoxName == "" {
		return nil
	}
	childStart := e.bodyStart + uint64(s.Pos())
	return forEachChild(ctx, d.reader, childStart, e.bodyEnd, func(c box) error {
		if configBoxName == "esds" && c.fourcc == "esds" {
			return d.parseEsds(ctx, c, tb)
		}
		if c.fourcc != configBoxName {
			return nil
		}
		cfg, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
		if err != nil {
			return err
		}
		if cfg == nil {
			return nil
		}
		raw := cfg.Bytes()
		if configBoxName == "dOps" {
			tb.decoderConfig = buildOpusHeadFromDOps(raw)
		} else {
			tb.decoderConfig = append([]byte(nil), raw...)
		}
		return nil
	})
}

// readDescriptor reads one MPEG-4 descriptor (ISO/IEC 14496-1 §8.3.3): a tag
// byte followed by a 1-4 byte expandable-length encoding (continuation bit
// 0x80), then that many bytes of payload.
func readDescriptor(s *byteio.Slice) (tag uint8, data []byte, err error) {
	tag, err = s.ReadU8()
	if err != nil {
		return 0, nil, err
	}
	var length uint32
	for i := 0; i < 4; i++ {
		c, err := s.ReadU8()
		if err != nil {
			return tag, nil, err
		}
		length = (length << 7) | uint32(c&0x7f)
		if c&0x80 == 0 {
			break
		}
	}
	data, err = s.ReadBytes(int(length))
	return tag, data, err
}

// parseEsds unwraps esds down to the DecoderSpecificInfo (AudioSpecificConfig
// for AAC) and picks a codec tag off objectTypeIndication, grounded on
// joy4's isom.go ES_Descriptor/DecoderConfigDescriptor/
// DecoderSpecificDescriptor walk (readDesc/readESDesc/readDecConfDesc).
func (d *Demuxer) parseEsds(ctx context.Context, c box, tb *trakBuilder) error {
	s, err := d.reader.Slice(ctx, c.bodyStart, c.bodyEnd-c.bodyStart)
	if err != nil {
		return err
	}
	if s == nil || s.Len() < 4 {
		return nil
	}
	if _, _, err := readFullBoxHeader(s); err != nil {
		return nil
	}
	tag, data, err := readDescriptor(s)
	if err != nil || tag != esDescrTag {
		return nil
	}
	es := byteio.NewSlice(data)
	es.Skip(2) // ES_ID
	flags, err := es.ReadU8()
	if err != nil {
		return nil
	}
	if flags&0x80 != 0 {
		es.Skip(2) // dependsOn_ES_ID
	}
	if flags&0x40 != 0 {
		n, _ := es.ReadU8()
		es.Skip(int(n)) // URL string
	}
	if flags&0x20 != 0 {
		es.Skip(2) // OCR_ES_Id
	}

	tag2, data2, err := readDescriptor(es)
	if err != nil || tag2 != decoderConfigDescrTag || len(data2) < 1 {
		return nil
	}
	dc := byteio.NewSlice(data2)
	objectTypeIndication, _ := dc.ReadU8()
	dc.Skip(1) // streamType(6 bits) + upStream(1 bit) + reserved(1 bit)
	dc.Skip(3) // bufferSizeDB
	dc.Skip(4) // maxBitrate
	dc.Skip(4) // avgBitrate

	if tag3, data3, err := readDescriptor(dc); err == nil && tag3 == decSpecificInfoTag {
		tb.decoderConfig = append([]byte(nil), data3...)
	}

	switch objectTypeIndication {
	case 0x40, 0x67: // MPEG-4/MPEG-2 AAC
		tb.codecTag = "aac"
	case 0x69, 0x6B: // MPEG-1/2 Layer III
		tb.codecTag = "mp3"
	case 0xA5: // non-standard but seen in the wild for AC-3-in-MP4
		tb.codecTag = "ac3"
	case 0x20: // MPEG-4 Part 2 video, reached via the mp4v esds path
		tb.codecTag = "mpeg4"
	default:
		if tb.kind == track.Audio {
			tb.codecTag = "aac"
		}
	}
	return nil
}

// buildOpusHeadFromDOps normalizes a dOps box's big-endian on-disk fields
// (https://opus-codec.org/docs/opus_in_isobmff.html §4.3.2) into the
// little-endian "OpusHead" layout codec/opus.ParseIDHeader already parses
// (RFC 7845 §5.1), so an Ogg-sourced and an ISOBMFF-sourced Opus track carry
// the same DecoderConfig shape downstream.
func buildOpusHeadFromDOps(raw []byte) []byte {
	if len(raw) < 11 {
		return nil
	}
	outputChannelCount := raw[1]
	preSkip := uint16(raw[2])<<8 | uint16(raw[3])
	sampleRate := uint32(raw[4])<<24 | uint32(raw[5])<<16 | uint32(raw[6])<<8 | uint32(raw[7])
	outputGain := uint16(raw[8])<<8 | uint16(raw[9])
	channelMapFamily := raw[10]

	out := []byte("OpusHead")
	out = append(out, 1, outputChannelCount)
	out = append(out, byte(preSkip), byte(preSkip>>8))
	out = append(out, byte(sampleRate), byte(sampleRate>>8), byte(sampleRate>>16), byte(sampleRate>>24))
	out = append(out, byte(outputGain), byte(outputGain>>8))
	out = append(out, channelMapFamily)
	if channelMapFamily != 0 && len(raw) >= 13+int(outputChannelCount) {
		out = append(out, raw[11], raw[12])
		out = append(out, raw[13:13+int(outputChannelCount)]...)
	}
	return out
}
