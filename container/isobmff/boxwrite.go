package isobmff

// Low-level big-endian box serialization helpers shared by mux.go's moov/
// moof assembly. Mirrors the little-endian le32/le64 helpers in
// container/ogg/mux.go, just with ISOBMFF's big-endian wire format instead.

func be16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func be24(v uint32) []byte { return []byte{byte(v >> 16), byte(v >> 8), byte(v)} }
func be32(v uint32) []byte { return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)} }
func be64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// makeBox wraps body in a standard 32-bit-size + fourcc header.
func makeBox(fourcc string, body []byte) []byte {
	out := make([]byte, 0, 8+len(body))
	out = append(out, be32(uint32(8+len(body)))...)
	out = append(out, []byte(fourcc)...)
	out = append(out, body...)
	return out
}

// makeFullBox prefixes body with a version+flags "full box" header before
// wrapping it.
func makeFullBox(fourcc string, version uint8, flags uint32, body []byte) []byte {
	fb := make([]byte, 0, 4+len(body))
	fb = append(fb, version)
	fb = append(fb, be24(flags)...)
	fb = append(fb, body...)
	return makeBox(fourcc, fb)
}

func concatBoxes(boxes ...[]byte) []byte {
	var out []byte
	for _, b := range boxes {
		out = append(out, b...)
	}
	return out
}

// identityMatrix is the 9-entry 16.16/2.30 fixed-point unity transform every
// tkhd/mvhd carries when no rotation/scale is applied.
func identityMatrix() []byte {
	return concatBoxes(
		be32(0x00010000), be32(0), be32(0),
		be32(0), be32(0x00010000), be32(0),
		be32(0), be32(0), be32(0x40000000),
	)
}

// descriptor encodes one MPEG-4 descriptor (tag + expandable length +
// payload), the inverse of readDescriptor in stsd.go.
func descriptor(tag byte, payload []byte) []byte {
	n := len(payload)
	var lenBytes []byte
	if n == 0 {
		lenBytes = []byte{0}
	} else {
		tmp := n
		for {
			lenBytes = append([]byte{byte(tmp & 0x7f)}, lenBytes...)
			tmp >>= 7
			if tmp == 0 {
				break
			}
		}
		for i := 0; i < len(lenBytes)-1; i++ {
			lenBytes[i] |= 0x80
		}
	}
	out := []byte{tag}
	out = append(out, lenBytes...)
	out = append(out, payload...)
	return out
}

// buildEsds wraps a bare AudioSpecificConfig (rawConfig, as stored verbatim
// in an InputTrack/OutputTrack's DecoderConfig for "aac") back into an esds
// box: ES_Descriptor > DecoderConfigDescriptor(objectTypeIndication=0x40,
// streamType=audio) > DecoderSpecificInfo(rawConfig) > SLConfigDescriptor.
func buildEsds(rawConfig []byte) []byte {
	const objectTypeAAC = 0x40
	const streamTypeAudio = 0x15 // streamType(6 bits) << 2 | upStream(1) << 1 | reserved(1)=1
	decConfigBody := []byte{objectTypeAAC, streamTypeAudio}
	decConfigBody = append(decConfigBody, be24(0)...) // bufferSizeDB
	decConfigBody = append(decConfigBody, be32(0)...) // maxBitrate
	decConfigBody = append(decConfigBody, be32(0)...) // avgBitrate
	decConfigBody = append(decConfigBody, descriptor(decSpecificInfoTag, rawConfig)...)

	esBody := []byte{0, 0, 0} // ES_ID(2)=0, flags(1)=0
	esBody = append(esBody, descriptor(decoderConfigDescrTag, decConfigBody)...)
	esBody = append(esBody, descriptor(0x06, []byte{0x02})...) // SLConfigDescrTag, predefined=2

	return makeFullBox("esds", 0, 0, descriptor(esDescrTag, esBody))
}

// buildDOpsFromOpusHead reverses buildOpusHeadFromDOps: the canonical
// little-endian OpusHead DecoderConfig back into dOps's big-endian wire
// layout.
func buildDOpsFromOpusHead(cfg []byte) []byte {
	if len(cfg) < 19 {
		return nil
	}
	version := cfg[8]
	channelCount := cfg[9]
	preSkip := uint16(cfg[10]) | uint16(cfg[11])<<8
	sampleRate := uint32(cfg[12]) | uint32(cfg[13])<<8 | uint32(cfg[14])<<16 | uint32(cfg[15])<<24
	outputGain := uint16(cfg[16]) | uint16(cfg[17])<<8
	channelMapFamily := cfg[18]

	out := []byte{version, channelCount, byte(preSkip >> 8), byte(preSkip)}
	out = append(out, byte(sampleRate>>24), byte(sampleRate>>16), byte(sampleRate>>8), byte(sampleRate))
	out = append(out, byte(outputGain>>8), byte(outputGain))
	out = append(out, channelMapFamily)
	if channelMapFamily != 0 && len(cfg) >= 21+int(channelCount) {
		out = append(out, cfg[19], cfg[20])
		out = append(out, cfg[21:21+int(channelCount)]...)
	}
	return out
}

func buildVisualSampleEntry(fourcc string, width, height int, configBox []byte) []byte {
	body := make([]byte, 0, 78+len(configBox))
	body = append(body, make([]byte, 6)...) // reserved
	body = append(body, be16(1)...)          // data_reference_index
	body = append(body, be16(0)...)          // pre_defined
	body = append(body, be16(0)...)          // reserved
	body = append(body, make([]byte, 12)...) // pre_defined[3]
	body = append(body, be16(uint16(width))...)
	body = append(body, be16(uint16(height))...)
	body = append(body, be32(0x00480000)...) // horizresolution, 72dpi
	body = append(body, be32(0x00480000)...) // vertresolution, 72dpi
	body = append(body, make([]byte, 4)...)  // reserved
	body = append(body, be16(1)...)          // frame_count
	body = append(body, make([]byte, 32)...) // compressorname
	body = append(body, be16(0x0018)...)     // depth
	body = append(body, be16(0xFFFF)...)     // pre_defined = -1
	body = append(body, configBox...)
	return makeBox(fourcc, body)
}

func buildAudioSampleEntry(fourcc string, sampleRate, channels int, configBox []byte) []byte {
	body := make([]byte, 0, 28+len(configBox))
	body = append(body, make([]byte, 6)...) // reserved
	body = append(body, be16(1)...)          // data_reference_index
	body = append(body, make([]byte, 8)...) // reserved (two zero uint32s)
	body = append(body, be16(uint16(channels))...)
	body = append(body, be16(16)...)        // samplesize
	body = append(body, make([]byte, 4)...) // pre_defined + reserved
	body = append(body, be32(uint32(sampleRate)<<16)...)
	body = append(body, configBox...)
	return makeBox(fourcc, body)
}

// buildSampleEntryBox picks the sample entry fourcc and codec-config box
// shape for codecTag, reusing each codec's DecoderConfig bytes verbatim
// except where the on-disk box layout differs from this repo's canonical
// DecoderConfig shape (Opus's endianness, AAC's esds wrapper).
func buildSampleEntryBox(codecTag string, width, height, sampleRate, channels int, decoderConfig []byte) ([]byte, error) {
	switch codecTag {
	case "avc":
		return buildVisualSampleEntry("avc1", width, height, makeBox("avcC", decoderConfig)), nil
	case "hevc":
		return buildVisualSampleEntry("hvc1", width, height, makeBox("hvcC", decoderConfig)), nil
	case "vp9":
		return buildVisualSampleEntry("vp09", width, height, makeBox("vpcC", decoderConfig)), nil
	case "vp8":
		return buildVisualSampleEntry("vp08", width, height, makeBox("vpcC", decoderConfig)), nil
	case "av1":
		return buildVisualSampleEntry("av01", width, height, makeBox("av1C", decoderConfig)), nil
	case "mpeg4":
		return buildVisualSampleEntry("mp4v", width, height, buildEsds(decoderConfig)), nil
	case "aac":
		return buildAudioSampleEntry("mp4a", sampleRate, channels, buildEsds(decoderConfig)), nil
	case "mp3":
		return buildAudioSampleEntry(".mp3", sampleRate, channels, nil), nil
	case "opus":
		return buildAudioSampleEntry("Opus", sampleRate, channels, makeBox("dOps", buildDOpsFromOpusHead(decoderConfig))), nil
	case "ac3":
		return buildAudioSampleEntry("ac-3", sampleRate, channels, makeBox("dac3", decoderConfig)), nil
	case "flac":
		return buildAudioSampleEntry("fLaC", sampleRate, channels, makeBox("dfLa", decoderConfig)), nil
	default:
		return nil, errUnsupportedMuxCodec(codecTag)
	}
}
