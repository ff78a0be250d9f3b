package matroska

// EBML element IDs (§4.5), kept with the length-marker bit per readVInt(keepMarker=true).
const (
	idEBMLHeader             = 0x1A45DFA3
	idEBMLVersion            = 0x4286
	idEBMLReadVersion        = 0x42F7
	idEBMLMaxIDLength        = 0x42F2
	idEBMLMaxSizeLength      = 0x42F3
	idEBMLDocType            = 0x4282
	idEBMLDocTypeVersion     = 0x4287
	idEBMLDocTypeReadVersion = 0x4285

	idSegment = 0x18538067

	idSeekHead = 0x114D9B74
	idSeek     = 0x4DBB
	idSeekID   = 0x53AB
	idSeekPos  = 0x53AC

	idSegmentInfo    = 0x1549A966
	idSegmentUID     = 0x73A4
	idTimestampScale = 0x2AD7B1
	idDuration       = 0x4489
	idTitle          = 0x7BA9
	idMuxingApp      = 0x4D80
	idWritingApp     = 0x5741

	idTracks     = 0x1654AE6B
	idTrackEntry = 0xAE
	idTrackNum   = 0xD7
	idTrackUID   = 0x73C5
	idTrackType  = 0x83
	idFlagEnabled = 0xB9
	idTrackName  = 0x536E
	idLanguage   = 0x22B59C
	idCodecID    = 0x86
	idCodecPriv  = 0x63A2
	idDefaultDuration = 0x23E383
	idVideo      = 0xE0
	idAudio      = 0xE1

	idFlagInterlaced = 0x9A
	idPixelWidth     = 0xB0
	idPixelHeight    = 0xBA
	idDisplayWidth   = 0x54B0
	idDisplayHeight  = 0x54BA
	idProjection      = 0x7670
	idProjectionType  = 0x7671
	idProjectionPoseRoll = 0x7675

	idColour              = 0x55B0
	idMatrixCoefficients  = 0x55B1

	idSamplingFrequency       = 0xB5
	idOutputSamplingFrequency = 0x78B5
	idChannels                = 0x9F
	idBitDepth                = 0x6264

	idCluster     = 0x1F43B675
	idTimestamp   = 0xE7
	idSimpleBlock = 0xA3
	idBlockGroup  = 0xA0
	idBlock       = 0xA1
	idBlockDuration = 0x9B
	idReferenceBlock = 0xFB

	idCues       = 0x1C53BB6B
	idCuePoint   = 0xBB
	idCueTime    = 0xB3
	idCueTrackPositions = 0xB7
	idCueTrack   = 0xF7
	idCueClusterPosition = 0xF1

	idChapters          = 0x1043A770
	idEditionEntry      = 0x45B9
	idChapterAtom       = 0xB6
	idChapterTimeStart  = 0x91
	idChapterTimeEnd    = 0x92
	idChapterDisplay    = 0x80
	idChapString        = 0x85
	idChapLanguage      = 0x437C

	idTags        = 0x1254C367
	idTag         = 0x7373
	idSimpleTag   = 0x67C8
	idTagName     = 0x45A3
	idTagString   = 0x4487

	idAttachments = 0x1941A469
	idAttachedFile = 0x61A7
	idFileName     = 0x466E
	idFileMimeType = 0x4660
	idFileData     = 0x465C
)

// codecIDToTag maps Matroska's string CodecID (e.g. "V_MPEG4/ISO/AVC") to the
// demuxer-level codec tags named in spec §6.
var codecIDToTag = map[string]string{
	"V_MPEG4/ISO/AVC":    "avc",
	"V_MPEGH/ISO/HEVC":   "hevc",
	"V_VP8":              "vp8",
	"V_VP9":              "vp9",
	"V_AV1":              "av1",
	"V_MPEG4/ISO/ASP":    "mpeg4",
	"A_AAC":              "aac",
	"A_MPEG/L3":          "mp3",
	"A_OPUS":             "opus",
	"A_VORBIS":           "vorbis",
	"A_FLAC":             "flac",
	"A_AC3":              "ac3",
	"A_PCM/INT/LIT":      "pcm-s16",
	"A_PCM/INT/BIG":      "pcm-s16be",
	"A_PCM/FLOAT/IEEE":   "pcm-f32",
	"S_TEXT/WEBVTT":      "webvtt",
}

const trackTypeVideo = 1
const trackTypeAudio = 2
const trackTypeSubtitle = 17
