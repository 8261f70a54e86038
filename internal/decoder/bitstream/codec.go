package bitstream

import "strings"

// Codec identifies the compressed video format of a stream
type Codec uint8

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecHEVC // H.265
	CodecMPEG4
	CodecMPEG2
	CodecVC1
	CodecVP9
	CodecAV1
)

// String returns the string representation of Codec
func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecMPEG4:
		return "mpeg4"
	case CodecMPEG2:
		return "mpeg2"
	case CodecVC1:
		return "vc1"
	case CodecVP9:
		return "vp9"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// ParseCodec maps a configuration name onto a Codec
func ParseCodec(name string) Codec {
	switch strings.ToLower(name) {
	case "h264", "avc", "avc1":
		return CodecH264
	case "hevc", "h265", "hvc1", "hev1":
		return CodecHEVC
	case "mpeg4":
		return CodecMPEG4
	case "mpeg2", "mpeg2video":
		return CodecMPEG2
	case "vc1":
		return CodecVC1
	case "vp9":
		return CodecVP9
	case "av1":
		return CodecAV1
	default:
		return CodecUnknown
	}
}

// UsesNALUnits reports whether the codec carries parameter sets as NAL units
func (c Codec) UsesNALUnits() bool {
	return c == CodecH264 || c == CodecHEVC
}

// H.264 NAL unit types
const (
	H264NALTypeSlice  = 1 // Non-IDR slice
	H264NALTypeIDR    = 5 // IDR slice
	H264NALTypeSEI    = 6
	H264NALTypeSPS    = 7
	H264NALTypePPS    = 8
	H264NALTypeAUD    = 9
	H264NALTypeSPSExt = 13
)

// HEVC NAL unit types
const (
	HEVCNALTypeBLAWLP    = 16
	HEVCNALTypeIDRWRADL  = 19
	HEVCNALTypeIDRNLP    = 20
	HEVCNALTypeCRA       = 21
	HEVCNALTypeRSVIRAP23 = 23
	HEVCNALTypeVPS       = 32
	HEVCNALTypeSPS       = 33
	HEVCNALTypePPS       = 34
	HEVCNALTypeAUD       = 35
)

// NALType returns the NAL unit type of a NAL unit with its start code removed.
func NALType(codec Codec, nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	if codec == CodecHEVC {
		return (nal[0] >> 1) & 0x3F
	}
	return nal[0] & 0x1F
}

// IsKeyframe reports whether an Annex-B access unit contains a random access
// point: an IDR slice for H.264, any IRAP picture for HEVC. Codecs without
// NAL framing are treated as always starting on a keyframe.
func IsKeyframe(codec Codec, accessUnit []byte) bool {
	if !codec.UsesNALUnits() {
		return len(accessUnit) > 0
	}

	for _, nal := range SplitAnnexB(accessUnit) {
		nalType := NALType(codec, nal)
		switch codec {
		case CodecH264:
			if nalType == H264NALTypeIDR {
				return true
			}
		case CodecHEVC:
			if len(nal) >= 2 && nalType >= HEVCNALTypeBLAWLP && nalType <= HEVCNALTypeRSVIRAP23 {
				return true
			}
		}
	}
	return false
}
