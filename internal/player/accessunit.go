package player

import (
	"github.com/zsiec/hwdec/internal/decoder/bitstream"
)

// isVCL reports whether nal carries slice data.
func isVCL(codec bitstream.Codec, nal []byte) bool {
	t := bitstream.NALType(codec, nal)
	if codec == bitstream.CodecHEVC {
		return t < 32
	}
	return t >= bitstream.H264NALTypeSlice && t <= bitstream.H264NALTypeIDR
}

// firstSlice reports whether a VCL NAL starts a new picture:
// first_mb_in_slice == 0 for H.264, first_slice_segment_in_pic_flag for HEVC.
func firstSlice(codec bitstream.Codec, nal []byte) bool {
	if codec == bitstream.CodecHEVC {
		return len(nal) > 2 && nal[2]&0x80 != 0
	}
	return len(nal) > 1 && nal[1]&0x80 != 0
}

// opensAccessUnit reports whether a non-VCL NAL following slice data begins
// the next access unit.
func opensAccessUnit(codec bitstream.Codec, nal []byte) bool {
	t := bitstream.NALType(codec, nal)
	if codec == bitstream.CodecHEVC {
		switch t {
		case bitstream.HEVCNALTypeAUD, bitstream.HEVCNALTypeVPS, bitstream.HEVCNALTypeSPS,
			bitstream.HEVCNALTypePPS, hevcNALTypePrefixSEI:
			return true
		}
		return false
	}
	switch t {
	case bitstream.H264NALTypeAUD, bitstream.H264NALTypeSEI, bitstream.H264NALTypeSPS, bitstream.H264NALTypePPS:
		return true
	}
	return false
}

const hevcNALTypePrefixSEI = 39

// splitAccessUnits groups the NAL units of an elementary stream into Annex-B
// access units.
func splitAccessUnits(codec bitstream.Codec, nals [][]byte) [][]byte {
	var (
		units  [][]byte
		cur    [][]byte
		hasVCL bool
	)
	flush := func() {
		if len(cur) > 0 {
			units = append(units, bitstream.JoinAnnexB(cur))
		}
		cur, hasVCL = nil, false
	}

	for _, nal := range nals {
		if len(nal) == 0 {
			continue
		}
		vcl := isVCL(codec, nal)
		switch {
		case vcl && hasVCL && firstSlice(codec, nal):
			flush()
		case !vcl && hasVCL && opensAccessUnit(codec, nal):
			flush()
		}
		cur = append(cur, nal)
		if vcl {
			hasVCL = true
		}
	}
	flush()

	return units
}
