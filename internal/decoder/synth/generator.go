// Package synth generates syntactically valid H.264 and HEVC elementary
// streams for exercising the decoder core without real media files.
package synth

import (
	"encoding/binary"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
)

// bitWriter is the writing counterpart of bitstream.BitReader
type bitWriter struct {
	buf   []byte
	cur   byte
	nbits int
}

func (w *bitWriter) writeBit(b uint32) {
	w.cur = w.cur<<1 | byte(b&1)
	w.nbits++
	if w.nbits == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur = 0
		w.nbits = 0
	}
}

func (w *bitWriter) writeBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(v >> uint(i))
	}
}

func (w *bitWriter) writeUE(v uint32) {
	v++
	n := 0
	for tmp := v; tmp > 1; tmp >>= 1 {
		n++
	}
	w.writeBits(0, n)
	w.writeBits(v, n+1)
}

// trailing writes rbsp_stop_one_bit and aligns
func (w *bitWriter) trailing() []byte {
	w.writeBit(1)
	for w.nbits != 0 {
		w.writeBit(0)
	}
	return w.buf
}

// addEmulationPrevention escapes an RBSP so it can be carried in a NAL unit
func addEmulationPrevention(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+1)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// H264Params describes the SPS to generate
type H264Params struct {
	Width           int
	Height          int
	ProfileIdc      uint32
	LevelIdc        uint32
	MaxNumRefFrames uint32
	Interlaced      bool
	// ConstraintFlags is written verbatim; 0x10 (constraint_set3) marks
	// the intra variants of the high profiles.
	ConstraintFlags uint32
	// Seed varies the SPS id so two streams with identical geometry still
	// produce different parameter sets.
	Seed uint32
}

// H264SPS returns an SPS NAL unit (header included) for p.
func H264SPS(p H264Params) []byte {
	if p.ProfileIdc == 0 {
		p.ProfileIdc = bitstream.H264ProfileMain
	}
	if p.LevelIdc == 0 {
		p.LevelIdc = 40
	}

	mbsW := uint32((p.Width + 15) / 16)
	mapUnitH := uint32((p.Height + 15) / 16)
	if p.Interlaced {
		mapUnitH = uint32((p.Height + 31) / 32)
	}

	w := &bitWriter{}
	w.writeBits(p.ProfileIdc, 8)
	w.writeBits(p.ConstraintFlags, 8)
	w.writeBits(p.LevelIdc, 8)
	w.writeUE(p.Seed % 32) // seq_parameter_set_id
	switch p.ProfileIdc {
	case bitstream.H264ProfileHigh, bitstream.H264ProfileHigh10, bitstream.H264ProfileHigh422,
		bitstream.H264ProfileHigh444, bitstream.H264ProfileCAVLC444:
		w.writeUE(1) // chroma_format_idc 4:2:0
		w.writeUE(0) // bit_depth_luma_minus8
		w.writeUE(0) // bit_depth_chroma_minus8
		w.writeBit(0)
		w.writeBit(0) // no scaling matrix
	}
	w.writeUE(0) // log2_max_frame_num_minus4
	w.writeUE(2) // pic_order_cnt_type
	w.writeUE(p.MaxNumRefFrames)
	w.writeBit(0) // gaps_in_frame_num_value_allowed_flag
	w.writeUE(mbsW - 1)
	w.writeUE(mapUnitH - 1)
	if p.Interlaced {
		w.writeBit(0) // frame_mbs_only_flag
		w.writeBit(0) // mb_adaptive_frame_field_flag
	} else {
		w.writeBit(1)
	}
	w.writeBit(1) // direct_8x8_inference_flag

	codedH := int(mapUnitH) * 16
	if p.Interlaced {
		codedH *= 2
	}
	cropRight := (int(mbsW)*16 - p.Width) / 2
	cropBottom := codedH - p.Height
	if p.Interlaced {
		cropBottom /= 4
	} else {
		cropBottom /= 2
	}
	if cropRight > 0 || cropBottom > 0 {
		w.writeBit(1)
		w.writeUE(0)
		w.writeUE(uint32(cropRight))
		w.writeUE(0)
		w.writeUE(uint32(cropBottom))
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag

	return append([]byte{0x67}, addEmulationPrevention(w.trailing())...)
}

// H264PPS returns a minimal PPS NAL unit
func H264PPS(seed uint32) []byte {
	w := &bitWriter{}
	w.writeUE(seed % 256) // pic_parameter_set_id
	w.writeUE(seed % 32)  // seq_parameter_set_id
	w.writeBit(0)         // entropy_coding_mode_flag
	w.writeBit(0)         // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)          // num_slice_groups_minus1
	w.writeUE(0)
	w.writeUE(0)
	w.writeBit(0)
	w.writeBits(0, 2)
	return append([]byte{0x68}, addEmulationPrevention(w.trailing())...)
}

// slicePayload returns filler slice data; the hardware never sees it in
// tests, only the NAL header matters to the core.
func slicePayload(frame int, size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(0x80 | (frame+i)&0x7F)
	}
	return payload
}

// H264AVCC builds an avcC record with the given parameter sets
func H264AVCC(sps, pps [][]byte) []byte {
	out := []byte{1, 0, 0, 0, 0xFF, 0xE0 | byte(len(sps))}
	if len(sps) > 0 && len(sps[0]) >= 4 {
		out[1], out[2], out[3] = sps[0][1], sps[0][2], sps[0][3]
	}
	for _, s := range sps {
		out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
		out = append(out, s...)
	}
	out = append(out, byte(len(pps)))
	for _, p := range pps {
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}

// HEVC parameter sets are carried opaquely by the core; these are structurally
// valid NAL headers with distinct payloads.

// HEVCVPS returns a VPS NAL unit
func HEVCVPS(seed uint32) []byte {
	return append([]byte{0x40, 0x01}, addEmulationPrevention([]byte{0x0C, 0x01, 0xFF, 0xFF, 0x01, 0x60, byte(seed), 0x90})...)
}

// HEVCSPS returns an SPS NAL unit
func HEVCSPS(seed uint32) []byte {
	return append([]byte{0x42, 0x01}, addEmulationPrevention([]byte{0x01, 0x01, 0x60, 0x00, 0x90, byte(seed), 0xA0, 0x03, 0xC0, 0x80})...)
}

// HEVCPPS returns a PPS NAL unit
func HEVCPPS(seed uint32) []byte {
	return append([]byte{0x44, 0x01}, addEmulationPrevention([]byte{0xC1, 0x73, byte(seed) | 0x80, 0x48})...)
}

// HEVCHVCC builds an hvcC record. With no parameter sets it returns the bare
// 23-byte header an hev1 stream carries.
func HEVCHVCC(vps, sps, pps [][]byte) []byte {
	out := make([]byte, 23)
	out[0] = 1
	out[1] = 0x01 // Main profile
	out[12] = 120 // level 4
	out[13], out[14] = 0xF0, 0x00
	out[15] = 0xFC
	out[16] = 0xFD
	out[17] = 0xF8
	out[18] = 0xF8
	out[21] = 0x0F // lengthSizeMinusOne = 3

	arrays := []struct {
		nalType byte
		nals    [][]byte
	}{{bitstream.HEVCNALTypeVPS, vps}, {bitstream.HEVCNALTypeSPS, sps}, {bitstream.HEVCNALTypePPS, pps}}

	count := 0
	for _, a := range arrays {
		if len(a.nals) == 0 {
			continue
		}
		count++
		out = append(out, 0x80|a.nalType)
		out = binary.BigEndian.AppendUint16(out, uint16(len(a.nals)))
		for _, n := range a.nals {
			out = binary.BigEndian.AppendUint16(out, uint16(len(n)))
			out = append(out, n...)
		}
	}
	if count == 0 {
		return out[:23]
	}
	out[22] = byte(count)
	return out
}

// AccessUnit is one generated compressed picture in decode order
type AccessUnit struct {
	Data     []byte
	DTS      int64
	PTS      int64
	Keyframe bool
}

// Stream generates a closed-GOP stream with B-frames: decode order
// I P B B P B B ... so presentation order differs from decode order.
type Stream struct {
	Codec       bitstream.Codec
	GOPSize     int
	FrameTicks  int64
	InBandSets  bool
	LengthSize  int // 0 emits Annex-B, otherwise length prefixed samples
	H264        H264Params
	ParamSeed   uint32
	SliceBytes  int
	frame       int
	paramsDirty bool
}

// NewH264Stream creates an H.264 generator
func NewH264Stream(p H264Params, gop int) *Stream {
	return &Stream{Codec: bitstream.CodecH264, H264: p, GOPSize: gop, FrameTicks: 3000, SliceBytes: 64}
}

// NewHEVCStream creates an HEVC generator
func NewHEVCStream(gop int) *Stream {
	return &Stream{Codec: bitstream.CodecHEVC, GOPSize: gop, FrameTicks: 3000, SliceBytes: 64}
}

// ParameterSets returns the current VPS/SPS/PPS NAL units
func (s *Stream) ParameterSets() (vps, sps, pps [][]byte) {
	if s.Codec == bitstream.CodecHEVC {
		return [][]byte{HEVCVPS(s.ParamSeed)}, [][]byte{HEVCSPS(s.ParamSeed)}, [][]byte{HEVCPPS(s.ParamSeed)}
	}
	p := s.H264
	p.Seed = s.ParamSeed
	return nil, [][]byte{H264SPS(p)}, [][]byte{H264PPS(s.ParamSeed)}
}

// Extradata returns the container configuration record for the stream
func (s *Stream) Extradata() []byte {
	vps, sps, pps := s.ParameterSets()
	if s.Codec == bitstream.CodecHEVC {
		if s.InBandSets {
			return HEVCHVCC(nil, nil, nil)
		}
		return HEVCHVCC(vps, sps, pps)
	}
	return H264AVCC(sps, pps)
}

// ChangeParameters switches to a new set of parameter sets from the next
// keyframe on, as a resolution change or ad insertion would.
func (s *Stream) ChangeParameters(seed uint32) {
	s.ParamSeed = seed
	s.paramsDirty = true
}

// Next returns the next access unit in decode order.
func (s *Stream) Next() AccessUnit {
	gop := s.GOPSize
	if gop <= 0 {
		gop = 30
	}

	n := s.frame
	s.frame++
	posInGOP := n % gop
	gopStart := int64(n-posInGOP) * s.FrameTicks

	var pts int64
	keyframe := posInGOP == 0
	switch {
	case keyframe:
		pts = gopStart
	default:
		// decode order within a GOP: P(+3) B(+1) B(+2) P(+6) B(+4) B(+5) ...
		group := (posInGOP - 1) / 3
		slot := (posInGOP - 1) % 3
		display := group*3 + 3
		if slot > 0 {
			display = group*3 + slot
		}
		if group*3+3 >= gop {
			// incomplete trailing group is coded without reordering
			display = posInGOP
		}
		pts = gopStart + int64(display)*s.FrameTicks
	}
	dts := int64(n)*s.FrameTicks - 2*s.FrameTicks

	var nals [][]byte
	if keyframe && (s.InBandSets || s.paramsDirty) {
		vps, sps, pps := s.ParameterSets()
		nals = append(nals, vps...)
		nals = append(nals, sps...)
		nals = append(nals, pps...)
		s.paramsDirty = false
	}
	nals = append(nals, s.sliceNAL(n, keyframe))

	au := AccessUnit{DTS: dts, PTS: pts, Keyframe: keyframe}
	if s.LengthSize > 0 {
		for _, nal := range nals {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nal)))
			au.Data = append(au.Data, lenBuf[4-s.LengthSize:]...)
			au.Data = append(au.Data, nal...)
		}
	} else {
		au.Data = bitstream.JoinAnnexB(nals)
	}
	return au
}

func (s *Stream) sliceNAL(n int, keyframe bool) []byte {
	var header []byte
	if s.Codec == bitstream.CodecHEVC {
		nalType := byte(1) // TRAIL_R
		if keyframe {
			nalType = bitstream.HEVCNALTypeIDRWRADL
		}
		header = []byte{nalType << 1, 0x01}
	} else {
		if keyframe {
			header = []byte{0x65}
		} else {
			header = []byte{0x41}
		}
	}
	return append(header, slicePayload(n, s.SliceBytes)...)
}
