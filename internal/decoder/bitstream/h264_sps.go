package bitstream

import (
	"fmt"
)

// H.264 profile_idc values the hardware decoders care about
const (
	H264ProfileBaseline = 66
	H264ProfileMain     = 77
	H264ProfileExtended = 88
	H264ProfileHigh     = 100
	H264ProfileHigh10   = 110
	H264ProfileHigh422  = 122
	H264ProfileHigh444  = 244
	H264ProfileCAVLC444 = 44
)

// H264SPS holds the sequence parameter set fields needed to size the display
// queue and validate hardware support.
type H264SPS struct {
	ProfileIdc                uint32
	ConstraintSetFlags        uint32
	LevelIdc                  uint32
	SeqParameterSetID         uint32
	ChromaFormatIdc           uint32
	MaxNumRefFrames           uint32
	PicWidthInMbsMinus1       uint32
	PicHeightInMapUnitsMinus1 uint32
	FrameMbsOnlyFlag          bool
	FrameCroppingFlag         bool
	FrameCropLeftOffset       uint32
	FrameCropRightOffset      uint32
	FrameCropTopOffset        uint32
	FrameCropBottomOffset     uint32
}

// Interlaced reports whether the stream may carry field coded pictures
func (sps *H264SPS) Interlaced() bool {
	return !sps.FrameMbsOnlyFlag
}

// Intra reports whether the profile is one of the intra-only variants
// (constraint_set3 on High 10/4:2:2/4:4:4).
func (sps *H264SPS) Intra() bool {
	switch sps.ProfileIdc {
	case H264ProfileHigh10, H264ProfileHigh422, H264ProfileHigh444, H264ProfileCAVLC444:
		return sps.ConstraintSetFlags&0x10 != 0
	}
	return false
}

// Dimensions returns the cropped picture size in luma samples.
func (sps *H264SPS) Dimensions() (width, height int) {
	frameMbsOnly := uint32(1)
	if !sps.FrameMbsOnlyFlag {
		frameMbsOnly = 0
	}

	w := (sps.PicWidthInMbsMinus1 + 1) * 16
	h := (2 - frameMbsOnly) * (sps.PicHeightInMapUnitsMinus1 + 1) * 16

	if sps.FrameCroppingFlag {
		var subWidthC, subHeightC uint32 = 1, 1
		switch sps.ChromaFormatIdc {
		case 1: // 4:2:0
			subWidthC, subHeightC = 2, 2
		case 2: // 4:2:2
			subWidthC, subHeightC = 2, 1
		}

		cropUnitX := subWidthC
		cropUnitY := subHeightC * (2 - frameMbsOnly)

		cropW := (sps.FrameCropLeftOffset + sps.FrameCropRightOffset) * cropUnitX
		cropH := (sps.FrameCropTopOffset + sps.FrameCropBottomOffset) * cropUnitY
		if cropW < w {
			w -= cropW
		}
		if cropH < h {
			h -= cropH
		}
	}

	return int(w), int(h)
}

func isHighProfile(profileIdc uint32) bool {
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

// ParseH264SPS parses an SPS NAL unit, header byte included.
func ParseH264SPS(nal []byte) (*H264SPS, error) {
	if len(nal) < 4 {
		return nil, fmt.Errorf("SPS too short: %d bytes", len(nal))
	}
	if NALType(CodecH264, nal) != H264NALTypeSPS {
		return nil, fmt.Errorf("not an SPS NAL unit: type %d", NALType(CodecH264, nal))
	}

	br := NewBitReader(RemoveEmulationPrevention(nal[1:]))
	sps := &H264SPS{ChromaFormatIdc: 1}

	var err error
	if sps.ProfileIdc, err = br.ReadBits(8); err != nil {
		return nil, fmt.Errorf("failed to read profile_idc: %w", err)
	}
	if sps.ConstraintSetFlags, err = br.ReadBits(8); err != nil {
		return nil, fmt.Errorf("failed to read constraint flags: %w", err)
	}
	if sps.LevelIdc, err = br.ReadBits(8); err != nil {
		return nil, fmt.Errorf("failed to read level_idc: %w", err)
	}
	if sps.SeqParameterSetID, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("failed to read seq_parameter_set_id: %w", err)
	}

	if isHighProfile(sps.ProfileIdc) {
		if sps.ChromaFormatIdc, err = br.ReadUE(); err != nil {
			return nil, fmt.Errorf("failed to read chroma_format_idc: %w", err)
		}
		if sps.ChromaFormatIdc == 3 {
			// separate_colour_plane_flag
			if err := br.SkipBits(1); err != nil {
				return nil, err
			}
		}
		// bit_depth_luma_minus8, bit_depth_chroma_minus8
		for i := 0; i < 2; i++ {
			if _, err := br.ReadUE(); err != nil {
				return nil, fmt.Errorf("failed to read bit depth: %w", err)
			}
		}
		// qpprime_y_zero_transform_bypass_flag
		if err := br.SkipBits(1); err != nil {
			return nil, err
		}
		scalingPresent, err := br.ReadFlag()
		if err != nil {
			return nil, fmt.Errorf("failed to read seq_scaling_matrix_present_flag: %w", err)
		}
		if scalingPresent {
			lists := 8
			if sps.ChromaFormatIdc == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				present, err := br.ReadFlag()
				if err != nil {
					return nil, fmt.Errorf("failed to read scaling_list_present_flag[%d]: %w", i, err)
				}
				if present {
					if err := skipScalingList(br, i); err != nil {
						return nil, fmt.Errorf("failed to skip scaling list: %w", err)
					}
				}
			}
		}
	}

	// log2_max_frame_num_minus4
	if _, err := br.ReadUE(); err != nil {
		return nil, fmt.Errorf("failed to read log2_max_frame_num_minus4: %w", err)
	}

	pocType, err := br.ReadUE()
	if err != nil {
		return nil, fmt.Errorf("failed to read pic_order_cnt_type: %w", err)
	}
	switch pocType {
	case 0:
		if _, err := br.ReadUE(); err != nil {
			return nil, fmt.Errorf("failed to read log2_max_pic_order_cnt_lsb_minus4: %w", err)
		}
	case 1:
		// delta_pic_order_always_zero_flag
		if err := br.SkipBits(1); err != nil {
			return nil, err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field
		for i := 0; i < 2; i++ {
			if _, err := br.ReadSE(); err != nil {
				return nil, fmt.Errorf("failed to read poc offset: %w", err)
			}
		}
		cycle, err := br.ReadUE()
		if err != nil {
			return nil, fmt.Errorf("failed to read num_ref_frames_in_pic_order_cnt_cycle: %w", err)
		}
		if cycle > 255 {
			return nil, fmt.Errorf("num_ref_frames_in_pic_order_cnt_cycle %d out of range", cycle)
		}
		for i := uint32(0); i < cycle; i++ {
			if _, err := br.ReadSE(); err != nil {
				return nil, fmt.Errorf("failed to read offset_for_ref_frame[%d]: %w", i, err)
			}
		}
	}

	if sps.MaxNumRefFrames, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("failed to read max_num_ref_frames: %w", err)
	}
	// gaps_in_frame_num_value_allowed_flag
	if err := br.SkipBits(1); err != nil {
		return nil, err
	}
	if sps.PicWidthInMbsMinus1, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("failed to read pic_width_in_mbs_minus1: %w", err)
	}
	if sps.PicHeightInMapUnitsMinus1, err = br.ReadUE(); err != nil {
		return nil, fmt.Errorf("failed to read pic_height_in_map_units_minus1: %w", err)
	}
	if sps.FrameMbsOnlyFlag, err = br.ReadFlag(); err != nil {
		return nil, fmt.Errorf("failed to read frame_mbs_only_flag: %w", err)
	}
	if !sps.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag
		if err := br.SkipBits(1); err != nil {
			return nil, err
		}
	}
	// direct_8x8_inference_flag
	if err := br.SkipBits(1); err != nil {
		return nil, err
	}
	if sps.FrameCroppingFlag, err = br.ReadFlag(); err != nil {
		return nil, fmt.Errorf("failed to read frame_cropping_flag: %w", err)
	}
	if sps.FrameCroppingFlag {
		offsets := []*uint32{
			&sps.FrameCropLeftOffset, &sps.FrameCropRightOffset,
			&sps.FrameCropTopOffset, &sps.FrameCropBottomOffset,
		}
		for _, off := range offsets {
			if *off, err = br.ReadUE(); err != nil {
				return nil, fmt.Errorf("failed to read frame crop offset: %w", err)
			}
		}
	}

	return sps, nil
}

func skipScalingList(br *BitReader, index int) error {
	size := 16
	if index >= 6 {
		size = 64
	}

	lastScale := int32(8)
	nextScale := int32(8)
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			deltaScale, err := br.ReadSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}
