package bitstream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// hvcC with no parameter set arrays: the fixed header alone
const hvccHeaderSize = 23

var (
	// ErrExtradataInvalid is returned for malformed decoder configuration records
	ErrExtradataInvalid = errors.New("invalid decoder configuration record")
)

// DecoderConfig is the content of an avcC or hvcC decoder configuration
// record: the NAL length size used by samples plus the out-of-band
// parameter sets.
type DecoderConfig struct {
	Codec         Codec
	Profile       uint8
	Level         uint8
	NALLengthSize int
	VPS           [][]byte
	SPS           [][]byte
	PPS           [][]byte
}

// HasParameterSets reports whether the record carried any parameter sets.
// An hvcC without arrays belongs to an "hev1" stream whose parameter sets
// travel in-band.
func (dc *DecoderConfig) HasParameterSets() bool {
	return len(dc.VPS)+len(dc.SPS)+len(dc.PPS) > 0
}

// ParseDecoderConfig parses extradata for codec. Annex-B extradata (as MPEG-TS
// sources provide) is accepted too and yields NALLengthSize 0.
func ParseDecoderConfig(codec Codec, extradata []byte) (*DecoderConfig, error) {
	if HasStartCode(extradata) {
		return parseAnnexBConfig(codec, extradata), nil
	}

	switch codec {
	case CodecH264:
		return ParseAVCC(extradata)
	case CodecHEVC:
		return ParseHVCC(extradata)
	default:
		return nil, fmt.Errorf("%w: codec %s has no NAL configuration record", ErrExtradataInvalid, codec)
	}
}

func parseAnnexBConfig(codec Codec, data []byte) *DecoderConfig {
	dc := &DecoderConfig{Codec: codec}
	for _, nal := range SplitAnnexB(data) {
		switch codec {
		case CodecH264:
			switch NALType(codec, nal) {
			case H264NALTypeSPS:
				dc.SPS = append(dc.SPS, nal)
			case H264NALTypePPS:
				dc.PPS = append(dc.PPS, nal)
			}
		case CodecHEVC:
			switch NALType(codec, nal) {
			case HEVCNALTypeVPS:
				dc.VPS = append(dc.VPS, nal)
			case HEVCNALTypeSPS:
				dc.SPS = append(dc.SPS, nal)
			case HEVCNALTypePPS:
				dc.PPS = append(dc.PPS, nal)
			}
		}
	}
	return dc
}

// ParseAVCC parses an AVCDecoderConfigurationRecord.
func ParseAVCC(b []byte) (*DecoderConfig, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("%w: avcC too short (%d bytes)", ErrExtradataInvalid, len(b))
	}
	if b[0] != 1 {
		return nil, fmt.Errorf("%w: unsupported avcC version %d", ErrExtradataInvalid, b[0])
	}

	dc := &DecoderConfig{
		Codec:         CodecH264,
		Profile:       b[1],
		Level:         b[3],
		NALLengthSize: int(b[4]&0x03) + 1,
	}

	n := 6
	spsCount := int(b[5] & 0x1F)
	for i := 0; i < spsCount; i++ {
		nal, next, err := readLengthPrefixedNAL(b, n)
		if err != nil {
			return nil, fmt.Errorf("sps[%d]: %w", i, err)
		}
		dc.SPS = append(dc.SPS, nal)
		n = next
	}

	if len(b) < n+1 {
		return nil, fmt.Errorf("%w: missing PPS count", ErrExtradataInvalid)
	}
	ppsCount := int(b[n])
	n++
	for i := 0; i < ppsCount; i++ {
		nal, next, err := readLengthPrefixedNAL(b, n)
		if err != nil {
			return nil, fmt.Errorf("pps[%d]: %w", i, err)
		}
		dc.PPS = append(dc.PPS, nal)
		n = next
	}

	return dc, nil
}

// ParseHVCC parses an HEVCDecoderConfigurationRecord.
func ParseHVCC(b []byte) (*DecoderConfig, error) {
	if len(b) < hvccHeaderSize {
		return nil, fmt.Errorf("%w: hvcC too short (%d bytes)", ErrExtradataInvalid, len(b))
	}

	dc := &DecoderConfig{
		Codec:         CodecHEVC,
		Profile:       b[1] & 0x1F,
		Level:         b[12],
		NALLengthSize: int(b[21]&0x03) + 1,
	}

	if len(b) == hvccHeaderSize {
		return dc, nil
	}

	numArrays := int(b[22])
	n := hvccHeaderSize
	for a := 0; a < numArrays; a++ {
		if len(b) < n+3 {
			return nil, fmt.Errorf("%w: truncated array header %d", ErrExtradataInvalid, a)
		}
		nalType := b[n] & 0x3F
		count := int(binary.BigEndian.Uint16(b[n+1:]))
		n += 3

		for i := 0; i < count; i++ {
			nal, next, err := readLengthPrefixedNAL(b, n)
			if err != nil {
				return nil, fmt.Errorf("array %d nal %d: %w", a, i, err)
			}
			n = next

			switch nalType {
			case HEVCNALTypeVPS:
				dc.VPS = append(dc.VPS, nal)
			case HEVCNALTypeSPS:
				dc.SPS = append(dc.SPS, nal)
			case HEVCNALTypePPS:
				dc.PPS = append(dc.PPS, nal)
			}
		}
	}

	return dc, nil
}

func readLengthPrefixedNAL(b []byte, n int) ([]byte, int, error) {
	if len(b) < n+2 {
		return nil, 0, fmt.Errorf("%w: truncated NAL length", ErrExtradataInvalid)
	}
	size := int(binary.BigEndian.Uint16(b[n:]))
	n += 2
	if len(b) < n+size {
		return nil, 0, fmt.Errorf("%w: NAL of %d bytes exceeds record", ErrExtradataInvalid, size)
	}
	return b[n : n+size], n + size, nil
}
