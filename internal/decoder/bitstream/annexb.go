package bitstream

import (
	"encoding/binary"
	"fmt"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// HasStartCode reports whether data begins with an Annex-B start code
func HasStartCode(data []byte) bool {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1
}

// SplitAnnexB returns the NAL units of an Annex-B byte stream with their
// start codes removed. The returned slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	var nalUnits [][]byte

	i := 0
	for i < len(data) {
		// Look for start code (0x00000001 or 0x000001)
		startCodeLen := 0
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			startCodeLen = 4
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			startCodeLen = 3
		}

		if startCodeLen == 0 {
			i++
			continue
		}

		nalStart := i + startCodeLen
		nalEnd := len(data)

		for j := nalStart; j+2 < len(data); j++ {
			if data[j] == 0 && data[j+1] == 0 && (data[j+2] == 1 || (j+3 < len(data) && data[j+2] == 0 && data[j+3] == 1)) {
				nalEnd = j
				break
			}
		}

		if nalStart < nalEnd {
			nalUnits = append(nalUnits, data[nalStart:nalEnd])
		}

		i = nalEnd
	}

	return nalUnits
}

// JoinAnnexB writes NAL units back into a single Annex-B buffer with 4-byte
// start codes.
func JoinAnnexB(nalUnits [][]byte) []byte {
	size := 0
	for _, nal := range nalUnits {
		size += len(startCode) + len(nal)
	}

	out := make([]byte, 0, size)
	for _, nal := range nalUnits {
		out = append(out, startCode...)
		out = append(out, nal...)
	}
	return out
}

// SplitLengthPrefixed returns the NAL units of an AVCC/HVCC sample where each
// NAL unit is preceded by a big-endian length of lengthSize bytes.
func SplitLengthPrefixed(data []byte, lengthSize int) ([][]byte, error) {
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("invalid NAL length size: %d", lengthSize)
	}

	var nalUnits [][]byte
	offset := 0
	for offset < len(data) {
		if offset+lengthSize > len(data) {
			return nil, fmt.Errorf("truncated NAL length at offset %d", offset)
		}

		var nalLen int
		for k := 0; k < lengthSize; k++ {
			nalLen = nalLen<<8 | int(data[offset+k])
		}
		offset += lengthSize

		if nalLen > len(data)-offset {
			return nil, fmt.Errorf("NAL length %d exceeds remaining %d bytes", nalLen, len(data)-offset)
		}
		if nalLen > 0 {
			nalUnits = append(nalUnits, data[offset:offset+nalLen])
		}
		offset += nalLen
	}

	return nalUnits, nil
}

// AnnexBToLengthPrefixed converts an Annex-B access unit into 4-byte length
// prefixed NAL units, the sample layout VideoToolbox expects.
func AnnexBToLengthPrefixed(data []byte) []byte {
	nalUnits := SplitAnnexB(data)

	size := 0
	for _, nal := range nalUnits {
		size += 4 + len(nal)
	}

	out := make([]byte, size)
	offset := 0
	for _, nal := range nalUnits {
		binary.BigEndian.PutUint32(out[offset:], uint32(len(nal)))
		offset += 4
		offset += copy(out[offset:], nal)
	}
	return out
}

// Converter rewrites container samples (length prefixed NAL units) into
// Annex-B. A Converter with LengthSize 0 passes data through unchanged.
type Converter struct {
	LengthSize int
}

// NewConverter creates a converter for samples carrying lengthSize-byte NAL
// lengths.
func NewConverter(lengthSize int) *Converter {
	return &Converter{LengthSize: lengthSize}
}

// Convert returns data as an Annex-B access unit. Every sample is treated as
// length prefixed: a 4-byte length of 1 or 256..511 reads like a start code.
func (c *Converter) Convert(data []byte) ([]byte, error) {
	if c == nil || c.LengthSize == 0 {
		return data, nil
	}

	nalUnits, err := SplitLengthPrefixed(data, c.LengthSize)
	if err != nil {
		return nil, err
	}
	return JoinAnnexB(nalUnits), nil
}
