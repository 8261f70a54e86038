package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/synth"
)

func annexBStream(s *synth.Stream, frames int) ([]byte, [][]byte) {
	var data []byte
	var units [][]byte
	for i := 0; i < frames; i++ {
		au := s.Next()
		data = append(data, au.Data...)
		units = append(units, au.Data)
	}
	return data, units
}

func TestSplitAccessUnits_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		stream *synth.Stream
	}{
		{
			name:   "h264",
			stream: synth.NewH264Stream(synth.H264Params{Width: 1280, Height: 720, MaxNumRefFrames: 4}, 12),
		},
		{
			name:   "hevc",
			stream: synth.NewHEVCStream(12),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.stream.InBandSets = true
			data, want := annexBStream(tt.stream, 30)

			got := splitAccessUnits(tt.stream.Codec, bitstream.SplitAnnexB(data))
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i], got[i], "access unit %d", i)
			}
		})
	}
}

func TestSplitAccessUnits_Boundaries(t *testing.T) {
	sps := []byte{0x67, 0x4d, 0x00, 0x28}
	pps := []byte{0x68, 0xee}
	aud := []byte{0x09, 0xf0}
	idr := []byte{0x65, 0x88, 0x01}
	// first_mb_in_slice != 0: second slice of the same picture
	secondSlice := []byte{0x65, 0x44, 0x02}
	p := []byte{0x41, 0x9a, 0x03}

	tests := []struct {
		name string
		nals [][]byte
		want [][][]byte
	}{
		{
			name: "multi slice picture stays together",
			nals: [][]byte{sps, pps, idr, secondSlice, p},
			want: [][][]byte{{sps, pps, idr, secondSlice}, {p}},
		},
		{
			name: "delimiter opens the next unit",
			nals: [][]byte{aud, idr, aud, p},
			want: [][][]byte{{aud, idr}, {aud, p}},
		},
		{
			name: "leading parameter sets without slices",
			nals: [][]byte{sps, pps},
			want: [][][]byte{{sps, pps}},
		},
		{
			name: "empty nals skipped",
			nals: [][]byte{{}, idr, {}, p},
			want: [][][]byte{{idr}, {p}},
		},
		{
			name: "nothing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitAccessUnits(bitstream.CodecH264, tt.nals)
			require.Len(t, got, len(tt.want))
			for i, unit := range tt.want {
				assert.Equal(t, bitstream.JoinAnnexB(unit), got[i])
			}
		})
	}
}
