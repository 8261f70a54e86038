package bitstream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/synth"
)

func TestParseAVCC(t *testing.T) {
	sps := synth.H264SPS(synth.H264Params{Width: 1280, Height: 720, MaxNumRefFrames: 3})
	pps := synth.H264PPS(0)
	avcc := synth.H264AVCC([][]byte{sps}, [][]byte{pps})

	dc, err := bitstream.ParseAVCC(avcc)
	require.NoError(t, err)

	assert.Equal(t, bitstream.CodecH264, dc.Codec)
	assert.Equal(t, 4, dc.NALLengthSize)
	assert.Equal(t, uint8(bitstream.H264ProfileMain), dc.Profile)
	require.Len(t, dc.SPS, 1)
	require.Len(t, dc.PPS, 1)
	assert.Equal(t, sps, dc.SPS[0])
	assert.Equal(t, pps, dc.PPS[0])
	assert.True(t, dc.HasParameterSets())
}

func TestParseAVCC_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte{1, 77, 0}},
		{name: "bad version", data: []byte{2, 77, 0, 40, 0xFF, 0xE1, 0}},
		{name: "sps overruns", data: []byte{1, 77, 0, 40, 0xFF, 0xE1, 0, 20, 0x67}},
		{name: "missing pps count", data: []byte{1, 77, 0, 40, 0xFF, 0xE1, 0, 1, 0x67}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bitstream.ParseAVCC(tt.data)
			assert.ErrorIs(t, err, bitstream.ErrExtradataInvalid)
		})
	}
}

func TestParseHVCC(t *testing.T) {
	vps, sps, pps := synth.HEVCVPS(1), synth.HEVCSPS(1), synth.HEVCPPS(1)

	t.Run("hvc1 with arrays", func(t *testing.T) {
		dc, err := bitstream.ParseHVCC(synth.HEVCHVCC([][]byte{vps}, [][]byte{sps}, [][]byte{pps}))
		require.NoError(t, err)

		assert.Equal(t, bitstream.CodecHEVC, dc.Codec)
		assert.Equal(t, 4, dc.NALLengthSize)
		assert.Equal(t, [][]byte{vps}, dc.VPS)
		assert.Equal(t, [][]byte{sps}, dc.SPS)
		assert.Equal(t, [][]byte{pps}, dc.PPS)
	})

	t.Run("hev1 header only", func(t *testing.T) {
		record := synth.HEVCHVCC(nil, nil, nil)
		require.Len(t, record, 23)

		dc, err := bitstream.ParseHVCC(record)
		require.NoError(t, err)
		assert.False(t, dc.HasParameterSets())
		assert.Equal(t, 4, dc.NALLengthSize)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := bitstream.ParseHVCC(make([]byte, 10))
		assert.ErrorIs(t, err, bitstream.ErrExtradataInvalid)

		record := synth.HEVCHVCC([][]byte{vps}, nil, nil)
		_, err = bitstream.ParseHVCC(record[:len(record)-2])
		assert.ErrorIs(t, err, bitstream.ErrExtradataInvalid)
	})
}

func TestParseDecoderConfig(t *testing.T) {
	sps := synth.H264SPS(synth.H264Params{Width: 640, Height: 480, MaxNumRefFrames: 1})
	pps := synth.H264PPS(0)

	t.Run("annex-b extradata", func(t *testing.T) {
		dc, err := bitstream.ParseDecoderConfig(bitstream.CodecH264, bitstream.JoinAnnexB([][]byte{sps, pps}))
		require.NoError(t, err)
		assert.Equal(t, 0, dc.NALLengthSize)
		assert.Equal(t, [][]byte{sps}, dc.SPS)
		assert.Equal(t, [][]byte{pps}, dc.PPS)
	})

	t.Run("avcC extradata", func(t *testing.T) {
		dc, err := bitstream.ParseDecoderConfig(bitstream.CodecH264, synth.H264AVCC([][]byte{sps}, [][]byte{pps}))
		require.NoError(t, err)
		assert.Equal(t, 4, dc.NALLengthSize)
	})

	t.Run("codec without nal units", func(t *testing.T) {
		_, err := bitstream.ParseDecoderConfig(bitstream.CodecVP9, []byte{1, 2, 3})
		assert.ErrorIs(t, err, bitstream.ErrExtradataInvalid)
	})
}
