package player

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/synth"
)

// SyntheticInput selects the generated stream instead of a file.
const SyntheticInput = "synthetic"

// clockRate of the DTS/PTS values handed to the decoder.
const clockRate = 90000

// Packet is one access unit in decode order.
type Packet struct {
	Data     []byte
	DTS      int64
	PTS      int64
	Keyframe bool
}

// Source feeds access units to the player. Next returns io.EOF at the end
// of the input; Rewind starts it over.
type Source interface {
	Hints() decoder.Hints
	Next() (Packet, error)
	Rewind() error
	Name() string
}

// NewSource opens the input cfg names.
func NewSource(cfg config.PlayerConfig) (Source, error) {
	codec := bitstream.ParseCodec(cfg.Codec)
	if !codec.UsesNALUnits() {
		return nil, fmt.Errorf("%w: codec %q", decoder.ErrUnsupportedFormat, cfg.Codec)
	}

	if cfg.Input == "" || strings.EqualFold(cfg.Input, SyntheticInput) {
		return NewSyntheticSource(cfg, codec), nil
	}
	return OpenFileSource(cfg, codec)
}

// frameTicks is the duration of one frame in clock ticks.
func frameTicks(fps float64) int64 {
	if fps <= 0 {
		fps = 30
	}
	return int64(math.Round(clockRate / fps))
}

// SyntheticSource replays a generated stream with B-frame reordering.
type SyntheticSource struct {
	cfg    config.PlayerConfig
	codec  bitstream.Codec
	stream *synth.Stream
	sent   int
}

// NewSyntheticSource creates a generated input of cfg.Frames access units.
func NewSyntheticSource(cfg config.PlayerConfig, codec bitstream.Codec) *SyntheticSource {
	s := &SyntheticSource{cfg: cfg, codec: codec}
	s.reset()
	return s
}

func (s *SyntheticSource) reset() {
	if s.codec == bitstream.CodecHEVC {
		s.stream = synth.NewHEVCStream(s.cfg.GOPSize)
	} else {
		s.stream = synth.NewH264Stream(synth.H264Params{
			Width:           s.cfg.Width,
			Height:          s.cfg.Height,
			MaxNumRefFrames: 4,
		}, s.cfg.GOPSize)
	}
	// samples match the avcC/hvcC in Hints, as a container demuxer's do
	s.stream.LengthSize = 4
	s.stream.FrameTicks = frameTicks(s.cfg.FrameRate)
	s.sent = 0
}

// Name implements Source.
func (s *SyntheticSource) Name() string {
	return SyntheticInput
}

// Hints implements Source.
func (s *SyntheticSource) Hints() decoder.Hints {
	return decoder.Hints{
		Codec:        s.codec,
		Width:        s.cfg.Width,
		Height:       s.cfg.Height,
		Extradata:    s.stream.Extradata(),
		Aspect:       s.cfg.Aspect,
		ForcedAspect: s.cfg.ForcedAspect,
	}
}

// Next implements Source.
func (s *SyntheticSource) Next() (Packet, error) {
	if s.cfg.Frames > 0 && s.sent >= s.cfg.Frames {
		return Packet{}, io.EOF
	}
	s.sent++
	au := s.stream.Next()
	return Packet{Data: au.Data, DTS: au.DTS, PTS: au.PTS, Keyframe: au.Keyframe}, nil
}

// Rewind implements Source.
func (s *SyntheticSource) Rewind() error {
	s.reset()
	return nil
}

// FileSource replays a raw Annex-B elementary stream. Raw streams carry no
// timestamps, so access units are stamped in decode order at the
// configured frame rate.
type FileSource struct {
	path  string
	hints decoder.Hints
	units [][]byte
	ticks int64
	next  int
}

// OpenFileSource reads and splits the elementary stream at cfg.Input.
func OpenFileSource(cfg config.PlayerConfig, codec bitstream.Codec) (*FileSource, error) {
	data, err := os.ReadFile(cfg.Input)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if !bitstream.HasStartCode(data) {
		return nil, fmt.Errorf("%w: %s is not an Annex-B stream", decoder.ErrUnsupportedFormat, cfg.Input)
	}

	nals := bitstream.SplitAnnexB(data)
	units := splitAccessUnits(codec, nals)
	if len(units) == 0 {
		return nil, errors.New("input holds no access units")
	}

	hints := decoder.Hints{
		Codec:        codec,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Aspect:       cfg.Aspect,
		ForcedAspect: cfg.ForcedAspect,
	}
	if codec == bitstream.CodecH264 {
		applySPS(&hints, nals)
	}

	return &FileSource{
		path:  cfg.Input,
		hints: hints,
		units: units,
		ticks: frameTicks(cfg.FrameRate),
	}, nil
}

// applySPS takes the coded geometry from the stream's first SPS.
func applySPS(hints *decoder.Hints, nals [][]byte) {
	for _, nal := range nals {
		if bitstream.NALType(bitstream.CodecH264, nal) != bitstream.H264NALTypeSPS {
			continue
		}
		sps, err := bitstream.ParseH264SPS(nal)
		if err != nil {
			return
		}
		hints.Width, hints.Height = sps.Dimensions()
		hints.Interlaced = sps.Interlaced()
		return
	}
}

// Name implements Source.
func (f *FileSource) Name() string {
	return f.path
}

// Hints implements Source. Parameter sets travel in-band.
func (f *FileSource) Hints() decoder.Hints {
	return f.hints
}

// Next implements Source.
func (f *FileSource) Next() (Packet, error) {
	if f.next >= len(f.units) {
		return Packet{}, io.EOF
	}
	n := f.next
	f.next++

	data := f.units[n]
	ts := int64(n) * f.ticks
	return Packet{
		Data:     data,
		DTS:      ts,
		PTS:      ts,
		Keyframe: bitstream.IsKeyframe(f.hints.Codec, data),
	}, nil
}

// Rewind implements Source.
func (f *FileSource) Rewind() error {
	f.next = 0
	return nil
}

// Len returns the number of access units in the file.
func (f *FileSource) Len() int {
	return len(f.units)
}
