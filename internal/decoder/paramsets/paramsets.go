// Package paramsets tracks the codec parameter sets (VPS/SPS/PPS) a hardware
// session was configured with and detects in-stream changes that require the
// session to be rebuilt.
package paramsets

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
)

// ErrParameterSetsNotFound is returned when no parameter sets are present yet.
// For hev1 streams this is expected until the first in-band sets arrive.
var ErrParameterSetsNotFound = errors.New("parameter sets not found")

// Sets holds one snapshot of parameter sets, grouped by class.
type Sets struct {
	VPS [][]byte
	SPS [][]byte
	PPS [][]byte
}

// Empty reports whether no set of any class is present
func (s Sets) Empty() bool {
	return len(s.VPS)+len(s.SPS)+len(s.PPS) == 0
}

// Clone returns a deep copy so the result owns its bytes
func (s Sets) Clone() Sets {
	return Sets{VPS: cloneAll(s.VPS), SPS: cloneAll(s.SPS), PPS: cloneAll(s.PPS)}
}

// NALUnits returns the sets in VPS, SPS, PPS order
func (s Sets) NALUnits() [][]byte {
	out := make([][]byte, 0, len(s.VPS)+len(s.SPS)+len(s.PPS))
	out = append(out, s.VPS...)
	out = append(out, s.SPS...)
	return append(out, s.PPS...)
}

func (s Sets) String() string {
	return fmt.Sprintf("sets{vps=%d sps=%d pps=%d}", len(s.VPS), len(s.SPS), len(s.PPS))
}

func cloneAll(in [][]byte) [][]byte {
	if len(in) == 0 {
		return nil
	}
	out := make([][]byte, len(in))
	for i, b := range in {
		out[i] = bytes.Clone(b)
	}
	return out
}

// Parse extracts in-band parameter sets from an Annex-B access unit.
func Parse(codec bitstream.Codec, accessUnit []byte) (Sets, error) {
	if !codec.UsesNALUnits() {
		return Sets{}, fmt.Errorf("%w: codec %s", ErrParameterSetsNotFound, codec)
	}

	var sets Sets
	for _, nal := range bitstream.SplitAnnexB(accessUnit) {
		nalType := bitstream.NALType(codec, nal)
		switch codec {
		case bitstream.CodecH264:
			switch nalType {
			case bitstream.H264NALTypeSPS:
				sets.SPS = append(sets.SPS, bytes.Clone(nal))
			case bitstream.H264NALTypePPS:
				sets.PPS = append(sets.PPS, bytes.Clone(nal))
			}
		case bitstream.CodecHEVC:
			switch nalType {
			case bitstream.HEVCNALTypeVPS:
				sets.VPS = append(sets.VPS, bytes.Clone(nal))
			case bitstream.HEVCNALTypeSPS:
				sets.SPS = append(sets.SPS, bytes.Clone(nal))
			case bitstream.HEVCNALTypePPS:
				sets.PPS = append(sets.PPS, bytes.Clone(nal))
			}
		}
	}

	if sets.Empty() {
		return Sets{}, ErrParameterSetsNotFound
	}
	return sets, nil
}

// ParseExtradata extracts out-of-band parameter sets from container
// extradata (avcC, hvcC or Annex-B). It also returns the parsed record so
// the caller can pick up the NAL length size.
func ParseExtradata(codec bitstream.Codec, extradata []byte) (Sets, *bitstream.DecoderConfig, error) {
	if len(extradata) == 0 {
		return Sets{}, nil, ErrParameterSetsNotFound
	}

	dc, err := bitstream.ParseDecoderConfig(codec, extradata)
	if err != nil {
		return Sets{}, nil, err
	}

	sets := Sets{VPS: cloneAll(dc.VPS), SPS: cloneAll(dc.SPS), PPS: cloneAll(dc.PPS)}
	if sets.Empty() {
		return Sets{}, dc, ErrParameterSetsNotFound
	}
	return sets, dc, nil
}

// Tracker holds the parameter sets the current hardware session was built
// from. It is owned by the decode goroutine and is not safe for concurrent use.
type Tracker struct {
	held Sets
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// HasChanged reports whether candidate differs from the held sets: a count
// mismatch in any class, or a length or byte difference at an index present
// in both.
func (t *Tracker) HasChanged(candidate Sets) bool {
	return classChanged(t.held.VPS, candidate.VPS) ||
		classChanged(t.held.SPS, candidate.SPS) ||
		classChanged(t.held.PPS, candidate.PPS)
}

func classChanged(held, candidate [][]byte) bool {
	if len(held) != len(candidate) {
		return true
	}
	for i := range candidate {
		if len(held[i]) != len(candidate[i]) || !bytes.Equal(held[i], candidate[i]) {
			return true
		}
	}
	return false
}

// Adopt replaces the held sets with a private copy of candidate.
func (t *Tracker) Adopt(candidate Sets) {
	t.held = candidate.Clone()
}

// Current returns a copy of the held sets
func (t *Tracker) Current() Sets {
	return t.held.Clone()
}

// Empty reports whether nothing has been adopted yet
func (t *Tracker) Empty() bool {
	return t.held.Empty()
}

// Clear frees the held sets
func (t *Tracker) Clear() {
	t.held = Sets{}
}
