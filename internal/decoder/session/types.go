// Package session owns native hardware decode sessions: creation from a
// stream format, non-blocking submission, completion delivery and a destroy
// that never returns while a completion callback is still running.
package session

import (
	"context"
	"time"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/paramsets"
	apperrors "github.com/zsiec/hwdec/internal/errors"
)

// Decoder taxonomy. Backends return (or wrap) these from Submit.
var (
	ErrSessionCreateFailed     = apperrors.ErrSessionCreateFailed
	ErrBadSession              = apperrors.ErrBadSession
	ErrTransientDecoderFault   = apperrors.ErrTransientDecoderFault
	ErrFatal                   = apperrors.ErrFatal
	ErrParameterSetUnavailable = apperrors.ErrParameterSetUnavailable
)

// HDRFormat tags high dynamic range streams.
type HDRFormat uint8

const (
	HDRNone HDRFormat = iota
	HDR10
	HLG
	DolbyVision
)

// String returns the string representation of HDRFormat
func (h HDRFormat) String() string {
	switch h {
	case HDR10:
		return "hdr10"
	case HLG:
		return "hlg"
	case DolbyVision:
		return "dolbyvision"
	default:
		return "sdr"
	}
}

// Format describes the stream a session is built for.
type Format struct {
	Codec         bitstream.Codec
	Sets          paramsets.Sets
	Width         int
	Height        int
	Profile       int
	Level         int
	FullRange     bool
	ColorMatrix   string
	ColorTransfer string
	HDR           HDRFormat
}

// OutputPreferences tells the backend which image layout to produce.
type OutputPreferences struct {
	PixelFormat framequeue.PixelFormat
	Width       int
	Height      int
}

// PreferencesFor picks bi-planar 4:2:0 in the stream's color range. A backend
// may override the layout if its hardware cannot produce it.
func PreferencesFor(f Format) OutputPreferences {
	pf := framequeue.PixelFormatNV12VideoRange
	if f.FullRange {
		pf = framequeue.PixelFormatNV12FullRange
	}
	return OutputPreferences{
		PixelFormat: pf,
		Width:       f.Width,
		Height:      f.Height,
	}
}

// AccessUnit is one compressed picture in decode order. Data is Annex-B.
type AccessUnit struct {
	Data     []byte
	DTS      int64
	PTS      int64
	Keyframe bool
}

// Completion is one asynchronous decode result. A completion with a non-nil
// Err or a nil Buffer carries no picture.
type Completion struct {
	Err         error
	Buffer      framequeue.ImageBuffer
	PTS         int64
	Duration    time.Duration
	Width       int
	Height      int
	PixelFormat framequeue.PixelFormat
}

// CompletionFunc receives completions. It may run on any goroutine and must
// not block on the submitting goroutine.
type CompletionFunc func(Completion)

// Backend builds native sessions for one platform decoder.
type Backend interface {
	Name() string
	Create(ctx context.Context, format Format, prefs OutputPreferences, onComplete CompletionFunc) (Native, error)
}

// Native is a live platform session.
type Native interface {
	// Submit hands an access unit to the decoder without waiting for the
	// decoded picture.
	Submit(au AccessUnit) error
	// WaitForAsynchronousFrames blocks until every submitted access unit has
	// produced its completion (or been discarded by the platform).
	WaitForAsynchronousFrames(ctx context.Context) error
	// Invalidate tears the platform session down. No completion is
	// delivered after it returns.
	Invalidate()
}
