// Package videotoolbox adapts an Apple VideoToolbox decompression session to
// the session.Backend interface. The platform calls go through API so the
// cgo binding lives outside this package; builds without one leave the
// backend unavailable.
package videotoolbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/session"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/metrics"
)

// Name is the backend name reported to sessions and metrics.
const Name = "videotoolbox"

// Status is an OSStatus returned by VideoToolbox.
type Status int32

const (
	StatusOK                    Status = 0
	StatusParameterErr          Status = -12902
	StatusInvalidSession        Status = -12903
	StatusAllocationFailed      Status = -12904
	StatusCouldNotFindDecoder   Status = -12906
	StatusBadData               Status = -12909
	StatusUnsupportedDataFormat Status = -12910
	StatusDecoderMalfunction    Status = -12911
)

func (s Status) Error() string {
	switch s {
	case StatusParameterErr:
		return "videotoolbox: parameter error (-12902)"
	case StatusInvalidSession:
		return "videotoolbox: invalid session (-12903)"
	case StatusAllocationFailed:
		return "videotoolbox: allocation failed (-12904)"
	case StatusCouldNotFindDecoder:
		return "videotoolbox: no decoder for format (-12906)"
	case StatusBadData:
		return "videotoolbox: bad data (-12909)"
	case StatusUnsupportedDataFormat:
		return "videotoolbox: unsupported data format (-12910)"
	case StatusDecoderMalfunction:
		return "videotoolbox: decoder malfunction (-12911)"
	default:
		return fmt.Sprintf("videotoolbox: status %d", int32(s))
	}
}

// CoreVideo pixel format four-character codes
const (
	PixelFormat422YpCbCr8            uint32 = 0x32767579 // '2vuy'
	PixelFormat420BiPlanarVideoRange uint32 = 0x34323076 // '420v'
	PixelFormat420BiPlanarFullRange  uint32 = 0x34323066 // '420f'
	PixelFormat32BGRA                uint32 = 0x42475241 // 'BGRA'
)

const decodeFlagEnableTemporalProcessing uint32 = 1 << 3

// DecodeInfoFrameDropped is set in the callback's info flags when the
// decoder dropped the frame.
const DecodeInfoFrameDropped uint32 = 1 << 1

// FormatDescription is what CMVideoFormatDescriptionCreateFromH264/HEVC-
// ParameterSets needs.
type FormatDescription struct {
	Codec         bitstream.Codec
	ParameterSets [][]byte
	NALLengthSize int
	Width         int
	Height        int
	FullRange     bool
	ColorMatrix   string
	ColorTransfer string
}

// DestinationAttributes are the CVPixelBuffer attributes of decoded frames.
type DestinationAttributes struct {
	PixelFormat uint32
	Width       int
	Height      int
	IOSurface   bool
}

// SampleTiming carries the CMSampleTimingInfo; framequeue.NoPTS leaves a
// field invalid.
type SampleTiming struct {
	DTS int64
	PTS int64
}

// PixelBuffer is a retained CVPixelBuffer. Release balances the retain
// taken for the callback.
type PixelBuffer interface {
	framequeue.ImageBuffer
	Width() int
	Height() int
	PixelFormat() uint32
}

// OutputCallback is the decompression output callback.
type OutputCallback func(status Status, infoFlags uint32, image PixelBuffer, pts, duration int64)

// DecompressionSession is a VTDecompressionSessionRef.
type DecompressionSession interface {
	DecodeFrame(sample []byte, timing SampleTiming, flags uint32) Status
	WaitForAsynchronousFrames() Status
	Invalidate()
}

// API is the slice of VideoToolbox the adapter uses.
type API interface {
	CreateDecompressionSession(desc FormatDescription, attrs DestinationAttributes, cb OutputCallback) (DecompressionSession, Status)
}

// Options tune the adapter.
type Options struct {
	// WidthClamp scales output down to this width, keeping the aspect
	// ratio. 0 disables.
	WidthClamp         int
	TemporalProcessing bool
	// UYVY asks for 4:2:2 output instead of NV12, as desktop renderers do
	UYVY bool
}

// Backend creates VideoToolbox sessions.
type Backend struct {
	api    API
	opts   Options
	logger logger.Logger

	inflight *metrics.Gauge
}

// New creates a backend on api.
func New(api API, opts Options, log logger.Logger) *Backend {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Backend{
		api:    api,
		opts:   opts,
		logger: log.WithField("component", "videotoolbox"),
		inflight: metrics.NewGauge("hwdec_videotoolbox_frames_inflight",
			"Frames submitted to VideoToolbox and not yet returned", nil),
	}
}

// Name implements session.Backend.
func (b *Backend) Name() string {
	return Name
}

// OutputSize returns the destination size for a stream, applying the width
// clamp.
func OutputSize(width, height, clamp int) (int, int) {
	if clamp > 0 && width > clamp {
		scale := float64(clamp) / float64(width)
		return clamp, int(float64(height) * scale)
	}
	return width, height
}

func (b *Backend) pixelFormat(prefs session.OutputPreferences) uint32 {
	if b.opts.UYVY {
		return PixelFormat422YpCbCr8
	}
	switch prefs.PixelFormat {
	case framequeue.PixelFormatNV12FullRange:
		return PixelFormat420BiPlanarFullRange
	case framequeue.PixelFormatUYVY422:
		return PixelFormat422YpCbCr8
	case framequeue.PixelFormatBGRA:
		return PixelFormat32BGRA
	default:
		return PixelFormat420BiPlanarVideoRange
	}
}

func toPixelFormat(fourcc uint32) framequeue.PixelFormat {
	switch fourcc {
	case PixelFormat420BiPlanarVideoRange:
		return framequeue.PixelFormatNV12VideoRange
	case PixelFormat420BiPlanarFullRange:
		return framequeue.PixelFormatNV12FullRange
	case PixelFormat422YpCbCr8:
		return framequeue.PixelFormatUYVY422
	case PixelFormat32BGRA:
		return framequeue.PixelFormatBGRA
	default:
		return framequeue.PixelFormatUnknown
	}
}

// Create implements session.Backend.
func (b *Backend) Create(ctx context.Context, format session.Format, prefs session.OutputPreferences, onComplete session.CompletionFunc) (session.Native, error) {
	if b.api == nil {
		return nil, fmt.Errorf("videotoolbox unavailable on this platform")
	}
	switch format.Codec {
	case bitstream.CodecH264, bitstream.CodecHEVC:
	default:
		return nil, fmt.Errorf("%w: codec %s", StatusCouldNotFindDecoder, format.Codec)
	}
	if format.Sets.Empty() {
		return nil, session.ErrParameterSetUnavailable
	}

	desc := FormatDescription{
		Codec:         format.Codec,
		ParameterSets: format.Sets.NALUnits(),
		NALLengthSize: 4,
		Width:         format.Width,
		Height:        format.Height,
		FullRange:     format.FullRange,
		ColorMatrix:   format.ColorMatrix,
		ColorTransfer: format.ColorTransfer,
	}

	width, height := format.Width, format.Height
	if prefs.Width > 0 && prefs.Height > 0 {
		width, height = prefs.Width, prefs.Height
	}
	width, height = OutputSize(width, height, b.opts.WidthClamp)
	attrs := DestinationAttributes{
		PixelFormat: b.pixelFormat(prefs),
		Width:       width,
		Height:      height,
		IOSurface:   true,
	}

	n := &native{backend: b, onComplete: onComplete}
	if b.opts.TemporalProcessing {
		n.flags |= decodeFlagEnableTemporalProcessing
	}

	vt, status := b.api.CreateDecompressionSession(desc, attrs, n.callback)
	if status != StatusOK {
		return nil, fmt.Errorf("VTDecompressionSessionCreate: %w", status)
	}
	n.vt = vt

	b.logger.WithFields(map[string]interface{}{
		"codec":         format.Codec.String(),
		"output_width":  width,
		"output_height": height,
		"pixel_format":  fmt.Sprintf("%08x", attrs.PixelFormat),
	}).Debug("Decompression session created")
	return n, nil
}

type native struct {
	backend    *Backend
	vt         DecompressionSession
	flags      uint32
	onComplete session.CompletionFunc

	invalidateOnce sync.Once
	inflight       atomic.Int64
}

// translate maps a decode status onto the session error taxonomy.
func translate(status Status) error {
	switch status {
	case StatusOK:
		return nil
	case StatusInvalidSession:
		// the session was force-invalidated, usually by backgrounding
		return fmt.Errorf("%w: %w", session.ErrBadSession, status)
	case StatusDecoderMalfunction:
		return fmt.Errorf("%w: %w", session.ErrTransientDecoderFault, status)
	default:
		return status
	}
}

// Submit implements session.Native.
func (n *native) Submit(au session.AccessUnit) error {
	sample := bitstream.AnnexBToLengthPrefixed(au.Data)
	if len(sample) == 0 {
		return fmt.Errorf("%w: empty sample", StatusBadData)
	}

	n.inflight.Add(1)
	n.backend.inflight.Inc()
	status := n.vt.DecodeFrame(sample, SampleTiming{DTS: au.DTS, PTS: au.PTS}, n.flags)
	if status != StatusOK {
		n.inflight.Add(-1)
		n.backend.inflight.Dec()
	}
	return translate(status)
}

func (n *native) callback(status Status, infoFlags uint32, image PixelBuffer, pts, duration int64) {
	n.inflight.Add(-1)
	n.backend.inflight.Dec()

	c := session.Completion{PTS: pts, Duration: duration}
	if status != StatusOK {
		c.Err = status
		if image != nil {
			c.Buffer = image
		}
		n.onComplete(c)
		return
	}
	if image == nil {
		n.onComplete(c)
		return
	}

	// A frame that carries a buffer is kept even when flagged dropped
	if infoFlags&DecodeInfoFrameDropped != 0 {
		n.backend.logger.WithField("pts", pts).Debug("Frame flagged dropped but carries a buffer")
	}

	c.Buffer = image
	c.Width = image.Width()
	c.Height = image.Height()
	c.PixelFormat = toPixelFormat(image.PixelFormat())
	n.onComplete(c)
}

// WaitForAsynchronousFrames implements session.Native. VideoToolbox offers
// no cancellation; on ctx expiry the wait keeps running in the background.
func (n *native) WaitForAsynchronousFrames(ctx context.Context) error {
	done := make(chan Status, 1)
	go func() {
		done <- n.vt.WaitForAsynchronousFrames()
	}()

	select {
	case status := <-done:
		if status != StatusOK {
			return status
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate implements session.Native.
func (n *native) Invalidate() {
	n.invalidateOnce.Do(func() {
		n.vt.Invalidate()
		if left := n.inflight.Swap(0); left > 0 {
			n.backend.inflight.Sub(float64(left))
		}
	})
}
