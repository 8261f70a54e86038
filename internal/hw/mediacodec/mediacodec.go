// Package mediacodec adapts an Android MediaCodec decoder to the
// session.Backend interface. MediaCodec is pull based: the adapter feeds
// input buffers as they free up and a poll goroutine dequeues output
// buffers, turning them into asynchronous completions.
package mediacodec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/session"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/metrics"
)

// Name is the backend name reported to sessions and metrics.
const Name = "mediacodec"

// Negative results of DequeueOutputBuffer
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// Buffer flags
const (
	BufferFlagKeyFrame    = 1
	BufferFlagCodecConfig = 2
	BufferFlagEndOfStream = 4
)

const (
	defaultInputQueueLimit = 16
	defaultDequeueTimeout  = 10 * time.Millisecond
)

var (
	// ErrCodecReleased is returned by Codec calls after Release. The
	// adapter treats it as a lost session.
	ErrCodecReleased = errors.New("mediacodec: codec released")
	// ErrCodecError is a MediaCodec.CodecException that is not recoverable
	ErrCodecError = errors.New("mediacodec: codec error")
	// ErrCodecTransient is a CodecException with isTransient set
	ErrCodecTransient = errors.New("mediacodec: transient codec error")
)

// MediaFormat is the decoder input format.
type MediaFormat struct {
	MIME   string
	Width  int
	Height int
	// CSD are the codec specific data buffers (csd-0, csd-1, ...), Annex-B
	CSD       [][]byte
	FullRange bool
}

// OutputFormat is the format reported after INFO_OUTPUT_FORMAT_CHANGED.
type OutputFormat struct {
	Width       int
	Height      int
	CropRight   int
	CropBottom  int
	PixelFormat framequeue.PixelFormat
}

// BufferInfo mirrors MediaCodec.BufferInfo.
type BufferInfo struct {
	Size               int
	PresentationTimeUs int64
	Flags              int
}

// Codec is the slice of MediaCodec the adapter uses.
type Codec interface {
	Configure(format MediaFormat) error
	Start() error
	DequeueInputBuffer(timeout time.Duration) (int, error)
	QueueInputBuffer(index int, data []byte, presentationTimeUs int64, flags int) error
	DequeueOutputBuffer(info *BufferInfo, timeout time.Duration) (int, error)
	OutputFormat() OutputFormat
	ReleaseOutputBuffer(index int, render bool) error
	Flush() error
	Stop() error
	Release()
}

// Provider creates codecs by MIME type, as MediaCodec.createDecoderByType.
type Provider interface {
	CreateDecoderByType(mime string) (Codec, error)
}

// MIMEType returns the MediaCodec MIME type of codec.
func MIMEType(codec bitstream.Codec) string {
	switch codec {
	case bitstream.CodecH264:
		return "video/avc"
	case bitstream.CodecHEVC:
		return "video/hevc"
	case bitstream.CodecMPEG4:
		return "video/mp4v-es"
	case bitstream.CodecMPEG2:
		return "video/mpeg2"
	case bitstream.CodecVC1:
		return "video/wvc1"
	case bitstream.CodecVP9:
		return "video/x-vnd.on2.vp9"
	case bitstream.CodecAV1:
		return "video/av01"
	default:
		return ""
	}
}

// Backend creates MediaCodec sessions.
type Backend struct {
	provider Provider
	cfg      config.MediaCodecConfig
	logger   logger.Logger
	sampled  *logger.SampledLogger

	overBuffered *metrics.Counter
}

// New creates a backend on provider.
func New(provider Provider, cfg config.MediaCodecConfig, log logger.Logger) *Backend {
	if cfg.InputQueueLimit <= 0 {
		cfg.InputQueueLimit = defaultInputQueueLimit
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = defaultDequeueTimeout
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	base := log.WithField("component", "mediacodec")
	return &Backend{
		provider: provider,
		cfg:      cfg,
		logger:   base,
		sampled:  logger.NewDecoderLogger(base),
		overBuffered: metrics.NewCounter("hwdec_mediacodec_input_overbuffered_total",
			"Input buffers refused because the codec holds too many", nil),
	}
}

// Name implements session.Backend.
func (b *Backend) Name() string {
	return Name
}

// Create implements session.Backend.
func (b *Backend) Create(ctx context.Context, format session.Format, prefs session.OutputPreferences, onComplete session.CompletionFunc) (session.Native, error) {
	if b.provider == nil {
		return nil, fmt.Errorf("mediacodec unavailable on this platform")
	}
	mime := MIMEType(format.Codec)
	if mime == "" {
		return nil, fmt.Errorf("no mime type for codec %s", format.Codec)
	}
	if format.Codec.UsesNALUnits() && format.Sets.Empty() {
		return nil, session.ErrParameterSetUnavailable
	}

	codec, err := b.provider.CreateDecoderByType(mime)
	if err != nil {
		return nil, fmt.Errorf("createDecoderByType(%s): %w", mime, err)
	}

	mf := MediaFormat{
		MIME:      mime,
		Width:     format.Width,
		Height:    format.Height,
		FullRange: format.FullRange,
	}
	for _, nal := range format.Sets.NALUnits() {
		mf.CSD = append(mf.CSD, bitstream.JoinAnnexB([][]byte{nal}))
	}

	if err := codec.Configure(mf); err != nil {
		codec.Release()
		return nil, fmt.Errorf("configure: %w", err)
	}
	if err := codec.Start(); err != nil {
		codec.Release()
		return nil, fmt.Errorf("start: %w", err)
	}

	n := &native{
		backend:    b,
		codec:      codec,
		onComplete: onComplete,
		width:      format.Width,
		height:     format.Height,
		pixfmt:     prefs.PixelFormat,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		drained:    make(chan struct{}),
		lastPTS:    framequeue.NoPTS,
	}
	close(n.drained)
	if n.pixfmt == framequeue.PixelFormatUnknown {
		n.pixfmt = framequeue.PixelFormatNV12VideoRange
	}

	metrics.IncrementGoroutineCreated("mediacodec_output")
	go n.poll()
	return n, nil
}

type pendingInput struct {
	data []byte
	pts  int64
}

type native struct {
	backend    *Backend
	codec      Codec
	onComplete session.CompletionFunc

	quit chan struct{}
	done chan struct{}

	// feedMu serializes input feeding between Submit and the poll goroutine
	feedMu sync.Mutex

	mu          sync.Mutex
	pending     []pendingInput
	queued      int           // input accepted by the codec, output not yet seen
	drained     chan struct{} // closed while nothing is pending or queued
	width       int
	height      int
	pixfmt      framequeue.PixelFormat
	lastPTS     int64
	released    bool
	err         error
	invalidated bool
}

// classify maps codec errors onto the session taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCodecReleased):
		return fmt.Errorf("%w: %w", session.ErrBadSession, err)
	case errors.Is(err, ErrCodecTransient):
		return fmt.Errorf("%w: %w", session.ErrTransientDecoderFault, err)
	default:
		return err
	}
}

// presentationTime picks the timestamp handed to the codec. The codec
// reorders it with the output, so the PTS is preferred and the DTS stands
// in when the container has none.
func presentationTime(au session.AccessUnit) int64 {
	if au.PTS != framequeue.NoPTS {
		return au.PTS
	}
	return au.DTS
}

// Submit implements session.Native. The access unit is queued and fed as
// input buffers free up; a queue above the input limit is reported but
// still accepted.
func (n *native) Submit(au session.AccessUnit) error {
	n.mu.Lock()
	if n.invalidated || n.released {
		n.mu.Unlock()
		return fmt.Errorf("%w: codec released", session.ErrBadSession)
	}
	if n.err != nil {
		err := n.err
		n.mu.Unlock()
		return classify(err)
	}

	if len(n.pending) >= n.backend.cfg.InputQueueLimit {
		n.backend.overBuffered.Inc()
		n.backend.sampled.WarnWithCategory(logger.CategoryInputQueue, "Input packets over-buffering", map[string]interface{}{
			"pending": len(n.pending),
			"limit":   n.backend.cfg.InputQueueLimit,
		})
	}
	if len(n.pending) == 0 && n.queued == 0 {
		n.drained = make(chan struct{})
	}
	n.pending = append(n.pending, pendingInput{data: au.Data, pts: presentationTime(au)})
	n.mu.Unlock()

	return classify(n.feed())
}

// feed moves pending input into free codec input buffers.
func (n *native) feed() error {
	n.feedMu.Lock()
	defer n.feedMu.Unlock()

	for {
		n.mu.Lock()
		if n.err != nil {
			err := n.err
			n.mu.Unlock()
			return err
		}
		if len(n.pending) == 0 || n.released {
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()

		index, err := n.codec.DequeueInputBuffer(0)
		if err != nil {
			return err
		}
		if index < 0 {
			return nil
		}

		n.mu.Lock()
		in := n.pending[0]
		n.pending = n.pending[1:]
		n.queued++
		n.mu.Unlock()

		if err := n.codec.QueueInputBuffer(index, in.data, in.pts, 0); err != nil {
			n.mu.Lock()
			n.queued--
			n.checkDrained()
			n.mu.Unlock()
			return err
		}
	}
}

// checkDrained closes drained once no work is outstanding. Callers hold mu.
func (n *native) checkDrained() {
	if len(n.pending) == 0 && n.queued <= 0 {
		n.queued = 0
		select {
		case <-n.drained:
		default:
			close(n.drained)
		}
	}
}

func (n *native) poll() {
	defer func() {
		metrics.IncrementGoroutineDestroyed("mediacodec_output")
		close(n.done)
	}()

	var info BufferInfo
	for {
		select {
		case <-n.quit:
			return
		default:
		}

		if err := n.feed(); err != nil {
			n.fail(err)
			return
		}

		index, err := n.codec.DequeueOutputBuffer(&info, n.backend.cfg.DequeueTimeout)
		if err != nil {
			n.fail(err)
			return
		}

		switch {
		case index >= 0:
			n.output(index, info)
		case index == InfoOutputFormatChanged:
			n.formatChanged()
		case index == InfoOutputBuffersChanged, index == InfoTryAgainLater:
		default:
			n.backend.logger.WithField("index", index).Error("Unknown output buffer index")
		}
	}
}

func (n *native) fail(err error) {
	n.mu.Lock()
	n.err = err
	n.pending = nil
	n.queued = 0
	n.checkDrained()
	n.mu.Unlock()

	n.backend.logger.WithError(err).Warn("Codec failed, output stopped")
}

func (n *native) formatChanged() {
	f := n.codec.OutputFormat()

	n.mu.Lock()
	if f.Width > 0 && f.Height > 0 {
		n.width = f.Width - f.CropRight
		n.height = f.Height - f.CropBottom
	}
	if f.PixelFormat != framequeue.PixelFormatUnknown {
		n.pixfmt = f.PixelFormat
	}
	width, height := n.width, n.height
	n.mu.Unlock()

	n.backend.logger.WithFields(map[string]interface{}{
		"width":  width,
		"height": height,
	}).Info("Output format changed")
}

// output delivers a decoded buffer. The unit only counts as drained once
// the completion has been handed over.
func (n *native) output(index int, info BufferInfo) {
	defer func() {
		n.mu.Lock()
		n.queued--
		n.checkDrained()
		n.mu.Unlock()
	}()

	n.mu.Lock()
	width, height, pixfmt := n.width, n.height, n.pixfmt
	var duration int64
	if n.lastPTS != framequeue.NoPTS && info.PresentationTimeUs > n.lastPTS {
		duration = info.PresentationTimeUs - n.lastPTS
	}
	n.lastPTS = info.PresentationTimeUs
	n.mu.Unlock()

	if info.Flags&BufferFlagEndOfStream != 0 {
		if err := n.codec.ReleaseOutputBuffer(index, false); err != nil {
			n.backend.logger.WithError(err).Warn("Failed to release end of stream buffer")
		}
		return
	}

	buf := newOutputBuffer(n, index)
	n.onComplete(session.Completion{
		Buffer:      buf,
		PTS:         info.PresentationTimeUs,
		Duration:    duration,
		Width:       width,
		Height:      height,
		PixelFormat: pixfmt,
	})
}

// WaitForAsynchronousFrames implements session.Native: it returns once
// every submitted access unit has produced its output.
func (n *native) WaitForAsynchronousFrames(ctx context.Context) error {
	n.mu.Lock()
	drained := n.drained
	n.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate implements session.Native. The codec is released after the
// poll goroutine stops; output buffers the renderer still holds become
// stale and their release is a no-op.
func (n *native) Invalidate() {
	n.mu.Lock()
	if n.invalidated {
		n.mu.Unlock()
		return
	}
	n.invalidated = true
	n.pending = nil
	n.mu.Unlock()

	close(n.quit)
	<-n.done

	if err := n.codec.Flush(); err != nil {
		n.backend.logger.WithError(err).Debug("Flush on invalidate failed")
	}
	if err := n.codec.Stop(); err != nil {
		n.backend.logger.WithError(err).Debug("Stop on invalidate failed")
	}

	n.mu.Lock()
	n.released = true
	n.mu.Unlock()
	n.codec.Release()
}
