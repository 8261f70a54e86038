// Package emulated is an in-process decoder backend. It "decodes" access
// units by producing blank images after a configurable latency. Completions
// follow decode order (exactly so with one worker) and therefore reach the
// display queue out of presentation order, as hardware completions do. It
// backs the software fallback path, tests and demos, and can inject the
// session faults a real decoder raises.
package emulated

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/session"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/metrics"
)

// Name is the backend name reported to sessions and metrics.
const Name = "emulated"

// SoftwareName is the name used when the backend serves as the software
// decoder.
const SoftwareName = "software"

const jobQueueSize = 64

// Image is a reference counted blank picture.
type Image struct {
	Width       int
	Height      int
	PixelFormat framequeue.PixelFormat

	refs    atomic.Int32
	backend *Backend
}

// Retain adds a reference.
func (img *Image) Retain() {
	img.refs.Add(1)
}

// Release drops a reference. The last release returns the image to the
// backend.
func (img *Image) Release() {
	switch n := img.refs.Add(-1); {
	case n == 0:
		img.backend.outstanding.Add(-1)
	case n < 0:
		panic("emulated: image released more times than retained")
	}
}

// Refs returns the current reference count.
func (img *Image) Refs() int32 {
	return img.refs.Load()
}

// Backend creates emulated sessions.
type Backend struct {
	name   string
	cfg    config.EmulatedConfig
	logger logger.Logger

	outstanding atomic.Int64

	latency *metrics.Histogram
}

// New creates an emulated backend.
func New(cfg config.EmulatedConfig, log logger.Logger) *Backend {
	return newBackend(Name, cfg, log)
}

// NewSoftware creates an emulated backend standing in for the software
// decoder. Fault injection is disabled.
func NewSoftware(cfg config.EmulatedConfig, log logger.Logger) *Backend {
	cfg.BadSessionEvery = 0
	cfg.MalfunctionAt = 0
	return newBackend(SoftwareName, cfg, log)
}

func newBackend(name string, cfg config.EmulatedConfig, log logger.Logger) *Backend {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Backend{
		name:   name,
		cfg:    cfg,
		logger: log.WithField("component", "emulated_decoder").WithField("backend", name),
		latency: metrics.NewHistogram("hwdec_emulated_decode_latency_seconds",
			"Emulated decode time per access unit",
			map[string]string{"backend": name},
			[]float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05}),
	}
}

// Name implements session.Backend.
func (b *Backend) Name() string {
	return b.name
}

// Outstanding returns the number of images handed out and not yet released.
func (b *Backend) Outstanding() int64 {
	return b.outstanding.Load()
}

// Create implements session.Backend.
func (b *Backend) Create(ctx context.Context, format session.Format, prefs session.OutputPreferences, onComplete session.CompletionFunc) (session.Native, error) {
	switch format.Codec {
	case bitstream.CodecH264, bitstream.CodecHEVC:
	default:
		return nil, fmt.Errorf("unsupported codec %s", format.Codec)
	}
	if format.Width <= 0 || format.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", format.Width, format.Height)
	}
	if format.Sets.Empty() {
		return nil, session.ErrParameterSetUnavailable
	}

	pf := prefs.PixelFormat
	if pf == framequeue.PixelFormatUnknown {
		pf = framequeue.PixelFormatNV12VideoRange
	}

	n := &native{
		backend:    b,
		format:     format,
		pixfmt:     pf,
		onComplete: onComplete,
		jobs:       make(chan session.AccessUnit, jobQueueSize),
		quit:       make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		idle:       make(chan struct{}),
	}
	close(n.idle)
	for i := 0; i < b.cfg.Workers; i++ {
		n.workers.Add(1)
		metrics.IncrementGoroutineCreated("emulated_worker")
		go n.work()
	}
	return n, nil
}

type native struct {
	backend    *Backend
	format     session.Format
	pixfmt     framequeue.PixelFormat
	onComplete session.CompletionFunc

	jobs    chan session.AccessUnit
	quit    chan struct{}
	workers sync.WaitGroup

	mu          sync.Mutex
	submitted   int
	inflight    int
	idle        chan struct{} // closed while inflight is zero
	invalid     bool
	invalidated bool
	rng         *rand.Rand
}

// Submit implements session.Native. A full decode queue blocks the caller
// until a worker picks up a job, as a busy hardware decoder would.
func (n *native) Submit(au session.AccessUnit) error {
	n.mu.Lock()
	if n.invalidated || n.invalid {
		n.mu.Unlock()
		return session.ErrBadSession
	}

	n.submitted++
	cfg := n.backend.cfg
	if cfg.BadSessionEvery > 0 && n.submitted%cfg.BadSessionEvery == 0 {
		// Stays broken until the owner rebuilds the session
		n.invalid = true
		submitted := n.submitted
		n.mu.Unlock()
		n.backend.logger.WithField("submitted", submitted).Warn("Injected bad session")
		return fmt.Errorf("injected invalidation: %w", session.ErrBadSession)
	}
	if cfg.MalfunctionAt > 0 && n.submitted == cfg.MalfunctionAt {
		submitted := n.submitted
		n.mu.Unlock()
		n.backend.logger.WithField("submitted", submitted).Warn("Injected decoder malfunction")
		return fmt.Errorf("injected malfunction: %w", session.ErrTransientDecoderFault)
	}

	if n.inflight == 0 {
		n.idle = make(chan struct{})
	}
	n.inflight++
	n.mu.Unlock()

	select {
	case n.jobs <- au:
		return nil
	case <-n.quit:
		n.finished()
		return session.ErrBadSession
	}
}

func (n *native) finished() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inflight--
	if n.inflight == 0 {
		close(n.idle)
	}
}

func (n *native) delay() time.Duration {
	cfg := n.backend.cfg
	d := cfg.DecodeLatency
	if cfg.LatencyJitter > 0 {
		n.mu.Lock()
		d += time.Duration(n.rng.Int63n(int64(cfg.LatencyJitter)))
		n.mu.Unlock()
	}
	return d
}

func (n *native) work() {
	defer func() {
		metrics.IncrementGoroutineDestroyed("emulated_worker")
		n.workers.Done()
	}()

	for {
		select {
		case <-n.quit:
			return
		case au := <-n.jobs:
			n.decode(au)
		}
	}
}

func (n *native) decode(au session.AccessUnit) {
	defer n.finished()

	start := time.Now()
	if d := n.delay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-n.quit:
			timer.Stop()
			return
		}
	}

	img := &Image{
		Width:       n.format.Width,
		Height:      n.format.Height,
		PixelFormat: n.pixfmt,
		backend:     n.backend,
	}
	img.refs.Store(1)
	n.backend.outstanding.Add(1)
	n.backend.latency.Observe(time.Since(start).Seconds())

	n.onComplete(session.Completion{
		Buffer:      img,
		PTS:         au.PTS,
		Width:       img.Width,
		Height:      img.Height,
		PixelFormat: img.PixelFormat,
	})
}

// WaitForAsynchronousFrames implements session.Native.
func (n *native) WaitForAsynchronousFrames(ctx context.Context) error {
	n.mu.Lock()
	idle := n.idle
	n.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate implements session.Native.
func (n *native) Invalidate() {
	n.mu.Lock()
	if n.invalidated {
		n.mu.Unlock()
		return
	}
	n.invalidated = true
	n.mu.Unlock()

	close(n.quit)
	n.workers.Wait()

	// Jobs still queued never produce a frame
	for {
		select {
		case <-n.jobs:
			n.finished()
		default:
			return
		}
	}
}
