package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/paramsets"
	"github.com/zsiec/hwdec/internal/decoder/session"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/metrics"
)

// Stats is a point-in-time view of a controller.
type Stats struct {
	Name             string `json:"name"`
	Backend          string `json:"backend"`
	State            string `json:"state"`
	SessionID        string `json:"session_id,omitempty"`
	Started          bool   `json:"started"`
	ConvergeCount    int    `json:"converge_count"`
	QueueDepth       int    `json:"queue_depth"`
	MaxQueueDepth    int    `json:"max_queue_depth"`
	QueueDepthTarget int    `json:"queue_depth_target"`
	RestartPending   bool   `json:"restart_pending"`
	DropState        bool   `json:"drop_state"`
	Submitted        uint64 `json:"submitted"`
	Discarded        uint64 `json:"discarded"`
	Delivered        uint64 `json:"delivered"`
	Dropped          uint64 `json:"dropped"`
	Restarts         uint64 `json:"restarts"`
	Fallbacks        uint64 `json:"fallbacks"`
	Errors           uint64 `json:"errors"`
	LastError        string `json:"last_error,omitempty"`
}

type displayParams struct {
	aspect        float64
	forced        bool
	colorRange    ColorRange
	colorMatrix   string
	colorTransfer string
}

// Controller is the decode lifecycle of one stream on one backend. Decode,
// Open, Reopen, Reset and Dispose are called from the decode goroutine;
// GetPicture from the consumer (which may be the same goroutine); Stats from
// anywhere. Completions arrive on backend goroutines and only touch the
// frame queue.
type Controller struct {
	manager *session.Manager
	backend string
	opts    Options
	logger  logger.Logger
	sampled *logger.SampledLogger

	queue    *framequeue.Queue
	tracker  *paramsets.Tracker
	restarts *rate.Limiter

	// Owned by the decode goroutine
	hints          Hints
	converter      *bitstream.Converter
	validateInBand bool
	refFrames      int

	// mu guards the fields below. It is never held across a backend call.
	mu               sync.Mutex
	name             string
	sess             *session.Session
	state            State
	started          bool
	framesSinceKey   int
	gateCount        int // access units this session saw before its first keyframe
	queueDepthTarget int
	controlFlags     ControlFlag
	dropState        bool
	restartPending   bool
	restartTarget    int64
	display          displayParams
	lastErr          error

	submitted    atomic.Uint64
	discarded    atomic.Uint64
	delivered    atomic.Uint64
	dropped      atomic.Uint64
	restartCount atomic.Uint64
	fallbacks    atomic.Uint64
	errorCount   atomic.Uint64
}

// New creates a controller on the manager's backend.
func New(manager *session.Manager, opts Options, log logger.Logger) *Controller {
	if log == nil {
		log = logger.NewNullLogger()
	}
	defaults := DefaultOptions()
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = defaults.MaxQueueDepth
	}
	if opts.RestartBurst <= 0 {
		opts.RestartBurst = defaults.RestartBurst
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = defaults.RestartInterval
	}

	backend := manager.BackendName()
	base := log.WithField("component", "decoder").WithField("backend", backend)
	return &Controller{
		manager:          manager,
		backend:          backend,
		opts:             opts,
		logger:           base,
		sampled:          logger.NewDecoderLogger(base),
		queue:            framequeue.New(2 * opts.MaxQueueDepth),
		tracker:          paramsets.NewTracker(),
		restarts:         rate.NewLimiter(rate.Limit(float64(opts.RestartBurst)/opts.RestartInterval.Seconds()), opts.RestartBurst),
		name:             backend,
		state:            StateUninitialized,
		queueDepthTarget: 1,
		restartTarget:    framequeue.NoPTS,
	}
}

// Open configures the controller for a stream. Out-of-band parameter sets
// create the hardware session immediately; streams carrying their sets
// in-band get a session on the first access unit that has them.
func (c *Controller) Open(ctx context.Context, hints Hints) error {
	return c.open(ctx, hints, paramsets.Sets{})
}

func (c *Controller) open(ctx context.Context, hints Hints, inherited paramsets.Sets) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateUninitialized && state != StateStopped {
		return ErrAlreadyOpen
	}

	if err := c.checkHints(hints); err != nil {
		c.logger.WithError(err).Info("Stream rejected")
		return err
	}

	c.hints = hints
	c.hints.Extradata = bytes.Clone(hints.Extradata)
	c.converter = nil
	c.validateInBand = true
	c.tracker.Clear()

	if len(hints.Extradata) > 0 {
		sets, dc, err := paramsets.ParseExtradata(hints.Codec, hints.Extradata)
		switch {
		case err == nil:
			c.tracker.Adopt(sets)
			// hvc1 keeps its sets out of band
			if hints.Codec == bitstream.CodecHEVC {
				c.validateInBand = false
			}
		case errors.Is(err, paramsets.ErrParameterSetsNotFound) && dc != nil:
			// hev1: open is deferred until the sets show up in-band
		default:
			return fmt.Errorf("%w: extradata: %v", ErrUnsupportedFormat, err)
		}
		if dc != nil && dc.NALLengthSize > 0 {
			c.converter = bitstream.NewConverter(dc.NALLengthSize)
		}
	}
	if !inherited.Empty() {
		c.tracker.Adopt(inherited)
	}

	if err := c.configureReferences(); err != nil {
		c.tracker.Clear()
		return err
	}
	if !c.tracker.Empty() {
		if err := c.createSession(ctx); err != nil {
			c.tracker.Clear()
			return err
		}
	}

	c.mu.Lock()
	c.name = fmt.Sprintf("%s-%s", c.backend, hints.Codec)
	c.state = StateConfigured
	c.started = false
	c.framesSinceKey = 0
	c.gateCount = 0
	c.controlFlags = 0
	c.lastErr = nil
	c.display = displayParams{
		aspect:        hints.Aspect,
		forced:        hints.ForcedAspect,
		colorMatrix:   hints.ColorMatrix,
		colorTransfer: hints.ColorTransfer,
	}
	if hints.FullRange {
		c.display.colorRange = ColorRangeFull
	}
	target := c.queueDepthTarget
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"codec":              hints.Codec.String(),
		"width":              hints.Width,
		"height":             hints.Height,
		"reference_frames":   c.refFrames,
		"queue_depth_target": target,
		"in_band_sets":       c.tracker.Empty(),
	}).Info("Decoder opened")
	return nil
}

func (c *Controller) checkHints(h Hints) error {
	if h.Width <= 0 || h.Height <= 0 {
		return fmt.Errorf("%w: bogus dimensions %dx%d", ErrUnsupportedFormat, h.Width, h.Height)
	}
	if !h.Codec.UsesNALUnits() {
		return fmt.Errorf("%w: codec %s", ErrUnsupportedFormat, h.Codec)
	}
	if c.opts.RejectInterlaced && h.Interlaced {
		return fmt.Errorf("%w: interlaced content", ErrUnsupportedFormat)
	}
	if h.Codec == bitstream.CodecHEVC && h.HDR != session.HDRNone && !c.opts.AllowHEVCHDR {
		return fmt.Errorf("%w: hevc %s", ErrUnsupportedFormat, h.HDR)
	}
	return nil
}

// configureReferences derives the reference frame count from the held SPS
// and sizes the display queue from it.
func (c *Controller) configureReferences() error {
	refs := 4
	if c.hints.Codec == bitstream.CodecH264 {
		if sets := c.tracker.Current(); len(sets.SPS) > 0 {
			sps, err := bitstream.ParseH264SPS(sets.SPS[0])
			if err != nil {
				c.logger.WithError(err).Warn("Failed to parse SPS, keeping default reference count")
			} else {
				if err := c.checkSPS(sps); err != nil {
					return err
				}
				refs = int(sps.MaxNumRefFrames)
				if refs == 0 {
					refs = 2
				}
				if sps.ProfileIdc == bitstream.H264ProfileMain && sps.LevelIdc == 32 && refs > 4 {
					return fmt.Errorf("%w: Main@L3.2 with %d reference frames", ErrUnsupportedFormat, refs)
				}
			}
		}
	}

	c.refFrames = refs
	target := QueueDepthTarget(refs, c.opts.MinQueueDepth, c.opts.QueueDepthPadding, c.opts.MaxQueueDepth)

	c.mu.Lock()
	c.queueDepthTarget = target
	c.mu.Unlock()
	return nil
}

func (c *Controller) checkSPS(sps *bitstream.H264SPS) error {
	switch {
	case sps.Intra():
		return fmt.Errorf("%w: h264 intra profile %d", ErrUnsupportedFormat, sps.ProfileIdc)
	case sps.ProfileIdc == bitstream.H264ProfileHigh422,
		sps.ProfileIdc == bitstream.H264ProfileHigh444,
		sps.ProfileIdc == bitstream.H264ProfileCAVLC444:
		return fmt.Errorf("%w: h264 profile %d", ErrUnsupportedFormat, sps.ProfileIdc)
	case c.opts.RejectInterlaced && sps.Interlaced():
		return fmt.Errorf("%w: interlaced content", ErrUnsupportedFormat)
	}
	return nil
}

func (c *Controller) createSession(ctx context.Context) error {
	format := session.Format{
		Codec:         c.hints.Codec,
		Sets:          c.tracker.Current(),
		Width:         c.hints.Width,
		Height:        c.hints.Height,
		Profile:       c.hints.Profile,
		Level:         c.hints.Level,
		FullRange:     c.hints.FullRange,
		ColorMatrix:   c.hints.ColorMatrix,
		ColorTransfer: c.hints.ColorTransfer,
		HDR:           c.hints.HDR,
	}

	s, err := c.manager.Create(ctx, format, session.PreferencesFor(format), c.frameSink(format.Width, format.Height))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	return nil
}

// frameSink returns the completion callback for one session. It runs on
// backend goroutines and only touches the frame queue.
func (c *Controller) frameSink(width, height int) session.CompletionFunc {
	return func(comp session.Completion) {
		f := framequeue.Frame{
			PTS:         comp.PTS,
			Width:       comp.Width,
			Height:      comp.Height,
			PixelFormat: comp.PixelFormat,
			Buffer:      comp.Buffer,
		}
		if f.Width <= 0 || f.Height <= 0 {
			f.Width, f.Height = width, height
		}

		c.queue.Insert(f)
		depth := c.queue.Depth()
		metrics.SetQueueDepth(c.backend, depth)
		c.sampled.DebugWithCategory(logger.CategoryFrameDelivery, "Decoded frame queued", map[string]interface{}{
			"pts":   comp.PTS,
			"depth": depth,
		})
	}
}

// Decode submits one access unit in decode order. A nil data only runs the
// admission check.
func (c *Controller) Decode(ctx context.Context, data []byte, dts, pts int64) Result {
	c.mu.Lock()
	state, flags := c.state, c.controlFlags
	c.mu.Unlock()

	if state == StateUninitialized || state == StateStopped {
		return c.fail(ErrNotOpen)
	}

	if flags&ControlDrain != 0 {
		if c.queue.Depth() > 0 {
			return ResultPictureAvailable
		}
		return ResultNeedInput
	}

	if data != nil {
		if r, done := c.submit(ctx, data, dts, pts); done {
			return r
		}
	}

	return c.admission()
}

func (c *Controller) submit(ctx context.Context, data []byte, dts, pts int64) (Result, bool) {
	au, err := c.converter.Convert(data)
	if err != nil {
		return c.fail(fmt.Errorf("bitstream conversion: %w", err)), true
	}

	if c.validateInBand {
		if r, done := c.validateParameterSets(ctx, au, pts); done {
			return r, true
		}
	}

	if c.sess == nil {
		c.sampled.DebugWithCategory(logger.CategoryStartupGate, "Waiting for in-band parameter sets", map[string]interface{}{
			"pts": pts,
		})
		return ResultNeedInput, true
	}

	keyframe := bitstream.IsKeyframe(c.hints.Codec, au)

	c.mu.Lock()
	if keyframe {
		c.started = true
		c.framesSinceKey = 0
	}
	c.framesSinceKey++
	if !c.started {
		c.gateCount++
	}
	started, waited := c.started, c.gateCount
	c.mu.Unlock()

	if !started {
		if waited < c.opts.StartupDiscardLimit {
			c.discarded.Add(1)
			metrics.RecordStartupDiscard(c.backend)
			c.sampled.DebugWithCategory(logger.CategoryStartupGate, "Discarding access unit before first keyframe", map[string]interface{}{
				"pts":   pts,
				"count": waited,
			})
			return ResultNeedInput, true
		}
		if waited == c.opts.StartupDiscardLimit {
			c.logger.WithField("count", waited).Warn("No keyframe found, submitting without one")
		}
	}

	err = c.manager.Submit(c.sess, session.AccessUnit{Data: au, DTS: dts, PTS: pts, Keyframe: keyframe})
	if err != nil {
		return c.handleSubmitError(ctx, err, pts), true
	}

	c.submitted.Add(1)
	c.sampled.DebugWithCategory(logger.CategorySubmit, "Access unit submitted", map[string]interface{}{
		"pts":      pts,
		"dts":      dts,
		"keyframe": keyframe,
		"bytes":    len(au),
	})

	c.mu.Lock()
	if c.state == StateConfigured {
		c.state = StateRunning
	}
	clamped := c.framesSinceKey > c.opts.ConvergenceClamp
	if clamped {
		c.framesSinceKey = c.opts.ConvergenceClamp
	}
	c.mu.Unlock()

	if clamped {
		c.sampled.InfoWithCategory(logger.CategoryConvergence, "Convergence count clamped", map[string]interface{}{
			"clamp": c.opts.ConvergenceClamp,
		})
	}
	return ResultNeedInput, false
}

// validateParameterSets compares in-band sets against the session's. The
// first sets of a deferred stream create the session in place; any later
// change restarts it.
func (c *Controller) validateParameterSets(ctx context.Context, au []byte, pts int64) (Result, bool) {
	sets, err := paramsets.Parse(c.hints.Codec, au)
	if err != nil {
		return ResultNeedInput, false
	}

	if c.tracker.Empty() {
		c.tracker.Adopt(sets)
		if err := c.configureReferences(); err != nil {
			c.tracker.Clear()
			return c.fail(err), true
		}
		if err := c.createSession(ctx); err != nil {
			c.tracker.Clear()
			return c.fail(err), true
		}
		c.logger.WithField("sets", sets.String()).Info("Session created from in-band parameter sets")
		return ResultNeedInput, false
	}

	if !c.tracker.HasChanged(sets) {
		return ResultNeedInput, false
	}

	c.logger.WithFields(map[string]interface{}{
		"held":     c.tracker.Current().String(),
		"incoming": sets.String(),
	}).Info("Parameter sets changed")

	c.tracker.Adopt(sets)
	if err := c.configureReferences(); err != nil {
		return c.fail(err), true
	}
	return c.restart(ctx, "parameter_change", pts), true
}

func (c *Controller) handleSubmitError(ctx context.Context, err error, pts int64) Result {
	switch {
	case errors.Is(err, session.ErrBadSession):
		c.logger.WithError(err).Warn("Hardware session invalidated")
		return c.restart(ctx, "bad_session", pts)

	case errors.Is(err, session.ErrTransientDecoderFault):
		c.fallbacks.Add(1)
		metrics.RecordSoftwareFallback(c.backend)
		c.logger.WithError(err).Warn("Hardware decoder malfunction, falling back to software")
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return ResultFallBackToSoftware

	default:
		return c.fail(err)
	}
}

// restart rebuilds the session in place from the held parameter sets. The
// queue is kept; pictures up to the restart target are handed out dropped.
// A failed rebuild is not retried and leaves the controller stopped.
func (c *Controller) restart(ctx context.Context, reason string, pts int64) Result {
	c.setState(StateRestarting)

	if !c.restarts.Allow() {
		c.mu.Lock()
		old := c.sess
		c.sess = nil
		c.mu.Unlock()
		c.manager.Destroy(ctx, old)
		c.setState(StateStopped)
		return c.fail(fmt.Errorf("%w: %w: more than %d within %s",
			session.ErrFatal, ErrRestartStorm, c.opts.RestartBurst, c.opts.RestartInterval))
	}

	target := pts
	if head, ok := c.queue.PeekFront(); ok {
		target = head.PTS
	}

	c.mu.Lock()
	old := c.sess
	c.sess = nil
	c.restartPending = true
	c.restartTarget = target
	c.started = false
	c.gateCount = 0
	c.mu.Unlock()

	c.manager.Destroy(ctx, old)

	if err := c.createSession(ctx); err != nil {
		c.setState(StateStopped)
		return c.fail(fmt.Errorf("restart after %s: %w", reason, err))
	}

	c.restartCount.Add(1)
	metrics.RecordRestart(c.backend, reason)
	c.setState(StateRunning)

	c.sampled.WarnWithCategory(logger.CategoryRestart, "Hardware session restarted", map[string]interface{}{
		"reason":     reason,
		"target_pts": target,
	})
	return ResultReopen
}

func (c *Controller) admission() Result {
	depth := c.queue.Depth()
	metrics.SetQueueDepth(c.backend, depth)

	c.mu.Lock()
	target := c.queueDepthTarget
	c.mu.Unlock()

	if depth < 2*target {
		return ResultNeedInput
	}
	return ResultPictureAvailable
}

func (c *Controller) fail(err error) Result {
	c.errorCount.Add(1)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.WithError(err).Error("Decode failed")
	return ResultError
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// GetPicture pops the next picture in display order.
func (c *Controller) GetPicture() (Picture, error) {
	f, ok := c.queue.PopFront()
	if !ok {
		return Picture{}, ErrNoPicture
	}
	metrics.SetQueueDepth(c.backend, c.queue.Depth())

	c.mu.Lock()
	d := c.display
	pic := Picture{
		DTS:           framequeue.NoPTS,
		PTS:           f.PTS,
		Width:         f.Width,
		Height:        f.Height,
		ColorRange:    d.colorRange,
		ColorMatrix:   d.colorMatrix,
		ColorTransfer: d.colorTransfer,
		PixelFormat:   f.PixelFormat,
		Buffer:        f.Buffer,
	}
	pic.DisplayWidth, pic.DisplayHeight = DisplaySize(f.Width, f.Height, d.aspect, d.forced)

	reason := ""
	if c.controlFlags&ControlDrop != 0 {
		pic.Flags |= PictureDropped
		reason = "control"
	}

	cleared := false
	if c.restartPending {
		// The restart target itself is still dropped. A target that was
		// skipped also ends suppression.
		pic.Flags |= PictureDropped
		reason = "restart"
		if f.HasPTS() && f.PTS >= c.restartTarget {
			c.restartPending = false
			c.restartTarget = framequeue.NoPTS
			cleared = true
		}
	}
	c.mu.Unlock()

	if pic.Dropped() {
		c.dropped.Add(1)
		metrics.RecordPictureDropped(c.backend, reason)
		c.sampled.DebugWithCategory(logger.CategoryFrameDrop, "Picture dropped", map[string]interface{}{
			"pts":    f.PTS,
			"reason": reason,
		})
	} else {
		c.delivered.Add(1)
		metrics.RecordPictureDelivered(c.backend)
	}
	if cleared {
		c.logger.WithField("pts", f.PTS).Info("Restart target reached")
	}

	return pic, nil
}

// WaitForFrames blocks until the session has delivered every submitted
// access unit. Queued pictures stay queued; players call it at end of
// stream before draining.
func (c *Controller) WaitForFrames(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	return c.manager.Flush(ctx, sess)
}

// Reset flushes the session and discards queued pictures. The keyframe gate
// stays open.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if err := c.manager.Flush(ctx, sess); err != nil {
		c.logger.WithError(err).Warn("Flush did not complete")
	}
	drained := c.queue.Drain()
	metrics.SetQueueDepth(c.backend, 0)

	c.mu.Lock()
	c.controlFlags = 0
	c.mu.Unlock()

	c.logger.WithField("drained", drained).Debug("Decoder reset")
}

// Dispose destroys the session, releases every queued picture and forgets
// the parameter sets. Idempotent.
func (c *Controller) Dispose(ctx context.Context) {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	wasStopped := c.state == StateStopped
	c.state = StateStopped
	c.restartPending = false
	c.restartTarget = framequeue.NoPTS
	c.mu.Unlock()

	c.manager.Destroy(ctx, sess)
	drained := c.queue.Drain()
	c.tracker.Clear()
	c.converter = nil
	metrics.SetQueueDepth(c.backend, 0)

	if !wasStopped {
		c.logger.WithField("drained", drained).Info("Decoder disposed")
	}
}

// Reopen disposes and reopens with the same hints, starting over at the
// next keyframe. The latest adopted parameter sets replace the extradata's
// and a pending restart suppression carries over. ConvergeCount keeps
// counting from the old session; the startup gate does not.
func (c *Controller) Reopen(ctx context.Context) error {
	c.mu.Lock()
	pending, target, since := c.restartPending, c.restartTarget, c.framesSinceKey
	c.mu.Unlock()

	hints := c.hints
	sets := c.tracker.Current()

	c.Dispose(ctx)
	if err := c.open(ctx, hints, sets); err != nil {
		return err
	}

	c.mu.Lock()
	c.restartPending, c.restartTarget = pending, target
	c.framesSinceKey = since
	c.mu.Unlock()
	return nil
}

// SetDropState records the player's hurry-up hint. Hardware decoders cannot
// skip work, so it is only reported.
func (c *Controller) SetDropState(drop bool) {
	c.mu.Lock()
	c.dropState = drop
	c.mu.Unlock()
}

// SetCodecControl replaces the control flags.
func (c *Controller) SetCodecControl(flags ControlFlag) {
	c.mu.Lock()
	c.controlFlags = flags
	c.mu.Unlock()
}

// ConvergeCount returns the number of access units since the last keyframe.
func (c *Controller) ConvergeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesSinceKey
}

// AllowedReferences returns the reference count the player may hold.
func (c *Controller) AllowedReferences() int {
	return c.opts.AllowedReferences
}

// QueueDepthTarget returns the current display queue target.
func (c *Controller) QueueDepthTarget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueDepthTarget
}

// Name returns "<backend>-<codec>".
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Backend returns the backend name.
func (c *Controller) Backend() string {
	return c.backend
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error behind the last ResultError or
// ResultFallBackToSoftware.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns a snapshot for status reporting.
func (c *Controller) Stats() Stats {
	qs := c.queue.GetStats()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Name:             c.name,
		Backend:          c.backend,
		State:            c.state.String(),
		Started:          c.started,
		ConvergeCount:    c.framesSinceKey,
		QueueDepth:       qs.Depth,
		MaxQueueDepth:    qs.MaxDepth,
		QueueDepthTarget: c.queueDepthTarget,
		RestartPending:   c.restartPending,
		DropState:        c.dropState,
		Submitted:        c.submitted.Load(),
		Discarded:        c.discarded.Load(),
		Delivered:        c.delivered.Load(),
		Dropped:          c.dropped.Load(),
		Restarts:         c.restartCount.Load(),
		Fallbacks:        c.fallbacks.Load(),
		Errors:           c.errorCount.Load(),
	}
	if c.sess != nil {
		st.SessionID = c.sess.ID()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}
