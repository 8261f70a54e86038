// Package player replays an elementary stream through a decode controller
// the way a media player's video thread drives it: submit in decode order,
// drain pictures when asked, reopen or fall back to software on request.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/logger"
)

// maxResubmits bounds how often one access unit is resubmitted after a
// reopen or fallback.
const maxResubmits = 3

// ErrResubmitLimit is returned when an access unit keeps asking for a
// reopen.
var ErrResubmitLimit = errors.New("access unit resubmitted too often")

// Opener builds decode controllers. factory.Factory satisfies it.
type Opener interface {
	Open(ctx context.Context, hints decoder.Hints) (*decoder.Controller, error)
}

// Renderer consumes the pictures the player does not drop. It owns the
// picture and must Release it.
type Renderer interface {
	Render(pic decoder.Picture)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(pic decoder.Picture)

// Render implements Renderer.
func (f RendererFunc) Render(pic decoder.Picture) { f(pic) }

// Summary counts what one run did.
type Summary struct {
	Packets   uint64        `json:"packets"`
	Pictures  uint64        `json:"pictures"`
	Dropped   uint64        `json:"dropped"`
	Reopens   uint64        `json:"reopens"`
	Fallbacks uint64        `json:"fallbacks"`
	Backend   string        `json:"backend"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Player drives one controller over one source.
type Player struct {
	cfg      config.PlayerConfig
	opener   Opener
	source   Source
	renderer Renderer
	logger   logger.Logger
	pacer    *rate.Limiter

	mu      sync.Mutex
	ctrl    *decoder.Controller
	hints   decoder.Hints
	retired decoder.Stats
	started time.Time

	packets   atomic.Uint64
	pictures  atomic.Uint64
	dropped   atomic.Uint64
	reopens   atomic.Uint64
	fallbacks atomic.Uint64
}

// New creates a player. A nil renderer releases every picture.
func New(cfg config.PlayerConfig, opener Opener, source Source, renderer Renderer, log logger.Logger) *Player {
	if log == nil {
		log = logger.NewNullLogger()
	}
	if renderer == nil {
		renderer = RendererFunc(func(pic decoder.Picture) { pic.Release() })
	}

	p := &Player{
		cfg:      cfg,
		opener:   opener,
		source:   source,
		renderer: renderer,
		logger:   log.WithField("component", "player").WithField("input", source.Name()),
	}
	if cfg.Realtime && cfg.FrameRate > 0 {
		p.pacer = rate.NewLimiter(rate.Limit(cfg.FrameRate), 1)
	}
	return p
}

// Run plays the source cfg.Loop times (forever when Loop <= 0) and drains
// the decoder at the end of every pass.
func (p *Player) Run(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	p.started = time.Now()
	p.hints = p.source.Hints()
	p.mu.Unlock()

	if err := p.open(ctx, p.hints); err != nil {
		return p.Summary(), err
	}
	defer func() {
		if ctrl := p.controller(); ctrl != nil {
			ctrl.Dispose(context.Background())
		}
	}()

	for pass := 0; p.cfg.Loop <= 0 || pass < p.cfg.Loop; pass++ {
		if pass > 0 {
			if err := p.source.Rewind(); err != nil {
				return p.Summary(), fmt.Errorf("rewind input: %w", err)
			}
			p.controller().Reset(ctx)
		}

		if err := p.play(ctx); err != nil {
			return p.Summary(), err
		}
		if err := p.drain(ctx); err != nil {
			return p.Summary(), err
		}
		p.logger.WithField("pass", pass+1).Debug("Input finished")
	}

	summary := p.Summary()
	p.logger.WithFields(map[string]interface{}{
		"packets":   summary.Packets,
		"pictures":  summary.Pictures,
		"dropped":   summary.Dropped,
		"reopens":   summary.Reopens,
		"fallbacks": summary.Fallbacks,
		"backend":   summary.Backend,
	}).Info("Playback finished")
	return summary, nil
}

func (p *Player) open(ctx context.Context, hints decoder.Hints) error {
	ctrl, err := p.opener.Open(ctx, hints)
	if err != nil {
		return fmt.Errorf("open decoder: %w", err)
	}

	p.mu.Lock()
	if p.ctrl != nil {
		p.retire(p.ctrl.Stats())
	}
	p.ctrl = ctrl
	p.hints = hints
	p.mu.Unlock()

	p.logger.WithFields(map[string]interface{}{
		"decoder":            ctrl.Name(),
		"allowed_references": ctrl.AllowedReferences(),
	}).Info("Decoder ready")
	return nil
}

// retire folds the counters of a replaced controller into the totals.
// Caller holds mu.
func (p *Player) retire(st decoder.Stats) {
	p.retired.Submitted += st.Submitted
	p.retired.Discarded += st.Discarded
	p.retired.Delivered += st.Delivered
	p.retired.Dropped += st.Dropped
	p.retired.Restarts += st.Restarts
	p.retired.Errors += st.Errors
}

func (p *Player) controller() *decoder.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctrl
}

func (p *Player) play(ctx context.Context) error {
	for {
		pkt, err := p.source.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		if p.pacer != nil {
			if err := p.pacer.Wait(ctx); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		p.packets.Add(1)
		if err := p.decode(ctx, pkt); err != nil {
			return err
		}
	}
}

// decode submits pkt and services whatever the controller asks for until
// it wants more input.
func (p *Player) decode(ctx context.Context, pkt Packet) error {
	data := pkt.Data
	resubmits := 0

	for {
		ctrl := p.controller()
		switch res := ctrl.Decode(ctx, data, pkt.DTS, pkt.PTS); res {
		case decoder.ResultNeedInput:
			return nil

		case decoder.ResultPictureAvailable:
			// the access unit went in; keep draining until admission opens
			data = nil
			p.output(ctrl)

		case decoder.ResultReopen:
			if resubmits++; resubmits > maxResubmits {
				return fmt.Errorf("%w: pts %d", ErrResubmitLimit, pkt.PTS)
			}
			p.reopens.Add(1)
			p.logger.WithField("pts", pkt.PTS).Info("Reopening decoder")
			if err := ctrl.Reopen(ctx); err != nil {
				return fmt.Errorf("reopen decoder: %w", err)
			}

		case decoder.ResultFallBackToSoftware:
			if resubmits++; resubmits > maxResubmits {
				return fmt.Errorf("%w: pts %d", ErrResubmitLimit, pkt.PTS)
			}
			if err := p.fallback(ctx, ctrl); err != nil {
				return err
			}

		case decoder.ResultError:
			return fmt.Errorf("decode pts %d: %w", pkt.PTS, ctrl.Err())

		default:
			return fmt.Errorf("unexpected decode result %s", res)
		}
	}
}

// fallback replaces a malfunctioning hardware controller with a software
// one and resubmits from the same access unit.
func (p *Player) fallback(ctx context.Context, ctrl *decoder.Controller) error {
	p.mu.Lock()
	hints := p.hints
	p.mu.Unlock()

	if hints.SoftwareOnly {
		return fmt.Errorf("software decoder failed: %w", ctrl.Err())
	}

	p.logger.WithError(ctrl.Err()).WithField("backend", ctrl.Backend()).Warn("Falling back to software decoding")
	ctrl.Dispose(ctx)

	hints.SoftwareOnly = true
	if err := p.open(ctx, hints); err != nil {
		return fmt.Errorf("software fallback: %w", err)
	}
	p.fallbacks.Add(1)
	return nil
}

func (p *Player) output(ctrl *decoder.Controller) {
	pic, err := ctrl.GetPicture()
	if err != nil {
		return
	}
	if pic.Dropped() {
		p.dropped.Add(1)
		pic.Release()
		return
	}
	p.pictures.Add(1)
	p.renderer.Render(pic)
}

// drain waits for the frames still in the decoder and hands out every
// queued picture.
func (p *Player) drain(ctx context.Context) error {
	ctrl := p.controller()
	if err := ctrl.WaitForFrames(ctx); err != nil {
		p.logger.WithError(err).Warn("Decoder did not finish outstanding frames")
	}

	ctrl.SetCodecControl(decoder.ControlDrain)
	defer ctrl.SetCodecControl(0)

	for {
		switch res := ctrl.Decode(ctx, nil, 0, 0); res {
		case decoder.ResultPictureAvailable:
			p.output(ctrl)
		case decoder.ResultError:
			return fmt.Errorf("drain: %w", ctrl.Err())
		default:
			return nil
		}
	}
}

// Stats returns the controller's stats with the counters of controllers
// replaced by a fallback added in. Suitable as a registry heartbeat source.
func (p *Player) Stats() decoder.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var st decoder.Stats
	if p.ctrl != nil {
		st = p.ctrl.Stats()
	}
	st.Submitted += p.retired.Submitted
	st.Discarded += p.retired.Discarded
	st.Delivered += p.retired.Delivered
	st.Dropped += p.retired.Dropped
	st.Restarts += p.retired.Restarts
	st.Errors += p.retired.Errors
	st.Fallbacks = p.fallbacks.Load()
	return st
}

// Summary returns the player's own counters.
func (p *Player) Summary() Summary {
	p.mu.Lock()
	backend := ""
	if p.ctrl != nil {
		backend = p.ctrl.Backend()
	}
	var elapsed time.Duration
	if !p.started.IsZero() {
		elapsed = time.Since(p.started)
	}
	p.mu.Unlock()

	return Summary{
		Packets:   p.packets.Load(),
		Pictures:  p.pictures.Load(),
		Dropped:   p.dropped.Load(),
		Reopens:   p.reopens.Load(),
		Fallbacks: p.fallbacks.Load(),
		Backend:   backend,
		Elapsed:   elapsed,
	}
}
