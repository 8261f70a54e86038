// Package factory picks a decode backend for a stream. Backends are tried in
// the configured preference order; the first one whose controller opens
// wins. Hardware backends whose platform binding is missing are never
// registered.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/decoder/session"
	"github.com/zsiec/hwdec/internal/hw/emulated"
	"github.com/zsiec/hwdec/internal/hw/mediacodec"
	"github.com/zsiec/hwdec/internal/hw/videotoolbox"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/metrics"
)

// ErrNoBackend is returned when no backend could open the stream.
var ErrNoBackend = errors.New("no decoder backend available")

// Candidate is one backend the factory may open a controller on.
type Candidate struct {
	Name     string
	Hardware bool
	Backend  session.Backend
	// Tune adjusts the controller options for this backend
	Tune func(*decoder.Options)
}

// Platform carries the native bindings available to this build. A nil
// binding leaves its backend unregistered.
type Platform struct {
	VideoToolbox        videotoolbox.API
	VideoToolboxOptions videotoolbox.Options
	MediaCodec          mediacodec.Provider
}

// Factory creates decode controllers.
type Factory struct {
	mu         sync.RWMutex
	registry   map[string]Candidate
	order      []string
	software   *Candidate
	opts       decoder.Options
	destroyTTL time.Duration
	logger     logger.Logger
}

// New creates a factory for cfg and registers the backends the platform
// supports.
func New(cfg *config.Config, platform Platform, log logger.Logger) *Factory {
	if log == nil {
		log = logger.NewNullLogger()
	}
	f := &Factory{
		registry:   make(map[string]Candidate),
		order:      append([]string(nil), cfg.Decoder.Backends...),
		opts:       decoder.OptionsFromConfig(cfg.Decoder),
		destroyTTL: cfg.Decoder.DestroyTimeout,
		logger:     log.WithField("component", "decoder_factory"),
	}
	f.registerDefaults(cfg, platform, log)
	return f
}

func (f *Factory) registerDefaults(cfg *config.Config, platform Platform, log logger.Logger) {
	if platform.VideoToolbox != nil {
		f.Register(Candidate{
			Name:     videotoolbox.Name,
			Hardware: true,
			Backend:  videotoolbox.New(platform.VideoToolbox, platform.VideoToolboxOptions, log),
			Tune: func(o *decoder.Options) {
				o.AllowedReferences = 5
				o.RejectInterlaced = true
			},
		})
	}
	if platform.MediaCodec != nil {
		f.Register(Candidate{
			Name:     mediacodec.Name,
			Hardware: true,
			Backend:  mediacodec.New(platform.MediaCodec, cfg.Decoder.MediaCodec, log),
			Tune: func(o *decoder.Options) {
				o.AllowedReferences = 2
			},
		})
	}
	f.Register(Candidate{
		Name:     emulated.Name,
		Hardware: true,
		Backend:  emulated.New(cfg.Emulated, log),
	})

	if cfg.Decoder.SoftwareFallback {
		f.SetSoftware(Candidate{
			Name:    emulated.SoftwareName,
			Backend: emulated.NewSoftware(cfg.Emulated, log),
		})
	}
}

// Register adds or replaces a backend candidate.
func (f *Factory) Register(c Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registry[c.Name] = c
}

// Unregister removes a backend candidate.
func (f *Factory) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.registry, name)
}

// SetSoftware sets the candidate used for software only opens and as the
// last resort.
func (f *Factory) SetSoftware(c Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c.Hardware = false
	f.software = &c
}

// Available returns the registered backends in preference order, software
// last.
func (f *Factory) Available() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.order)+1)
	for _, name := range f.order {
		if _, ok := f.registry[name]; ok {
			names = append(names, name)
		}
	}
	if f.software != nil {
		names = append(names, f.software.Name)
	}
	return names
}

func (f *Factory) candidates(hints decoder.Hints) []Candidate {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Candidate
	if !hints.SoftwareOnly {
		for _, name := range f.order {
			if c, ok := f.registry[name]; ok {
				out = append(out, c)
			}
		}
	}
	if f.software != nil {
		out = append(out, *f.software)
	}
	return out
}

// Open returns an opened controller on the first backend that accepts the
// stream. Hints.SoftwareOnly restricts the search to the software backend.
func (f *Factory) Open(ctx context.Context, hints decoder.Hints) (*decoder.Controller, error) {
	candidates := f.candidates(hints)
	if len(candidates) == 0 {
		return nil, ErrNoBackend
	}

	var errs []error
	for i, c := range candidates {
		opts := f.opts
		if c.Tune != nil {
			c.Tune(&opts)
		}

		manager := session.NewManager(c.Backend, f.destroyTTL, f.logger)
		ctrl := decoder.New(manager, opts, f.logger)
		err := ctrl.Open(ctx, hints)
		if err == nil {
			if !c.Hardware && !hints.SoftwareOnly {
				metrics.RecordSoftwareFallback(candidates[0].Name)
			}
			f.logger.WithFields(map[string]interface{}{
				"backend":  c.Name,
				"codec":    hints.Codec.String(),
				"attempts": i + 1,
			}).Info("Decoder backend selected")
			return ctrl, nil
		}

		ctrl.Dispose(ctx)
		f.logger.WithError(err).WithField("backend", c.Name).Debug("Backend declined stream")
		errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}
