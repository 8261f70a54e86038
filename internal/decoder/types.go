// Package decoder drives one hardware decode session on behalf of a player:
// it gates startup on a keyframe, watches in-band parameter sets, rebuilds
// the session when the platform invalidates it and hands pictures out in
// display order.
package decoder

import (
	"errors"
	"math"
	"time"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/session"
)

var (
	// ErrNoPicture is returned by GetPicture on an empty queue. Callers only
	// ask for a picture after Decode reported one.
	ErrNoPicture = errors.New("no picture available")
	// ErrNotOpen is returned when decoding on a controller that is not open
	ErrNotOpen = errors.New("decoder not open")
	// ErrAlreadyOpen is returned by Open on a configured controller
	ErrAlreadyOpen = errors.New("decoder already open")
	// ErrUnsupportedFormat rejects streams the backend cannot decode
	ErrUnsupportedFormat = errors.New("unsupported stream format")
	// ErrRestartStorm is returned when session restarts exceed the allowed rate
	ErrRestartStorm = errors.New("too many session restarts")
)

// Result is the outcome of one Decode call.
type Result int

const (
	// ResultNeedInput asks for more access units
	ResultNeedInput Result = iota
	// ResultPictureAvailable asks the caller to drain pictures first
	ResultPictureAvailable
	// ResultFallBackToSoftware means the hardware path cannot continue
	ResultFallBackToSoftware
	// ResultReopen asks the caller to reopen the decoder and resubmit
	ResultReopen
	// ResultError stops playback; see Controller.Err
	ResultError
)

// String returns the string representation of Result
func (r Result) String() string {
	switch r {
	case ResultNeedInput:
		return "need_input"
	case ResultPictureAvailable:
		return "picture_available"
	case ResultFallBackToSoftware:
		return "fallback_software"
	case ResultReopen:
		return "reopen"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the controller's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateConfigured
	StateRunning
	StateRestarting
	StateStopped
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ControlFlag is a codec control request from the player.
type ControlFlag uint32

const (
	// ControlDrain stops submission; Decode only reports queued pictures
	ControlDrain ControlFlag = 1 << iota
	// ControlDrop marks every handed out picture as dropped
	ControlDrop
)

// Hints describe the stream as the demuxer saw it.
type Hints struct {
	Codec     bitstream.Codec
	Width     int
	Height    int
	Profile   int
	Level     int
	Extradata []byte

	// Display aspect ratio, applied when > 1 and not forced
	Aspect       float64
	ForcedAspect bool

	FullRange     bool
	ColorMatrix   string
	ColorTransfer string
	HDR           session.HDRFormat

	// Interlaced is set when the container already knows the stream is
	// field coded.
	Interlaced bool

	// SoftwareOnly keeps the factory off hardware backends
	SoftwareOnly bool
}

// Options tune one controller.
type Options struct {
	StartupDiscardLimit int
	ConvergenceClamp    int

	MinQueueDepth     int
	QueueDepthPadding int
	MaxQueueDepth     int

	// AllowedReferences is reported to the player, which sizes its own
	// reference handling from it.
	AllowedReferences int

	RejectInterlaced bool
	AllowHEVCHDR     bool

	RestartBurst    int
	RestartInterval time.Duration
}

// DefaultOptions returns the tuning of the original hardware decoders.
func DefaultOptions() Options {
	return Options{
		StartupDiscardLimit: 64,
		ConvergenceClamp:    300,
		MinQueueDepth:       5,
		QueueDepthPadding:   4,
		MaxQueueDepth:       16,
		AllowedReferences:   5,
		RestartBurst:        3,
		RestartInterval:     5 * time.Second,
	}
}

// OptionsFromConfig builds controller options from the decoder config.
// Backend specific fields (AllowedReferences, RejectInterlaced) keep their
// defaults and are set by the factory.
func OptionsFromConfig(cfg config.DecoderConfig) Options {
	opts := DefaultOptions()
	if cfg.StartupDiscardLimit > 0 {
		opts.StartupDiscardLimit = cfg.StartupDiscardLimit
	}
	if cfg.ConvergenceClamp > 0 {
		opts.ConvergenceClamp = cfg.ConvergenceClamp
	}
	if cfg.MinQueueDepth > 0 {
		opts.MinQueueDepth = cfg.MinQueueDepth
	}
	if cfg.QueueDepthPadding >= 0 {
		opts.QueueDepthPadding = cfg.QueueDepthPadding
	}
	if cfg.MaxQueueDepth > 0 {
		opts.MaxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.RestartBurst > 0 {
		opts.RestartBurst = cfg.RestartBurst
	}
	if cfg.RestartInterval > 0 {
		opts.RestartInterval = cfg.RestartInterval
	}
	opts.AllowHEVCHDR = cfg.AllowHEVCHDR
	return opts
}

// QueueDepthTarget derives the display queue target from the stream's
// reference frame count: at least refs+1 (and never below min), padded
// because VUI restrictions under-report, capped at max and never below 1.
func QueueDepthTarget(refFrames, min, padding, max int) int {
	target := refFrames + 1
	if target < min {
		target = min
	}
	target += padding
	if target > max {
		target = max
	}
	if target < 1 {
		target = 1
	}
	return target
}

// DisplaySize applies the aspect correction for a decoded picture. The
// width follows height*aspect rounded down to a multiple of four; when that
// exceeds the decoded width the height is recomputed instead.
func DisplaySize(width, height int, aspect float64, forced bool) (int, int) {
	if forced || aspect <= 1.0 {
		return width, height
	}

	dw := int(math.RoundToEven(float64(height)*aspect)) &^ 3
	dh := height
	if dw > width {
		dw = width
		dh = int(math.RoundToEven(float64(width)/aspect)) &^ 3
	}
	return dw, dh
}
