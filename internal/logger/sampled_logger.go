package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SampledLogger rate limits high-frequency log categories. Per-frame events
// of a decoder running at 60 fps would otherwise drown everything else.
// Categories without a sampler, and errors, are always logged.
type SampledLogger struct {
	base Logger
	set  *samplerSet
}

// samplerSet is shared by every logger derived with WithField(s).
type samplerSet struct {
	mu       sync.RWMutex
	samplers map[string]*logSampler
}

// logSampler lets burst messages through per maxFrequency window, then
// keeps one in 1/sampleRate of the rest.
type logSampler struct {
	name       string
	limiter    *rate.Limiter
	sampleRate float64

	seen    atomic.Int64
	logged  atomic.Int64
	dropped atomic.Int64
	skipped atomic.Int64 // since the last sampled message
}

// NewSampledLogger wraps base with no samplers configured.
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base: base,
		set:  &samplerSet{samplers: make(map[string]*logSampler)},
	}
}

// WithSampler configures category name: at most burst messages per maxFreq,
// then sampleRate (0 to 1) of the excess.
func (s *SampledLogger) WithSampler(name string, maxFreq time.Duration, burst int, sampleRate float64) *SampledLogger {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if maxFreq > 0 {
		limit = rate.Every(maxFreq)
	}

	s.set.mu.Lock()
	s.set.samplers[name] = &logSampler{
		name:       name,
		limiter:    rate.NewLimiter(limit, burst),
		sampleRate: sampleRate,
	}
	s.set.mu.Unlock()
	return s
}

func (s *SampledLogger) sampler(category string) *logSampler {
	s.set.mu.RLock()
	defer s.set.mu.RUnlock()
	return s.set.samplers[category]
}

func (ls *logSampler) allow(now time.Time) bool {
	ls.seen.Add(1)

	if ls.limiter.AllowN(now, 1) {
		ls.logged.Add(1)
		return true
	}

	if ls.sampleRate > 0 {
		every := int64(1 / ls.sampleRate)
		if every < 1 {
			every = 1
		}
		if ls.skipped.Add(1) >= every {
			ls.skipped.Store(0)
			ls.logged.Add(1)
			return true
		}
	}

	ls.dropped.Add(1)
	return false
}

func (s *SampledLogger) shouldLog(category string) bool {
	ls := s.sampler(category)
	if ls == nil {
		return true
	}
	return ls.allow(time.Now())
}

// CategoryLog logs msg at level unless category is being sampled out.
// Sampled messages carry the counters so readers can scale what they see.
func (s *SampledLogger) CategoryLog(level logrus.Level, category string, msg string, fields map[string]interface{}) {
	if !s.shouldLog(category) {
		return
	}

	if fields == nil {
		fields = make(map[string]interface{})
	}
	if ls := s.sampler(category); ls != nil {
		fields["_sampling_seen"] = ls.seen.Load()
		fields["_sampling_dropped"] = ls.dropped.Load()
	}
	s.base.WithFields(fields).Log(level, msg)
}

func (s *SampledLogger) withCategory(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["category"] = category
	s.CategoryLog(level, category, msg, fields)
}

// InfoWithCategory logs at info level, sampled by category.
func (s *SampledLogger) InfoWithCategory(category, msg string, fields map[string]interface{}) {
	s.withCategory(logrus.InfoLevel, category, msg, fields)
}

// DebugWithCategory logs at debug level, sampled by category.
func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.withCategory(logrus.DebugLevel, category, msg, fields)
}

// WarnWithCategory logs at warn level, sampled by category.
func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.withCategory(logrus.WarnLevel, category, msg, fields)
}

// ErrorWithCategory is never sampled.
func (s *SampledLogger) ErrorWithCategory(category, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["category"] = category
	s.base.WithFields(fields).Error(msg)
}

// SamplerStats holds the counters of one category.
type SamplerStats struct {
	Name    string  `json:"name"`
	Seen    int64   `json:"seen"`
	Logged  int64   `json:"logged"`
	Dropped int64   `json:"dropped"`
	Rate    float64 `json:"rate"`
}

// SamplerStats returns the counters of every configured category.
func (s *SampledLogger) SamplerStats() map[string]SamplerStats {
	s.set.mu.RLock()
	defer s.set.mu.RUnlock()

	stats := make(map[string]SamplerStats, len(s.set.samplers))
	for name, ls := range s.set.samplers {
		st := SamplerStats{
			Name:    name,
			Seen:    ls.seen.Load(),
			Logged:  ls.logged.Load(),
			Dropped: ls.dropped.Load(),
		}
		if st.Seen > 0 {
			st.Rate = float64(st.Logged) / float64(st.Seen)
		}
		stats[name] = st
	}
	return stats
}

// Decoder log categories
const (
	CategoryFrameDelivery = "frame_delivery"
	CategoryFrameDrop     = "frame_drop"
	CategorySubmit        = "submit"
	CategoryStartupGate   = "startup_gate"
	CategoryConvergence   = "convergence"
	CategoryInputQueue    = "input_queue"
	CategoryRestart       = "restart"
	CategoryMetrics       = "metrics"
)

// NewDecoderLogger creates a sampled logger tuned for per-frame decoder
// events. Restarts are rare and always logged.
func NewDecoderLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryFrameDelivery, 100*time.Millisecond, 5, 0.1).
		WithSampler(CategoryFrameDrop, 200*time.Millisecond, 3, 0.2).
		WithSampler(CategorySubmit, 50*time.Millisecond, 10, 0.05).
		WithSampler(CategoryStartupGate, 500*time.Millisecond, 2, 0.5).
		// keyframe-less streams hit the clamp on every access unit
		WithSampler(CategoryConvergence, time.Second, 1, 0).
		WithSampler(CategoryInputQueue, 500*time.Millisecond, 3, 1.0).
		WithSampler(CategoryMetrics, time.Second, 1, 1.0)
}

func (s *SampledLogger) derive(base Logger) *SampledLogger {
	return &SampledLogger{base: base, set: s.set}
}

func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.derive(s.base.WithFields(fields))
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return s.derive(s.base.WithField(key, value))
}

func (s *SampledLogger) WithError(err error) Logger {
	return s.derive(s.base.WithError(err))
}

func (s *SampledLogger) Debug(args ...interface{}) { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})  { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})  { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{}) { s.base.Error(args...) }
func (s *SampledLogger) Fatal(args ...interface{}) { s.base.Fatal(args...) }

func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) {
	s.base.Log(level, args...)
}

func (s *SampledLogger) Debugf(format string, args ...interface{}) { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})  { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})  { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{}) { s.base.Errorf(format, args...) }
