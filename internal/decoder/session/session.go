package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/zsiec/hwdec/internal/errors"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/metrics"
)

// DefaultDestroyTimeout bounds how long Destroy waits on the platform for
// outstanding frames.
const DefaultDestroyTimeout = 2 * time.Second

// Info is a point-in-time description of a live session.
type Info struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend"`
	Codec        string    `json:"codec"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	HDR          string    `json:"hdr"`
	CreatedAt    time.Time `json:"created_at"`
	Submitted    uint64    `json:"submitted"`
	Completed    uint64    `json:"completed"`
	Dropped      uint64    `json:"dropped"`
	SubmitErrors uint64    `json:"submit_errors"`
}

// Session is one native decode session plus the guard that keeps completion
// delivery and destruction apart.
type Session struct {
	id        string
	backend   string
	format    Format
	createdAt time.Time
	native    Native
	deliver   CompletionFunc
	logger    logger.Logger

	// cbMu.RLock is held while registering a delivery in active; Destroy
	// flips closed under the write lock, after which no delivery starts.
	cbMu   sync.RWMutex
	closed bool
	active sync.WaitGroup

	destroyOnce sync.Once

	submitted    atomic.Uint64
	completed    atomic.Uint64
	dropped      atomic.Uint64
	submitErrors atomic.Uint64
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Backend returns the name of the backend that built the session.
func (s *Session) Backend() string {
	return s.backend
}

// Format returns the format the session was created for.
func (s *Session) Format() Format {
	return s.format
}

// Info returns a snapshot of the session's counters.
func (s *Session) Info() Info {
	return Info{
		ID:           s.id,
		Backend:      s.backend,
		Codec:        s.format.Codec.String(),
		Width:        s.format.Width,
		Height:       s.format.Height,
		HDR:          s.format.HDR.String(),
		CreatedAt:    s.createdAt,
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Dropped:      s.dropped.Load(),
		SubmitErrors: s.submitErrors.Load(),
	}
}

// Closed reports whether Destroy has started.
func (s *Session) Closed() bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.closed
}

func (s *Session) onCompletion(c Completion) {
	s.cbMu.RLock()
	if s.closed {
		s.cbMu.RUnlock()
		s.discard(c, "late")
		return
	}
	s.active.Add(1)
	s.cbMu.RUnlock()
	defer s.active.Done()

	if c.Err != nil {
		s.discard(c, "error")
		return
	}
	if c.Buffer == nil {
		s.discard(c, "no_buffer")
		return
	}

	s.completed.Add(1)
	metrics.RecordCompletion(s.backend)
	s.deliver(c)
}

func (s *Session) discard(c Completion, reason string) {
	if c.Buffer != nil {
		c.Buffer.Release()
	}
	s.dropped.Add(1)
	metrics.RecordCompletionDropped(s.backend, reason)
}

// Manager creates and destroys sessions on one backend and keeps the set of
// live sessions for status reporting.
type Manager struct {
	backend        Backend
	destroyTimeout time.Duration
	logger         logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager for backend.
func NewManager(backend Backend, destroyTimeout time.Duration, log logger.Logger) *Manager {
	if destroyTimeout <= 0 {
		destroyTimeout = DefaultDestroyTimeout
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Manager{
		backend:        backend,
		destroyTimeout: destroyTimeout,
		logger:         log.WithField("component", "session_manager").WithField("backend", backend.Name()),
		sessions:       make(map[string]*Session),
	}
}

// BackendName returns the name of the managed backend.
func (m *Manager) BackendName() string {
	return m.backend.Name()
}

// Create builds a native session for format. deliver receives every
// completion that carries a picture until the session is destroyed.
func (m *Manager) Create(ctx context.Context, format Format, prefs OutputPreferences, deliver CompletionFunc) (*Session, error) {
	s := &Session{
		id:        uuid.New().String(),
		backend:   m.backend.Name(),
		format:    format,
		createdAt: time.Now(),
		deliver:   deliver,
	}
	s.logger = m.logger.WithField("session_id", s.id)

	native, err := m.backend.Create(ctx, format, prefs, s.onCompletion)
	if err != nil {
		metrics.SessionCreateFailed(s.backend)
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"codec":  format.Codec.String(),
			"width":  format.Width,
			"height": format.Height,
		}).Warn("Failed to create hardware session")
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionCreateFailed, s.backend, err)
	}
	s.native = native

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	metrics.SessionCreated(s.backend)
	s.logger.WithFields(map[string]interface{}{
		"codec":        format.Codec.String(),
		"width":        format.Width,
		"height":       format.Height,
		"pixel_format": prefs.PixelFormat.String(),
		"hdr":          format.HDR.String(),
	}).Info("Hardware session created")

	return s, nil
}

// Submit hands au to the session. Errors are classified into ErrBadSession,
// ErrTransientDecoderFault or ErrFatal.
func (m *Manager) Submit(s *Session, au AccessUnit) error {
	if s == nil || s.Closed() {
		return fmt.Errorf("%w: session destroyed", ErrBadSession)
	}

	s.submitted.Add(1)
	metrics.RecordSubmission(s.backend)

	if err := s.native.Submit(au); err != nil {
		err = Classify(err)
		s.submitErrors.Add(1)
		metrics.RecordSubmitError(s.backend, string(apperrors.TypeOf(err)))
		return err
	}
	return nil
}

// Classify maps a backend error onto the decoder taxonomy. Anything not
// already tagged is fatal.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBadSession),
		errors.Is(err, ErrTransientDecoderFault),
		errors.Is(err, ErrFatal):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
}

// Flush waits for the session's outstanding frames without destroying it.
func (m *Manager) Flush(ctx context.Context, s *Session) error {
	if s == nil || s.Closed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.destroyTimeout)
	defer cancel()
	return s.native.WaitForAsynchronousFrames(ctx)
}

// Destroy waits for in-flight completions, then invalidates the native
// session. No completion is delivered after Destroy returns. Destroy is
// idempotent and accepts nil.
func (m *Manager) Destroy(ctx context.Context, s *Session) {
	if s == nil {
		return
	}

	s.destroyOnce.Do(func() {
		start := time.Now()

		waitCtx, cancel := context.WithTimeout(ctx, m.destroyTimeout)
		if err := s.native.WaitForAsynchronousFrames(waitCtx); err != nil {
			s.logger.WithError(err).Warn("Timed out waiting for asynchronous frames")
			metrics.IncrementContextCancellation("session", "destroy_wait")
		}
		cancel()

		s.cbMu.Lock()
		s.closed = true
		s.cbMu.Unlock()

		s.active.Wait()
		s.native.Invalidate()

		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()

		wait := time.Since(start)
		metrics.SessionDestroyed(s.backend, wait.Seconds())
		s.logger.WithFields(map[string]interface{}{
			"submitted": s.submitted.Load(),
			"completed": s.completed.Load(),
			"dropped":   s.dropped.Load(),
			"wait_ms":   wait.Milliseconds(),
		}).Info("Hardware session destroyed")
	})
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
