package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/hwdec/internal/logger"
)

// Status represents the health status of a component.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DefaultCheckTimeout bounds a single checker run.
const DefaultCheckTimeout = 5 * time.Second

// Check represents a health check result.
type Check struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"-"`
	DurationMS  float64                `json:"duration_ms"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Checker is the interface that health checkers must implement.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// DetailReporter is implemented by checkers that attach details to their
// result.
type DetailReporter interface {
	Details() map[string]interface{}
}

// DegradedError marks a check that still works but not at full capability.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

// Degraded returns a DegradedError.
func Degraded(reason string) error {
	return &DegradedError{Reason: reason}
}

// Manager manages health checks.
type Manager struct {
	checkers []Checker
	results  map[string]*Check
	timeout  time.Duration
	mu       sync.RWMutex
	logger   logger.Logger
}

// NewManager creates a new health check manager.
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Manager{
		checkers: make([]Checker, 0),
		results:  make(map[string]*Check),
		timeout:  DefaultCheckTimeout,
		logger:   log.WithField("component", "health"),
	}
}

// Register adds a new health checker.
func (m *Manager) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
	m.logger.WithField("checker", checker.Name()).Debug("Registered health checker")
}

func (m *Manager) run(ctx context.Context, c Checker) *Check {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)
	duration := time.Since(start)

	check := &Check{
		Name:        c.Name(),
		Status:      StatusOK,
		LastChecked: time.Now(),
		Duration:    duration,
		DurationMS:  float64(duration.Milliseconds()),
	}
	if r, ok := c.(DetailReporter); ok {
		check.Details = r.Details()
	}

	var degraded *DegradedError
	switch {
	case err == nil:
		m.logger.WithField("checker", c.Name()).Debug("Health check passed")
	case errors.As(err, &degraded):
		check.Status = StatusDegraded
		check.Message = degraded.Reason
		m.logger.WithField("checker", c.Name()).WithField("reason", degraded.Reason).Warn("Health check degraded")
	default:
		check.Status = StatusDown
		check.Message = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			check.Message = "Health check timed out"
		}
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"checker":  c.Name(),
			"duration": duration,
		}).Error("Health check failed")
	}
	return check
}

// RunChecks executes all registered health checks concurrently.
func (m *Manager) RunChecks(ctx context.Context) map[string]*Check {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	resultsChan := make(chan *Check, len(checkers))
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			resultsChan <- m.run(ctx, c)
		}(checker)
	}
	wg.Wait()
	close(resultsChan)

	results := make(map[string]*Check, len(checkers))
	m.mu.Lock()
	for check := range resultsChan {
		results[check.Name] = check
		m.results[check.Name] = check
	}
	m.mu.Unlock()
	return results
}

// GetResults returns copies of the latest health check results.
func (m *Manager) GetResults() map[string]*Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]*Check, len(m.results))
	for k, v := range m.results {
		checkCopy := *v
		results[k] = &checkCopy
	}
	return results
}

// GetOverallStatus folds the latest results: any down check is down, any
// degraded one degraded. No results at all counts as down.
func (m *Manager) GetOverallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.results) == 0 {
		return StatusDown
	}

	overall := StatusOK
	for _, check := range m.results {
		switch check.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// StartPeriodicChecks runs the checks every interval until ctx is done.
func (m *Manager) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			m.RunChecks(ctx)
		case <-ctx.Done():
			m.logger.Info("Stopping periodic health checks")
			return
		}
	}
}
