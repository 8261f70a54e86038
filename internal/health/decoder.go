package health

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zsiec/hwdec/internal/registry"
)

// BackendLister reports the decode backends usable in this process.
type BackendLister interface {
	Available() []string
}

// BackendChecker is down without any decode backend and degraded when only
// the software decoder is left.
type BackendChecker struct {
	lister   BackendLister
	software string
}

// NewBackendChecker creates a backend checker. software names the backend
// that does not count as hardware.
func NewBackendChecker(lister BackendLister, software string) *BackendChecker {
	return &BackendChecker{lister: lister, software: software}
}

// Name returns the name of the checker.
func (b *BackendChecker) Name() string {
	return "decoder_backends"
}

// Check inspects the available backends.
func (b *BackendChecker) Check(ctx context.Context) error {
	available := b.lister.Available()
	if len(available) == 0 {
		return fmt.Errorf("no decoder backend available")
	}
	for _, name := range available {
		if name != b.software {
			return nil
		}
	}
	return Degraded("only the software decoder is available")
}

// Details implements DetailReporter.
func (b *BackendChecker) Details() map[string]interface{} {
	return map[string]interface{}{"backends": b.lister.Available()}
}

// DecoderChecker reports degraded while any registered decoder has failed.
type DecoderChecker struct {
	registry registry.Registry

	mu   sync.Mutex
	last map[string]interface{}
}

// NewDecoderChecker creates a checker over the decoder registry.
func NewDecoderChecker(reg registry.Registry) *DecoderChecker {
	return &DecoderChecker{registry: reg}
}

// Name returns the name of the checker.
func (d *DecoderChecker) Name() string {
	return "decoders"
}

// Check lists the registered decoders.
func (d *DecoderChecker) Check(ctx context.Context) error {
	decoders, err := d.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list decoders: %w", err)
	}

	var failed []string
	var restarts uint64
	for _, dec := range decoders {
		restarts += dec.Stats.Restarts
		if dec.Stats.LastError != "" {
			failed = append(failed, dec.ID)
		}
	}
	d.mu.Lock()
	d.last = map[string]interface{}{
		"decoders": len(decoders),
		"restarts": restarts,
	}
	d.mu.Unlock()

	if len(failed) > 0 {
		return Degraded(fmt.Sprintf("decoders in error: %s", strings.Join(failed, ", ")))
	}
	return nil
}

// Details implements DetailReporter. It reports the figures of the last
// Check.
func (d *DecoderChecker) Details() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
