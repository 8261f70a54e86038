package mediacodec

import (
	"sync/atomic"
)

// OutputBuffer is a decoded MediaCodec output buffer. The codec gets the
// index back when the last reference is released; Render releases it to
// the output surface instead of discarding it.
type OutputBuffer struct {
	owner    *native
	index    int
	refs     atomic.Int32
	rendered atomic.Bool
}

func newOutputBuffer(owner *native, index int) *OutputBuffer {
	b := &OutputBuffer{owner: owner, index: index}
	b.refs.Store(1)
	return b
}

// Index returns the codec's output buffer index.
func (b *OutputBuffer) Index() int {
	return b.index
}

// Retain adds a reference.
func (b *OutputBuffer) Retain() {
	b.refs.Add(1)
}

// Render marks the buffer for display and drops the caller's reference.
func (b *OutputBuffer) Render() {
	b.rendered.Store(true)
	b.Release()
}

// Release drops a reference.
func (b *OutputBuffer) Release() {
	if b.refs.Add(-1) != 0 {
		return
	}

	n := b.owner
	n.mu.Lock()
	stale := n.released || n.invalidated
	n.mu.Unlock()
	if stale {
		return
	}

	if err := n.codec.ReleaseOutputBuffer(b.index, b.rendered.Load()); err != nil {
		n.backend.logger.WithError(err).WithField("index", b.index).Warn("releaseOutputBuffer failed")
	}
}
