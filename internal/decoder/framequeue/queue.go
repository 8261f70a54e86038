// Package framequeue holds decoded pictures in display order between the
// hardware completion path and the single consumer that renders them.
package framequeue

import (
	"fmt"
	"math"
	"sync"
)

// NoPTS marks a presentation time the decoder could not report.
const NoPTS int64 = math.MinInt64

// PixelFormat identifies the layout of a decoded image buffer.
type PixelFormat uint8

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatNV12VideoRange
	PixelFormatNV12FullRange
	PixelFormatUYVY422
	PixelFormatBGRA
)

// String returns the string representation of PixelFormat
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12VideoRange:
		return "nv12-video"
	case PixelFormatNV12FullRange:
		return "nv12-full"
	case PixelFormatUYVY422:
		return "uyvy422"
	case PixelFormatBGRA:
		return "bgra"
	default:
		return "unknown"
	}
}

// ImageBuffer is a reference counted native image. The queue holds exactly
// one reference per queued frame.
type ImageBuffer interface {
	Retain()
	Release()
}

// Frame is one decoded picture waiting for display.
type Frame struct {
	PTS         int64
	Width       int
	Height      int
	PixelFormat PixelFormat
	Buffer      ImageBuffer
}

// HasPTS reports whether the decoder supplied a presentation time.
func (f Frame) HasPTS() bool {
	return f.PTS != NoPTS
}

// String returns a short description for logging
func (f Frame) String() string {
	if !f.HasPTS() {
		return fmt.Sprintf("frame{pts=none %dx%d}", f.Width, f.Height)
	}
	return fmt.Sprintf("frame{pts=%d %dx%d}", f.PTS, f.Width, f.Height)
}

// Queue is a presentation-time ordered list of decoded frames. Insert is
// called from decoder completion goroutines, PopFront from the consumer.
type Queue struct {
	mu     sync.Mutex
	frames []Frame

	inserted uint64
	popped   uint64
	maxDepth int
}

// New creates an empty queue with room for capacity frames before growing.
func New(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{frames: make([]Frame, 0, capacity)}
}

// Insert places f at its display position. A frame goes in front of the
// first queued frame with a strictly greater PTS; frames with equal PTS stay
// in arrival order. Whenever either side of a comparison has no PTS the
// comparison is skipped, so frames without a PTS always go to the tail and
// never move ahead of anything already queued.
func (q *Queue) Insert(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.frames)
	if f.HasPTS() {
		for i, queued := range q.frames {
			if !queued.HasPTS() {
				continue
			}
			if queued.PTS > f.PTS {
				pos = i
				break
			}
		}
	}

	q.frames = append(q.frames, Frame{})
	copy(q.frames[pos+1:], q.frames[pos:])
	q.frames[pos] = f

	q.inserted++
	if len(q.frames) > q.maxDepth {
		q.maxDepth = len(q.frames)
	}
}

// PopFront removes and returns the head of the queue. The caller takes over
// the frame's buffer reference. An empty queue returns false.
func (q *Queue) PopFront() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}

	f := q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	q.popped++
	return f, true
}

// PeekFront returns the head without removing it.
func (q *Queue) PeekFront() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return Frame{}, false
	}
	return q.frames[0], true
}

// Drain empties the queue and releases every buffer reference it held.
// Buffers are released after the lock is dropped; native release can be slow.
func (q *Queue) Drain() int {
	q.mu.Lock()
	drained := q.frames
	q.frames = make([]Frame, 0, cap(drained))
	q.popped += uint64(len(drained))
	q.mu.Unlock()

	for _, f := range drained {
		if f.Buffer != nil {
			f.Buffer.Release()
		}
	}
	return len(drained)
}

// Depth returns the number of queued frames.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Depth    int    `json:"depth"`
	MaxDepth int    `json:"max_depth"`
	Inserted uint64 `json:"inserted"`
	Popped   uint64 `json:"popped"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Depth:    len(q.frames),
		MaxDepth: q.maxDepth,
		Inserted: q.inserted,
		Popped:   q.popped,
	}
}
