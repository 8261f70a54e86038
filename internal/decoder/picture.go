package decoder

import (
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
)

// PictureFlags annotate a handed out picture.
type PictureFlags uint32

const (
	// PictureDropped tells the renderer not to show the picture
	PictureDropped PictureFlags = 1 << iota
)

// ColorRange of the decoded samples.
type ColorRange uint8

const (
	ColorRangeLimited ColorRange = iota
	ColorRangeFull
)

// Picture is one decoded picture handed to the renderer. The renderer owns
// the buffer reference and returns it with Release.
type Picture struct {
	DTS           int64
	PTS           int64
	Width         int
	Height        int
	DisplayWidth  int
	DisplayHeight int
	ColorRange    ColorRange
	ColorMatrix   string
	ColorTransfer string
	PixelFormat   framequeue.PixelFormat
	Buffer        framequeue.ImageBuffer
	Flags         PictureFlags
}

// Dropped reports whether the picture must not be displayed.
func (p *Picture) Dropped() bool {
	return p.Flags&PictureDropped != 0
}

// Release returns the buffer reference. Safe to call more than once.
func (p *Picture) Release() {
	if p.Buffer != nil {
		p.Buffer.Release()
		p.Buffer = nil
	}
}
