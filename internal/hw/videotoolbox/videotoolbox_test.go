package videotoolbox

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/paramsets"
	"github.com/zsiec/hwdec/internal/decoder/session"
)

type fakePixelBuffer struct {
	width, height int
	format        uint32
	released      bool
}

func (p *fakePixelBuffer) Retain()             {}
func (p *fakePixelBuffer) Release()            { p.released = true }
func (p *fakePixelBuffer) Width() int          { return p.width }
func (p *fakePixelBuffer) Height() int         { return p.height }
func (p *fakePixelBuffer) PixelFormat() uint32 { return p.format }

type decodeCall struct {
	sample []byte
	timing SampleTiming
	flags  uint32
}

// fakeSession queues decodes and emits them from WaitForAsynchronousFrames,
// the way VideoToolbox flushes asynchronous output.
type fakeSession struct {
	attrs DestinationAttributes
	cb    OutputCallback

	mu          sync.Mutex
	decodes     []decodeCall
	pending     []decodeCall
	status      Status
	invalidated bool
	block       chan struct{}
}

func (s *fakeSession) DecodeFrame(sample []byte, timing SampleTiming, flags uint32) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOK {
		return s.status
	}
	call := decodeCall{sample: sample, timing: timing, flags: flags}
	s.decodes = append(s.decodes, call)
	s.pending = append(s.pending, call)
	return StatusOK
}

func (s *fakeSession) WaitForAsynchronousFrames() Status {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, call := range pending {
		s.cb(StatusOK, 0, &fakePixelBuffer{width: s.attrs.Width, height: s.attrs.Height, format: s.attrs.PixelFormat}, call.timing.PTS, 0)
	}
	return StatusOK
}

func (s *fakeSession) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
}

type fakeAPI struct {
	createStatus Status
	desc         FormatDescription
	session      *fakeSession
}

func (a *fakeAPI) CreateDecompressionSession(desc FormatDescription, attrs DestinationAttributes, cb OutputCallback) (DecompressionSession, Status) {
	if a.createStatus != StatusOK {
		return nil, a.createStatus
	}
	a.desc = desc
	a.session = &fakeSession{attrs: attrs, cb: cb}
	return a.session, StatusOK
}

func testFormat() session.Format {
	return session.Format{
		Codec:  bitstream.CodecH264,
		Width:  1920,
		Height: 1080,
		Sets:   paramsets.Sets{SPS: [][]byte{{0x67, 0x4d, 0x00, 0x28}}, PPS: [][]byte{{0x68, 0xee, 0x3c, 0x80}}},
	}
}

func TestStatusError(t *testing.T) {
	assert.Contains(t, StatusInvalidSession.Error(), "-12903")
	assert.Contains(t, Status(-1).Error(), "-1")
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{status: StatusInvalidSession, want: session.ErrBadSession},
		{status: StatusDecoderMalfunction, want: session.ErrTransientDecoderFault},
	}
	for _, tt := range tests {
		err := translate(tt.status)
		assert.ErrorIs(t, err, tt.want)
		assert.ErrorIs(t, err, tt.status)
	}

	assert.NoError(t, translate(StatusOK))

	// Anything else is fatal once classified
	err := session.Classify(translate(StatusBadData))
	assert.ErrorIs(t, err, session.ErrFatal)
	assert.ErrorIs(t, err, StatusBadData)
}

func TestOutputSize(t *testing.T) {
	w, h := OutputSize(3840, 2160, 1920)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h = OutputSize(1280, 720, 1920)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	w, h = OutputSize(3840, 2160, 0)
	assert.Equal(t, 3840, w)
	assert.Equal(t, 2160, h)
}

func TestBackend_Create(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		_, err := New(nil, Options{}, nil).Create(context.Background(), testFormat(), session.OutputPreferences{}, nil)
		assert.Error(t, err)
	})

	t.Run("unsupported codec", func(t *testing.T) {
		f := testFormat()
		f.Codec = bitstream.CodecVP9
		_, err := New(&fakeAPI{}, Options{}, nil).Create(context.Background(), f, session.OutputPreferences{}, nil)
		assert.ErrorIs(t, err, StatusCouldNotFindDecoder)
	})

	t.Run("missing parameter sets", func(t *testing.T) {
		f := testFormat()
		f.Sets = paramsets.Sets{}
		_, err := New(&fakeAPI{}, Options{}, nil).Create(context.Background(), f, session.OutputPreferences{}, nil)
		assert.ErrorIs(t, err, session.ErrParameterSetUnavailable)
	})

	t.Run("create status", func(t *testing.T) {
		api := &fakeAPI{createStatus: StatusCouldNotFindDecoder}
		_, err := New(api, Options{}, nil).Create(context.Background(), testFormat(), session.OutputPreferences{}, nil)
		assert.ErrorIs(t, err, StatusCouldNotFindDecoder)
	})

	t.Run("attributes", func(t *testing.T) {
		api := &fakeAPI{}
		b := New(api, Options{WidthClamp: 1280, TemporalProcessing: true}, nil)
		prefs := session.OutputPreferences{PixelFormat: framequeue.PixelFormatNV12FullRange}
		n, err := b.Create(context.Background(), testFormat(), prefs, func(session.Completion) {})
		require.NoError(t, err)
		defer n.Invalidate()

		assert.Equal(t, 4, api.desc.NALLengthSize)
		assert.Len(t, api.desc.ParameterSets, 2)
		assert.Equal(t, PixelFormat420BiPlanarFullRange, api.session.attrs.PixelFormat)
		assert.Equal(t, 1280, api.session.attrs.Width)
		assert.Equal(t, 720, api.session.attrs.Height)
	})

	t.Run("uyvy output", func(t *testing.T) {
		api := &fakeAPI{}
		n, err := New(api, Options{UYVY: true}, nil).Create(context.Background(), testFormat(), session.OutputPreferences{}, func(session.Completion) {})
		require.NoError(t, err)
		defer n.Invalidate()
		assert.Equal(t, PixelFormat422YpCbCr8, api.session.attrs.PixelFormat)
	})
}

func TestNative_SubmitAndDeliver(t *testing.T) {
	api := &fakeAPI{}
	b := New(api, Options{TemporalProcessing: true}, nil)

	var got []session.Completion
	n, err := b.Create(context.Background(), testFormat(), session.OutputPreferences{}, func(c session.Completion) {
		got = append(got, c)
	})
	require.NoError(t, err)
	defer n.Invalidate()

	au := bitstream.JoinAnnexB([][]byte{{0x65, 0x88, 0x84}, {0x41, 0x9a}})
	require.NoError(t, n.Submit(session.AccessUnit{Data: au, DTS: 10, PTS: 20}))

	call := api.session.decodes[0]
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(call.sample))
	assert.Equal(t, SampleTiming{DTS: 10, PTS: 20}, call.timing)
	assert.Equal(t, decodeFlagEnableTemporalProcessing, call.flags)

	require.NoError(t, n.WaitForAsynchronousFrames(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, int64(20), got[0].PTS)
	assert.Equal(t, 1920, got[0].Width)
	assert.Equal(t, framequeue.PixelFormatNV12VideoRange, got[0].PixelFormat)
	assert.NotNil(t, got[0].Buffer)
}

func TestNative_SubmitErrors(t *testing.T) {
	api := &fakeAPI{}
	n, err := New(api, Options{}, nil).Create(context.Background(), testFormat(), session.OutputPreferences{}, func(session.Completion) {})
	require.NoError(t, err)
	defer n.Invalidate()

	assert.ErrorIs(t, n.Submit(session.AccessUnit{}), StatusBadData)

	au := bitstream.JoinAnnexB([][]byte{{0x65, 0x88}})
	api.session.status = StatusInvalidSession
	assert.ErrorIs(t, n.Submit(session.AccessUnit{Data: au}), session.ErrBadSession)

	api.session.status = StatusDecoderMalfunction
	assert.ErrorIs(t, n.Submit(session.AccessUnit{Data: au}), session.ErrTransientDecoderFault)
}

func TestNative_CallbackEdgeCases(t *testing.T) {
	api := &fakeAPI{}
	var got []session.Completion
	n, err := New(api, Options{}, nil).Create(context.Background(), testFormat(), session.OutputPreferences{}, func(c session.Completion) {
		got = append(got, c)
	})
	require.NoError(t, err)
	defer n.Invalidate()

	cb := api.session.cb
	cb(StatusBadData, 0, nil, 1, 0)
	cb(StatusOK, 0, nil, 2, 0)
	img := &fakePixelBuffer{width: 640, height: 360, format: PixelFormat422YpCbCr8}
	cb(StatusOK, DecodeInfoFrameDropped, img, 3, 1000)

	require.Len(t, got, 3)
	assert.ErrorIs(t, got[0].Err, StatusBadData)
	assert.Nil(t, got[1].Buffer)
	assert.Equal(t, img, got[2].Buffer)
	assert.Equal(t, framequeue.PixelFormatUYVY422, got[2].PixelFormat)
	assert.Equal(t, int64(1000), got[2].Duration)
}

func TestNative_WaitHonoursContext(t *testing.T) {
	api := &fakeAPI{}
	n, err := New(api, Options{}, nil).Create(context.Background(), testFormat(), session.OutputPreferences{}, func(session.Completion) {})
	require.NoError(t, err)

	api.session.block = make(chan struct{})
	defer close(api.session.block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(n.WaitForAsynchronousFrames(ctx), context.DeadlineExceeded))

	n.Invalidate()
	n.Invalidate()
	assert.True(t, api.session.invalidated)
}

func TestBackend_WithSessionManager(t *testing.T) {
	api := &fakeAPI{}
	m := session.NewManager(New(api, Options{}, nil), time.Second, nil)

	var mu sync.Mutex
	var delivered []int64
	s, err := m.Create(context.Background(), testFormat(), session.PreferencesFor(testFormat()), func(c session.Completion) {
		mu.Lock()
		delivered = append(delivered, c.PTS)
		mu.Unlock()
		c.Buffer.Release()
	})
	require.NoError(t, err)

	au := bitstream.JoinAnnexB([][]byte{{0x65, 0x88}})
	for _, pts := range []int64{0, 3000, 1000, 2000} {
		require.NoError(t, m.Submit(s, session.AccessUnit{Data: au, PTS: pts}))
	}

	api.session.status = StatusInvalidSession
	assert.ErrorIs(t, m.Submit(s, session.AccessUnit{Data: au}), session.ErrBadSession)

	// Destroy flushes the pending output before invalidating
	m.Destroy(context.Background(), s)
	assert.Equal(t, []int64{0, 3000, 1000, 2000}, delivered)
	assert.True(t, api.session.invalidated)
}
