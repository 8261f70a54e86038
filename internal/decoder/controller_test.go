package decoder

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/framequeue"
	"github.com/zsiec/hwdec/internal/decoder/session"
	"github.com/zsiec/hwdec/internal/decoder/synth"
)

type testBuffer struct {
	outstanding *atomic.Int64
	released    atomic.Bool
}

func (b *testBuffer) Retain() {}

func (b *testBuffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.outstanding.Add(-1)
	}
}

// fakeNative delivers a completion synchronously from Submit unless hold is
// set, in which case frames are delivered by WaitForAsynchronousFrames.
type fakeNative struct {
	backend  *fakeBackend
	format   session.Format
	complete session.CompletionFunc

	mu          sync.Mutex
	submitted   []session.AccessUnit
	held        []session.AccessUnit
	errs        []error
	hold        bool
	invalidated bool
}

func (n *fakeNative) Submit(au session.AccessUnit) error {
	n.mu.Lock()
	if len(n.errs) > 0 {
		err := n.errs[0]
		n.errs = n.errs[1:]
		n.mu.Unlock()
		return err
	}
	n.submitted = append(n.submitted, au)
	if n.hold {
		n.held = append(n.held, au)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.deliver(au)
	return nil
}

func (n *fakeNative) deliver(au session.AccessUnit) {
	n.backend.outstanding.Add(1)
	n.complete(session.Completion{
		Buffer: &testBuffer{outstanding: &n.backend.outstanding},
		PTS:    au.PTS,
		Width:  n.format.Width,
		Height: n.format.Height,
	})
}

func (n *fakeNative) WaitForAsynchronousFrames(ctx context.Context) error {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.mu.Unlock()

	for _, au := range held {
		n.deliver(au)
	}
	return nil
}

func (n *fakeNative) Invalidate() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invalidated = true
}

func (n *fakeNative) failNext(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, errs...)
}

func (n *fakeNative) submissions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.submitted)
}

type fakeBackend struct {
	outstanding atomic.Int64

	mu        sync.Mutex
	createErr error
	hold      bool
	natives   []*fakeNative
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(ctx context.Context, format session.Format, prefs session.OutputPreferences, onComplete session.CompletionFunc) (session.Native, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	n := &fakeNative{backend: b, format: format, complete: onComplete, hold: b.hold}
	b.natives = append(b.natives, n)
	return n, nil
}

func (b *fakeBackend) creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.natives)
}

func (b *fakeBackend) last() *fakeNative {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.natives[len(b.natives)-1]
}

func (b *fakeBackend) submissions() int {
	b.mu.Lock()
	natives := append([]*fakeNative(nil), b.natives...)
	b.mu.Unlock()

	total := 0
	for _, n := range natives {
		total += n.submissions()
	}
	return total
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RestartInterval = time.Hour
	return opts
}

func newTestController(t *testing.T, opts Options) (*Controller, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	c := New(session.NewManager(b, time.Second, nil), opts, nil)
	t.Cleanup(func() { c.Dispose(context.Background()) })
	return c, b
}

// Streams opened with avcC/hvcC extradata carry length prefixed samples.
func h264Stream(refs uint32) *synth.Stream {
	s := synth.NewH264Stream(synth.H264Params{Width: 1280, Height: 720, MaxNumRefFrames: refs}, 30)
	s.LengthSize = 4
	return s
}

func hevcStream(gop int) *synth.Stream {
	s := synth.NewHEVCStream(gop)
	s.LengthSize = 4
	return s
}

func h264Hints(s *synth.Stream) Hints {
	return Hints{Codec: bitstream.CodecH264, Width: 1280, Height: 720, Extradata: s.Extradata()}
}

func lengthPrefixed(nals ...[]byte) []byte {
	return bitstream.AnnexBToLengthPrefixed(bitstream.JoinAnnexB(nals))
}

func idr() []byte {
	return lengthPrefixed([]byte{0x65, 0x88, 0x84, 0x21})
}

func slice() []byte {
	return lengthPrefixed([]byte{0x41, 0x9a, 0x02, 0x10})
}

func openH264(t *testing.T, opts Options, refs uint32) (*Controller, *fakeBackend) {
	t.Helper()
	c, b := newTestController(t, opts)
	require.NoError(t, c.Open(context.Background(), h264Hints(h264Stream(refs))))
	return c, b
}

func TestController_Open(t *testing.T) {
	c, b := openH264(t, testOptions(), 3)

	assert.Equal(t, 1, b.creates())
	assert.Equal(t, StateConfigured, c.State())
	assert.Equal(t, "fake-h264", c.Name())
	assert.Equal(t, 9, c.QueueDepthTarget())

	assert.ErrorIs(t, c.Open(context.Background(), h264Hints(h264Stream(3))), ErrAlreadyOpen)
}

func TestController_OpenRejections(t *testing.T) {
	spsHints := func(p synth.H264Params) Hints {
		p.Width, p.Height = 1280, 720
		s := synth.NewH264Stream(p, 30)
		return h264Hints(s)
	}

	tests := []struct {
		name   string
		hints  Hints
		mutate func(o *Options)
	}{
		{name: "zero width", hints: Hints{Codec: bitstream.CodecH264, Height: 720}},
		{name: "non NAL codec", hints: Hints{Codec: bitstream.CodecVP9, Width: 1280, Height: 720}},
		{
			name:   "interlaced hint",
			hints:  Hints{Codec: bitstream.CodecH264, Width: 1920, Height: 1080, Interlaced: true},
			mutate: func(o *Options) { o.RejectInterlaced = true },
		},
		{name: "hevc hdr", hints: Hints{Codec: bitstream.CodecHEVC, Width: 3840, Height: 2160, HDR: session.HDR10}},
		{name: "high 4:2:2", hints: spsHints(synth.H264Params{ProfileIdc: bitstream.H264ProfileHigh422, MaxNumRefFrames: 2})},
		{name: "high 10 intra", hints: spsHints(synth.H264Params{ProfileIdc: bitstream.H264ProfileHigh10, ConstraintFlags: 0x10})},
		{name: "main at 3.2 with 5 refs", hints: spsHints(synth.H264Params{ProfileIdc: bitstream.H264ProfileMain, LevelIdc: 32, MaxNumRefFrames: 5})},
		{
			name:   "interlaced sps",
			hints:  spsHints(synth.H264Params{MaxNumRefFrames: 2, Interlaced: true}),
			mutate: func(o *Options) { o.RejectInterlaced = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			c, b := newTestController(t, opts)

			err := c.Open(context.Background(), tt.hints)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
			assert.Equal(t, 0, b.creates())
			assert.Equal(t, StateUninitialized, c.State())
		})
	}
}

func TestController_OpenAcceptsAllowedVariants(t *testing.T) {
	t.Run("main at 3.2 with 4 refs", func(t *testing.T) {
		c, _ := newTestController(t, testOptions())
		s := synth.NewH264Stream(synth.H264Params{Width: 1280, Height: 720, LevelIdc: 32, MaxNumRefFrames: 4}, 30)
		assert.NoError(t, c.Open(context.Background(), h264Hints(s)))
	})

	t.Run("hevc hdr when allowed", func(t *testing.T) {
		opts := testOptions()
		opts.AllowHEVCHDR = true
		c, _ := newTestController(t, opts)
		s := hevcStream(30)
		hints := Hints{Codec: bitstream.CodecHEVC, Width: 3840, Height: 2160, HDR: session.HLG, Extradata: s.Extradata()}
		assert.NoError(t, c.Open(context.Background(), hints))
	})

	t.Run("interlaced hint when not rejected", func(t *testing.T) {
		c, _ := newTestController(t, testOptions())
		hints := h264Hints(h264Stream(2))
		hints.Interlaced = true
		assert.NoError(t, c.Open(context.Background(), hints))
	})
}

func TestController_QueueDepthTargetFromSPS(t *testing.T) {
	tests := []struct {
		name string
		refs uint32
		want int
	}{
		{name: "zero refs counts as two", refs: 0, want: 9},
		{name: "one ref uses minimum", refs: 1, want: 9},
		{name: "six refs", refs: 6, want: 11},
		{name: "capped", refs: 15, want: 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := openH264(t, testOptions(), tt.refs)
			assert.Equal(t, tt.want, c.QueueDepthTarget())
		})
	}
}

func TestController_AdmissionThreshold(t *testing.T) {
	opts := testOptions()
	opts.MinQueueDepth = 4
	opts.QueueDepthPadding = 0
	c, b := openH264(t, opts, 3)
	require.Equal(t, 4, c.QueueDepthTarget())
	ctx := context.Background()

	assert.Equal(t, ResultNeedInput, c.Decode(ctx, idr(), 0, 0))
	for i := 1; i < 7; i++ {
		assert.Equal(t, ResultNeedInput, c.Decode(ctx, slice(), int64(i), int64(i)*1000))
	}
	assert.Equal(t, ResultPictureAvailable, c.Decode(ctx, slice(), 7, 7000))
	assert.Equal(t, 8, b.submissions())

	// Nothing popped: the next call still reports pictures
	assert.Equal(t, ResultPictureAvailable, c.Decode(ctx, nil, 0, 0))

	pic, err := c.GetPicture()
	require.NoError(t, err)
	pic.Release()
	assert.Equal(t, ResultNeedInput, c.Decode(ctx, nil, 0, 0))
}

func TestController_StartupDiscard(t *testing.T) {
	t.Run("non keyframes before the first keyframe", func(t *testing.T) {
		c, b := openH264(t, testOptions(), 2)
		for i := 0; i < 10; i++ {
			assert.Equal(t, ResultNeedInput, c.Decode(context.Background(), slice(), int64(i), int64(i)))
		}
		assert.Equal(t, 0, b.submissions())
		assert.Equal(t, uint64(10), c.Stats().Discarded)
		assert.False(t, c.Stats().Started)
	})

	t.Run("gate lifts after the limit", func(t *testing.T) {
		opts := testOptions()
		opts.StartupDiscardLimit = 4
		c, b := openH264(t, opts, 2)
		for i := 0; i < 6; i++ {
			c.Decode(context.Background(), slice(), int64(i), int64(i))
		}
		assert.Equal(t, 3, b.submissions())
		assert.Equal(t, uint64(3), c.Stats().Discarded)
	})

	t.Run("keyframe opens the gate", func(t *testing.T) {
		c, b := openH264(t, testOptions(), 2)
		ctx := context.Background()
		c.Decode(ctx, slice(), 0, 0)
		c.Decode(ctx, idr(), 1, 1)
		c.Decode(ctx, slice(), 2, 2)
		assert.Equal(t, 2, b.submissions())
		assert.True(t, c.Stats().Started)
		assert.Equal(t, 2, c.ConvergeCount())
		assert.Equal(t, StateRunning, c.State())
	})
}

func TestController_LengthPrefixedKeyframe(t *testing.T) {
	// a 300 byte NAL has the length prefix 00 00 01 2c
	nal := bytes.Repeat([]byte{0x88}, 300)
	nal[0] = 0x65

	c, b := openH264(t, testOptions(), 2)
	c.Decode(context.Background(), lengthPrefixed(nal), 0, 0)

	require.Equal(t, 1, b.submissions())
	assert.True(t, c.Stats().Started)
	b.last().mu.Lock()
	au := b.last().submitted[0]
	b.last().mu.Unlock()
	assert.True(t, au.Keyframe)
	assert.Equal(t, bitstream.JoinAnnexB([][]byte{nal}), au.Data)
}

func TestController_ConvergenceClamp(t *testing.T) {
	opts := testOptions()
	opts.ConvergenceClamp = 3
	c, _ := openH264(t, opts, 2)
	ctx := context.Background()

	c.Decode(ctx, idr(), 0, 0)
	for i := 1; i < 6; i++ {
		c.Decode(ctx, slice(), int64(i), int64(i))
	}
	assert.Equal(t, 3, c.ConvergeCount())
}

func TestController_DisplayOrder(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()
	s := h264Stream(2)

	var want []int64
	for i := 0; i < 7; i++ {
		au := s.Next()
		want = append(want, au.PTS)
		c.Decode(ctx, au.Data, au.DTS, au.PTS)
	}

	var got []int64
	for {
		pic, err := c.GetPicture()
		if errors.Is(err, ErrNoPicture) {
			break
		}
		require.NoError(t, err)
		assert.False(t, pic.Dropped())
		assert.Equal(t, 1280, pic.DisplayWidth)
		got = append(got, pic.PTS)
		pic.Release()
	}

	assert.IsNonDecreasing(t, got)
	assert.ElementsMatch(t, want, got)
	assert.Equal(t, int64(0), b.outstanding.Load())
}

func TestController_AspectCorrection(t *testing.T) {
	c, _ := newTestController(t, testOptions())
	hints := h264Hints(h264Stream(2))
	hints.Width, hints.Height = 720, 576
	hints.Aspect = 16.0 / 9.0
	require.NoError(t, c.Open(context.Background(), hints))

	c.Decode(context.Background(), idr(), 0, 0)
	pic, err := c.GetPicture()
	require.NoError(t, err)
	defer pic.Release()

	assert.Equal(t, 720, pic.Width)
	assert.Equal(t, 720, pic.DisplayWidth)
	assert.Equal(t, 404, pic.DisplayHeight)
}

func TestController_DrainAndDropControls(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()
	c.Decode(ctx, idr(), 0, 0)

	c.SetCodecControl(ControlDrain)
	assert.Equal(t, ResultPictureAvailable, c.Decode(ctx, slice(), 1, 1000))
	assert.Equal(t, 1, b.submissions())

	c.SetCodecControl(ControlDrain | ControlDrop)
	pic, err := c.GetPicture()
	require.NoError(t, err)
	assert.True(t, pic.Dropped())
	pic.Release()

	assert.Equal(t, ResultNeedInput, c.Decode(ctx, slice(), 2, 2000))
	assert.Equal(t, 1, b.submissions())

	c.SetCodecControl(0)
	c.Decode(ctx, slice(), 3, 3000)
	pic, err = c.GetPicture()
	require.NoError(t, err)
	assert.False(t, pic.Dropped())
	pic.Release()
}

func TestController_WaitForFrames(t *testing.T) {
	c, b := newTestController(t, testOptions())
	b.hold = true
	require.NoError(t, c.Open(context.Background(), h264Hints(h264Stream(2))))
	ctx := context.Background()

	c.Decode(ctx, idr(), 0, 0)
	c.Decode(ctx, slice(), 1, 2000)
	c.Decode(ctx, slice(), 2, 1000)
	assert.Equal(t, 0, c.Stats().QueueDepth)

	require.NoError(t, c.WaitForFrames(ctx))
	assert.Equal(t, 3, c.Stats().QueueDepth)

	c.SetCodecControl(ControlDrain)
	var order []int64
	for c.Decode(ctx, nil, 0, 0) == ResultPictureAvailable {
		pic, err := c.GetPicture()
		require.NoError(t, err)
		order = append(order, pic.PTS)
		pic.Release()
	}
	assert.Equal(t, []int64{0, 1000, 2000}, order)
	assert.Equal(t, int64(0), b.outstanding.Load())
}

func TestController_RestartSuppression(t *testing.T) {
	c, b := newTestController(t, testOptions())
	b.hold = true
	require.NoError(t, c.Open(context.Background(), h264Hints(h264Stream(2))))
	ctx := context.Background()

	assert.Equal(t, ResultNeedInput, c.Decode(ctx, idr(), 0, 400))
	b.last().failNext(session.ErrBadSession)

	// The held frame is flushed into the queue by the destroy, after the
	// restart target was taken from the empty queue.
	assert.Equal(t, ResultReopen, c.Decode(ctx, slice(), 1, 500))
	assert.Equal(t, 2, b.creates())
	assert.True(t, c.Stats().RestartPending)
	assert.False(t, c.Stats().Started)

	b.last().hold = false
	c.Decode(ctx, idr(), 2, 500)
	c.Decode(ctx, slice(), 3, 600)

	want := []struct {
		pts     int64
		dropped bool
	}{{400, true}, {500, true}, {600, false}}
	for _, w := range want {
		pic, err := c.GetPicture()
		require.NoError(t, err)
		assert.Equal(t, w.pts, pic.PTS)
		assert.Equal(t, w.dropped, pic.Dropped(), "pts %d", w.pts)
		pic.Release()
	}

	st := c.Stats()
	assert.False(t, st.RestartPending)
	assert.Equal(t, uint64(1), st.Restarts)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, int64(0), b.outstanding.Load())
}

func TestController_RestartTargetIsQueueHead(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()

	c.Decode(ctx, idr(), 0, 3000)
	c.Decode(ctx, slice(), 1, 1000)
	c.Decode(ctx, slice(), 2, 2000)

	b.last().failNext(session.ErrBadSession)
	require.Equal(t, ResultReopen, c.Decode(ctx, slice(), 3, 9000))

	c.Decode(ctx, idr(), 4, 4000)

	var flags []bool
	for {
		pic, err := c.GetPicture()
		if err != nil {
			break
		}
		flags = append(flags, pic.Dropped())
		pic.Release()
	}
	// 1000 is the target; 2000 and later are shown
	assert.Equal(t, []bool{true, false, false, false}, flags)
}

func TestController_RestartSuppressionTerminates(t *testing.T) {
	for _, target := range []int64{0, 2500, 5000, 7500, 10000} {
		c, b := openH264(t, testOptions(), 2)
		ctx := context.Background()
		b.last().failNext(session.ErrBadSession)
		require.Equal(t, ResultReopen, c.Decode(ctx, idr(), 0, target))

		// Frames around the target, delivered out of order
		for i, pts := range []int64{target + 1500, target - 1000, target, target + 500, framequeue.NoPTS} {
			c.Decode(ctx, idr(), int64(i), pts)
		}

		for i := 0; i < 5; i++ {
			pic, err := c.GetPicture()
			require.NoError(t, err)
			if pic.PTS != framequeue.NoPTS && pic.PTS > target {
				assert.False(t, pic.Dropped(), "pts %d after target %d", pic.PTS, target)
			}
			pic.Release()
		}
		assert.False(t, c.Stats().RestartPending)
	}
}

func TestController_SkippedTargetEndsSuppression(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()
	b.last().failNext(session.ErrBadSession)
	require.Equal(t, ResultReopen, c.Decode(ctx, idr(), 0, 500))

	c.Decode(ctx, idr(), 1, 700)
	c.Decode(ctx, slice(), 2, 800)

	pic, err := c.GetPicture()
	require.NoError(t, err)
	assert.True(t, pic.Dropped())
	pic.Release()

	pic, err = c.GetPicture()
	require.NoError(t, err)
	assert.False(t, pic.Dropped())
	pic.Release()
}

func TestController_ParameterSetChange(t *testing.T) {
	c, b := newTestController(t, testOptions())
	s := h264Stream(2)
	require.NoError(t, c.Open(context.Background(), h264Hints(s)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		au := s.Next()
		assert.NotEqual(t, ResultReopen, c.Decode(ctx, au.Data, au.DTS, au.PTS))
	}
	assert.Equal(t, 1, b.creates())

	s.ChangeParameters(7)
	s.GOPSize = 1
	au := s.Next()
	assert.Equal(t, ResultReopen, c.Decode(ctx, au.Data, au.DTS, au.PTS))
	assert.Equal(t, 2, b.creates())

	_, sps, _ := s.ParameterSets()
	assert.Equal(t, sps, b.last().format.Sets.SPS)

	// The player reopens and resubmits; the new sets carry over
	require.NoError(t, c.Reopen(ctx))
	assert.Equal(t, 3, b.creates())
	assert.Equal(t, sps, b.last().format.Sets.SPS)
	assert.True(t, c.Stats().RestartPending)

	assert.NotEqual(t, ResultReopen, c.Decode(ctx, au.Data, au.DTS, au.PTS))
	assert.Equal(t, 1, b.last().submissions())
}

func TestController_HVC1IgnoresInBandSets(t *testing.T) {
	c, b := newTestController(t, testOptions())
	s := hevcStream(2)
	hints := Hints{Codec: bitstream.CodecHEVC, Width: 1920, Height: 1080, Extradata: s.Extradata()}
	require.NoError(t, c.Open(context.Background(), hints))
	require.Equal(t, 1, b.creates())

	s.ChangeParameters(9)
	for i := 0; i < 4; i++ {
		au := s.Next()
		assert.Equal(t, ResultNeedInput, c.Decode(context.Background(), au.Data, au.DTS, au.PTS))
	}
	assert.Equal(t, 1, b.creates())
	assert.Equal(t, 4, b.submissions())
}

func TestController_HEV1OpensOnInBandSets(t *testing.T) {
	c, b := newTestController(t, testOptions())
	s := hevcStream(1)
	s.InBandSets = true
	hints := Hints{Codec: bitstream.CodecHEVC, Width: 1920, Height: 1080, Extradata: s.Extradata()}
	require.NoError(t, c.Open(context.Background(), hints))
	assert.Equal(t, 0, b.creates())
	ctx := context.Background()

	trail := lengthPrefixed([]byte{0x02, 0x01, 0xAA})
	assert.Equal(t, ResultNeedInput, c.Decode(ctx, trail, 0, 0))
	assert.Equal(t, 0, b.creates())

	au := s.Next()
	assert.Equal(t, ResultNeedInput, c.Decode(ctx, au.Data, au.DTS, au.PTS))
	assert.Equal(t, 1, b.creates())
	assert.Equal(t, 1, b.submissions())

	// Repeated identical sets keep the session
	next := s.Next()
	c.Decode(ctx, next.Data, next.DTS, next.PTS)
	assert.Equal(t, 1, b.creates())
}

func TestController_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Result
	}{
		{name: "transient", err: session.ErrTransientDecoderFault, want: ResultFallBackToSoftware},
		{name: "fatal", err: session.ErrFatal, want: ResultError},
		{name: "untagged", err: errors.New("device lost"), want: ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b := openH264(t, testOptions(), 2)
			b.last().failNext(tt.err)

			assert.Equal(t, tt.want, c.Decode(context.Background(), idr(), 0, 0))
			assert.ErrorIs(t, c.Err(), tt.err)
			assert.Equal(t, 1, b.creates())
		})
	}
}

func TestController_RestartStorm(t *testing.T) {
	opts := testOptions()
	opts.RestartBurst = 1
	c, b := openH264(t, opts, 2)
	ctx := context.Background()

	b.last().failNext(session.ErrBadSession)
	assert.Equal(t, ResultReopen, c.Decode(ctx, idr(), 0, 0))

	b.last().failNext(session.ErrBadSession)
	assert.Equal(t, ResultError, c.Decode(ctx, idr(), 1, 1))
	assert.ErrorIs(t, c.Err(), ErrRestartStorm)
	assert.Equal(t, 2, b.creates())

	assert.Equal(t, StateStopped, c.State())
	assert.True(t, b.last().invalidated)
	st := c.Stats()
	assert.Equal(t, "stopped", st.State)
	assert.Empty(t, st.SessionID)
}

func TestController_RestartCreateFailure(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	b.last().failNext(session.ErrBadSession)

	b.mu.Lock()
	b.createErr = errors.New("no hardware")
	b.mu.Unlock()

	assert.Equal(t, ResultError, c.Decode(context.Background(), idr(), 0, 0))
	assert.ErrorIs(t, c.Err(), session.ErrSessionCreateFailed)
	assert.True(t, b.natives[0].invalidated)
	assert.Equal(t, StateStopped, c.State())
}

func TestController_Reset(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()
	c.Decode(ctx, idr(), 0, 0)
	c.Decode(ctx, slice(), 1, 1000)
	c.SetCodecControl(ControlDrop)

	c.Reset(ctx)
	_, err := c.GetPicture()
	assert.ErrorIs(t, err, ErrNoPicture)
	assert.Equal(t, int64(0), b.outstanding.Load())

	// Still started: a non keyframe is submitted right away
	c.Decode(ctx, slice(), 2, 2000)
	assert.Equal(t, 3, b.submissions())

	pic, err := c.GetPicture()
	require.NoError(t, err)
	assert.False(t, pic.Dropped())
	pic.Release()
}

func TestController_Dispose(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()
	c.Decode(ctx, idr(), 0, 0)
	c.Decode(ctx, slice(), 1, 1000)

	c.Dispose(ctx)
	c.Dispose(ctx)

	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, int64(0), b.outstanding.Load())
	assert.True(t, b.last().invalidated)
	assert.Equal(t, ResultError, c.Decode(ctx, idr(), 2, 2000))
	assert.ErrorIs(t, c.Err(), ErrNotOpen)
	assert.Empty(t, c.Stats().SessionID)
}

func TestController_ReopenStartsAtKeyframe(t *testing.T) {
	c, b := openH264(t, testOptions(), 2)
	ctx := context.Background()
	c.Decode(ctx, idr(), 0, 0)

	require.NoError(t, c.Reopen(ctx))
	assert.Equal(t, 2, b.creates())
	assert.Equal(t, StateConfigured, c.State())

	c.Decode(ctx, slice(), 1, 1000)
	assert.Equal(t, 0, b.last().submissions())
	c.Decode(ctx, idr(), 2, 2000)
	assert.Equal(t, 1, b.last().submissions())
}

func TestController_RebuiltSessionWaitsForKeyframe(t *testing.T) {
	// well past the startup discard limit since the last keyframe
	const slices = 100

	feed := func(t *testing.T) (*Controller, *fakeBackend) {
		c, b := openH264(t, testOptions(), 2)
		ctx := context.Background()
		c.Decode(ctx, idr(), 0, 0)
		for i := 1; i <= slices; i++ {
			c.Decode(ctx, slice(), int64(i), int64(i)*1000)
		}
		require.Equal(t, slices+1, b.last().submissions())

		b.last().failNext(session.ErrBadSession)
		require.Equal(t, ResultReopen, c.Decode(ctx, slice(), slices+1, (slices+1)*1000))
		return c, b
	}

	t.Run("in place restart", func(t *testing.T) {
		c, b := feed(t)
		ctx := context.Background()
		assert.Equal(t, 2, b.creates())

		c.Decode(ctx, slice(), slices+2, (slices+2)*1000)
		assert.Equal(t, 0, b.last().submissions())
		c.Decode(ctx, idr(), slices+3, (slices+3)*1000)
		assert.Equal(t, 1, b.last().submissions())
	})

	t.Run("reopen", func(t *testing.T) {
		c, b := feed(t)
		ctx := context.Background()
		require.NoError(t, c.Reopen(ctx))
		assert.Equal(t, 3, b.creates())
		assert.Equal(t, slices+2, c.ConvergeCount())

		c.Decode(ctx, slice(), slices+2, (slices+2)*1000)
		assert.Equal(t, 0, b.last().submissions())
		assert.False(t, c.Stats().Started)
		c.Decode(ctx, idr(), slices+3, (slices+3)*1000)
		assert.Equal(t, 1, b.last().submissions())
	})
}

func TestController_Stats(t *testing.T) {
	c, _ := openH264(t, testOptions(), 2)
	c.SetDropState(true)
	c.Decode(context.Background(), idr(), 0, 0)

	st := c.Stats()
	assert.Equal(t, "fake-h264", st.Name)
	assert.Equal(t, "fake", st.Backend)
	assert.Equal(t, "running", st.State)
	assert.NotEmpty(t, st.SessionID)
	assert.True(t, st.DropState)
	assert.Equal(t, uint64(1), st.Submitted)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 5, c.AllowedReferences())
}

func TestController_ConcurrentDelivery(t *testing.T) {
	c, _ := openH264(t, testOptions(), 2)
	ctx := context.Background()
	c.Decode(ctx, idr(), 0, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i < 200; i++ {
			c.Decode(ctx, slice(), int64(i), int64(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if pic, err := c.GetPicture(); err == nil {
				pic.Release()
			}
			_ = c.Stats()
		}
	}()
	wg.Wait()
}
