package player

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/decoder/bitstream"
	"github.com/zsiec/hwdec/internal/decoder/factory"
	"github.com/zsiec/hwdec/internal/decoder/synth"
)

// testFactory opens emulated controllers that complete in decode order.
func testFactory(mutate func(cfg *config.Config)) *factory.Factory {
	cfg := config.Default()
	cfg.Emulated.Workers = 1
	cfg.Emulated.DecodeLatency = 0
	cfg.Emulated.LatencyJitter = 0
	if mutate != nil {
		mutate(cfg)
	}
	return factory.New(cfg, factory.Platform{}, nil)
}

type recorder struct {
	mu   sync.Mutex
	ptss []int64
}

func (r *recorder) Render(pic decoder.Picture) {
	r.mu.Lock()
	r.ptss = append(r.ptss, pic.PTS)
	r.mu.Unlock()
	pic.Release()
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ptss...)
}

func TestPlayer_Run(t *testing.T) {
	cfg := playerConfig()
	rec := &recorder{}
	p := New(cfg, testFactory(nil), NewSyntheticSource(cfg, bitstream.CodecH264), rec, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(60), summary.Packets)
	assert.Equal(t, uint64(60), summary.Pictures)
	assert.Zero(t, summary.Dropped)
	assert.Zero(t, summary.Reopens)
	assert.Equal(t, "emulated", summary.Backend)

	ptss := rec.snapshot()
	require.Len(t, ptss, 60)
	assert.True(t, sort.SliceIsSorted(ptss, func(i, j int) bool { return ptss[i] < ptss[j] }),
		"pictures must come out in display order: %v", ptss)

	st := p.Stats()
	assert.Equal(t, uint64(60), st.Submitted)
	assert.Equal(t, uint64(60), st.Delivered)
	assert.Zero(t, st.Fallbacks)
}

func TestPlayer_RunHEVC(t *testing.T) {
	cfg := playerConfig()
	cfg.Codec = "hevc"
	src, err := NewSource(cfg)
	require.NoError(t, err)

	summary, err := New(cfg, testFactory(nil), src, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(60), summary.Pictures)
}

func TestPlayer_Loop(t *testing.T) {
	cfg := playerConfig()
	cfg.Frames = 30
	cfg.Loop = 2

	summary, err := New(cfg, testFactory(nil), NewSyntheticSource(cfg, bitstream.CodecH264), nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(60), summary.Packets)
	assert.Equal(t, uint64(60), summary.Pictures)
}

func TestPlayer_FileSource(t *testing.T) {
	s := synth.NewH264Stream(synth.H264Params{Width: 1280, Height: 720, MaxNumRefFrames: 2}, 15)
	s.InBandSets = true

	cfg := playerConfig()
	cfg.Input = writeStream(t, s, 45)
	src, err := NewSource(cfg)
	require.NoError(t, err)

	summary, err := New(cfg, testFactory(nil), src, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(45), summary.Packets)
	assert.Equal(t, uint64(45), summary.Pictures)
}

func TestPlayer_ReopensAfterBadSession(t *testing.T) {
	cfg := playerConfig()
	f := testFactory(func(c *config.Config) { c.Emulated.BadSessionEvery = 25 })
	p := New(cfg, f, NewSyntheticSource(cfg, bitstream.CodecH264), nil, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	// Each reopen starts over at the next keyframe, so the rest of the GOP
	// is never decoded.
	assert.Equal(t, uint64(2), summary.Reopens)
	assert.Less(t, summary.Pictures+summary.Dropped, uint64(60))
	assert.Equal(t, "emulated", summary.Backend)
	assert.Equal(t, summary.Reopens, p.Stats().Restarts)
}

func TestPlayer_FallsBackToSoftware(t *testing.T) {
	cfg := playerConfig()
	cfg.Frames = 40
	f := testFactory(func(c *config.Config) { c.Emulated.MalfunctionAt = 15 })
	p := New(cfg, f, NewSyntheticSource(cfg, bitstream.CodecH264), nil, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), summary.Fallbacks)
	assert.Equal(t, "software", summary.Backend)
	assert.GreaterOrEqual(t, summary.Pictures, uint64(10))

	// hardware took 14 before failing, software resumed at frame 30
	st := p.Stats()
	assert.Equal(t, uint64(24), st.Submitted)
	assert.Equal(t, uint64(1), st.Fallbacks)
}

func TestPlayer_SoftwareFailureIsFatal(t *testing.T) {
	cfg := playerConfig()
	f := testFactory(func(c *config.Config) { c.Emulated.MalfunctionAt = 5 })

	_, err := New(cfg, f, NewSyntheticSource(cfg, bitstream.CodecH264), nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "software decoder failed")
}

func TestPlayer_RealtimeStopsOnCancel(t *testing.T) {
	cfg := playerConfig()
	cfg.Realtime = true
	cfg.FrameRate = 1
	cfg.Frames = 100

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	summary, err := New(cfg, testFactory(nil), NewSyntheticSource(cfg, bitstream.CodecH264), nil, nil).Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, uint64(1), summary.Packets)
}

type staticOpener struct {
	err error
}

func (o staticOpener) Open(context.Context, decoder.Hints) (*decoder.Controller, error) {
	return nil, o.err
}

func TestPlayer_OpenerError(t *testing.T) {
	cfg := playerConfig()
	boom := errors.New("no device")

	p := New(cfg, staticOpener{err: boom}, NewSyntheticSource(cfg, bitstream.CodecH264), nil, nil)
	summary, err := p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, summary.Packets)
	assert.Empty(t, summary.Backend)
	assert.Zero(t, p.Stats().Submitted)
}
