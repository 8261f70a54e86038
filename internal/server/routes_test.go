package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/errors"
	"github.com/zsiec/hwdec/internal/registry"
	"github.com/zsiec/hwdec/pkg/version"
)

type failingChecker struct{}

func (f *failingChecker) Name() string                    { return "failing" }
func (f *failingChecker) Check(ctx context.Context) error { return assert.AnError }

func TestHandleVersion(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, "GET", "/version")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))

	var info version.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, version.GetInfo(), info)
}

func TestHandleDecoders(t *testing.T) {
	s, reg := newTestServer(t, nil)
	ctx := context.Background()

	rr := serve(s, "GET", "/api/v1/decoders")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"decoders":[],"count":0}`, rr.Body.String())

	require.NoError(t, reg.Register(ctx, &registry.Decoder{ID: "dec-b", Codec: "hevc"}))
	require.NoError(t, reg.Register(ctx, &registry.Decoder{
		ID:    "dec-a",
		Codec: "h264",
		Stats: decoder.Stats{Backend: "emulated", Delivered: 12},
	}))

	rr = serve(s, "GET", "/api/v1/decoders")
	require.Equal(t, http.StatusOK, rr.Code)
	var list DecoderList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "dec-a", list.Decoders[0].ID)
	assert.Equal(t, "dec-b", list.Decoders[1].ID)

	rr = serve(s, "GET", "/api/v1/decoders/dec-a")
	require.Equal(t, http.StatusOK, rr.Code)
	var got registry.Decoder
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "h264", got.Codec)
	assert.Equal(t, uint64(12), got.Stats.Delivered)
}

func TestHandleGetDecoder_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, "GET", "/api/v1/decoders/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, errors.ErrorTypeNotFound, resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "missing")
	assert.NotEmpty(t, resp.TraceID)
}

func TestHandleBackends(t *testing.T) {
	tests := []struct {
		name     string
		backends staticBackends
		want     BackendList
	}{
		{
			name:     "hardware present",
			backends: staticBackends{"videotoolbox", "software"},
			want:     BackendList{Backends: []string{"videotoolbox", "software"}, HardwareAvailable: true},
		},
		{
			name:     "software only",
			backends: staticBackends{"software"},
			want:     BackendList{Backends: []string{"software"}},
		},
		{
			name: "none",
			want: BackendList{Backends: []string{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(testConfig(), testLogger(), Options{Backends: tt.backends, Software: "software"})
			s.setupRoutes()

			rr := serve(s, "GET", "/api/v1/backends")
			require.Equal(t, http.StatusOK, rr.Code)
			var got BackendList
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthRoutes(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, "GET", "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"decoder_backends"`)

	assert.Equal(t, http.StatusOK, serve(s, "GET", "/ready").Code)
	assert.Equal(t, http.StatusOK, serve(s, "GET", "/live").Code)
}

func TestHealthRoutes_DownCheck(t *testing.T) {
	s := New(testConfig(), testLogger(), Options{})
	s.RegisterChecker(&failingChecker{})
	s.setupRoutes()

	assert.Equal(t, http.StatusServiceUnavailable, serve(s, "GET", "/health").Code)
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := serve(s, "GET", "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")

	s, _ = newTestServer(t, func(cfg *config.Config) { cfg.Metrics.Enabled = false })
	assert.Equal(t, http.StatusNotFound, serve(s, "GET", "/metrics").Code)
}

func TestDebugEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, serve(s, "GET", "/debug/info").Code)

	s, _ = newTestServer(t, func(cfg *config.Config) { cfg.Server.DebugEndpoints = true })

	rr := serve(s, "GET", "/debug/info")
	require.Equal(t, http.StatusOK, rr.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, "/metrics", info["metrics_path"])

	rr = serve(s, "GET", "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "goroutine")
}

func TestUnknownRoutes(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, "GET", "/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), string(errors.ErrorTypeNotFound))

	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, "POST", "/version").Code)
}
