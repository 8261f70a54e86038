package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/errors"
	"github.com/zsiec/hwdec/internal/registry"
	"github.com/zsiec/hwdec/internal/server"
)

func testAPI(t *testing.T) *httptest.Server {
	t.Helper()

	reg := registry.NewMemoryRegistry(time.Minute)
	require.NoError(t, reg.Register(context.Background(), &registry.Decoder{
		ID:    "dec-1",
		Codec: "h264",
		Stats: decoder.Stats{Backend: "emulated", Delivered: 42},
	}))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	handler := errors.NewErrorHandler(log)

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/decoders", func(w http.ResponseWriter, r *http.Request) {
		list, _ := reg.List(r.Context())
		_ = json.NewEncoder(w).Encode(server.DecoderList{Decoders: list, Count: len(list)})
	})
	r.HandleFunc("/api/v1/decoders/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, err := reg.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			handler.HandleError(w, r, errors.NewNotFoundError("decoder "+mux.Vars(r)["id"]))
			return
		}
		_ = json.NewEncoder(w).Encode(d)
	})
	r.HandleFunc("/api/v1/backends", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(server.BackendList{Backends: []string{"emulated", "software"}, HardwareAvailable: true})
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://nope"} {
		_, err := New(raw, Options{})
		assert.Error(t, err, raw)
	}
}

func TestClient_List(t *testing.T) {
	ts := testAPI(t)
	c, err := New(ts.URL+"/", Options{})
	require.NoError(t, err)
	defer c.Close()

	decoders, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, decoders, 1)
	assert.Equal(t, "dec-1", decoders[0].ID)
	assert.Equal(t, uint64(42), decoders[0].Stats.Delivered)
}

func TestClient_Decoder(t *testing.T) {
	ts := testAPI(t)
	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	d, err := c.Decoder(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, "h264", d.Codec)

	_, err = c.Decoder(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, errors.ErrorTypeNotFound, apiErr.Type)
	assert.Contains(t, apiErr.Error(), "decoder missing not found")
}

func TestClient_Backends(t *testing.T) {
	ts := testAPI(t)
	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	backends, err := c.Backends(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"emulated", "software"}, backends.Backends)
	assert.True(t, backends.HardwareAvailable)
}

func TestClient_UnknownRoute(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c, err := New(ts.URL, Options{})
	require.NoError(t, err)

	_, err = c.Backends(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Empty(t, apiErr.Message)
}

func TestClient_HTTP3Close(t *testing.T) {
	c, err := New("https://localhost:8443", Options{HTTP3: true, InsecureSkipVerify: true})
	require.NoError(t, err)
	assert.NotNil(t, c.h3)
	assert.NoError(t, c.Close())
}
