package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zsiec/hwdec/internal/errors"
	"github.com/zsiec/hwdec/internal/registry"
	"github.com/zsiec/hwdec/pkg/version"
)

// handleVersion handles the /version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	s.writeJSON(w, r, http.StatusOK, version.GetInfo())
}

// DecoderList is the /api/v1/decoders response.
type DecoderList struct {
	Decoders []*registry.Decoder `json:"decoders"`
	Count    int                 `json:"count"`
}

func (s *Server) handleListDecoders(w http.ResponseWriter, r *http.Request) {
	decoders, err := s.registry.List(r.Context())
	if err != nil {
		s.writeError(w, r, errors.WrapInternalError(err, "Failed to list decoders"))
		return
	}
	if decoders == nil {
		decoders = []*registry.Decoder{}
	}

	s.writeJSON(w, r, http.StatusOK, DecoderList{Decoders: decoders, Count: len(decoders)})
}

func (s *Server) handleGetDecoder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	d, err := s.registry.Get(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, registry.ErrDecoderNotFound) {
			s.writeError(w, r, errors.NewNotFoundError("decoder "+id))
			return
		}
		s.writeError(w, r, errors.WrapInternalError(err, "Failed to get decoder"))
		return
	}

	s.writeJSON(w, r, http.StatusOK, d)
}

// BackendList is the /api/v1/backends response, in selection order.
type BackendList struct {
	Backends          []string `json:"backends"`
	HardwareAvailable bool     `json:"hardware_available"`
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	names := s.backends.Available()
	if names == nil {
		names = []string{}
	}

	hardware := false
	for _, name := range names {
		if name != s.software {
			hardware = true
			break
		}
	}

	s.writeJSON(w, r, http.StatusOK, BackendList{Backends: names, HardwareAvailable: hardware})
}

func (s *Server) handleDebugInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"protocols": map[string]bool{
			"http11": true,
			"http3":  s.config.EnableHTTP3,
		},
		"ports": map[string]int{
			"http":  s.config.HTTPPort,
			"http3": s.config.HTTP3Port,
		},
		"metrics_path":  s.metrics.Path,
		"debug_enabled": true,
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

// writeJSON is a helper to write JSON responses
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Failed to encode response")
	}
}

// writeError is a helper to write error responses
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
