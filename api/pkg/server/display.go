package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/capture"
)

func parseDimension(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &value, nil
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	width, err := parseDimension(r, "width")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	height, err := parseDimension(r, "height")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := capture.ParseMode(r.URL.Query().Get("mode"))

	result, err := s.opts.Capture.Capture(width, height, mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m := result.Metrics
	log.Debug().
		Str("mode", string(mode)).
		Str("backend", m.Backend).
		Str("orig", fmt.Sprintf("%dx%d", m.OrigW, m.OrigH)).
		Str("out", fmt.Sprintf("%dx%d", m.OutW, m.OutH)).
		Int("bytes", m.Bytes).
		Str("filter", m.Filter).
		Float64("capture_ms", m.CaptureMS).
		Float64("resize_ms", m.ResizeMS).
		Float64("encode_ms", m.EncodeMS).
		Msg("screenshot captured")

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.PNG)
}

func (s *Server) handleDimensions(w http.ResponseWriter, r *http.Request) {
	width, height, err := s.opts.Capture.Dimensions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"width": width, "height": height})
}
