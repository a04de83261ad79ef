package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/config"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/diagnostics"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/logger"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/update"
)

const exitGracePeriod = 2 * time.Second

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, diagnostics.Collect())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	maxLines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxLines = parsed
		}
	}
	tail, err := logger.NewestLogTail(config.LogDir(), maxLines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	payload := update.Request{Version: "latest", Restart: true}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payload")
			return
		}
	}
	var connInfo types.ConnectionInfo
	if s.opts.ConnectionInfo != nil {
		connInfo = s.opts.ConnectionInfo()
	}
	response, err := update.Handle(payload, connInfo, s.opts.Config.Version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if response.Status == update.StatusInitiated && s.opts.RequestExit != nil {
		// Hand the response back before the updater script takes over.
		go func() {
			time.Sleep(exitGracePeriod)
			log.Info().Msg("exiting for self-update handoff")
			s.opts.RequestExit()
		}()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleKeepaliveActivity(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keepalive != nil {
		s.opts.Keepalive.RecordActivity()
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleKeepaliveEnable(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keepalive != nil {
		settings := s.settings()
		s.opts.Keepalive.UpdateConfig(true, settings.KeepaliveThresholdMinutes,
			settings.KeepaliveClickX, settings.KeepaliveClickY)
		s.opts.Keepalive.EnsureStarted()
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleKeepaliveDisable(w http.ResponseWriter, r *http.Request) {
	if s.opts.Keepalive != nil {
		settings := s.settings()
		s.opts.Keepalive.UpdateConfig(false, settings.KeepaliveThresholdMinutes,
			settings.KeepaliveClickX, settings.KeepaliveClickY)
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
