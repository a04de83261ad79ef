// Package server is the local automation HTTP API. It binds loopback only;
// the tunnel client and the desktop front-end are its callers.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/capture"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/input"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/keepalive"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// Options carries the supervisor-owned collaborators into the server.
// Snapshot accessors keep the server free of locking concerns.
type Options struct {
	Config         types.AgentConfig
	Device         *input.Device
	Capture        *capture.Service
	Keepalive      *keepalive.Manager
	Settings       func() types.Settings
	ConnectionInfo func() types.ConnectionInfo
	Status         func() types.Status

	// RequestExit schedules process exit after a self-update handoff.
	RequestExit func()
}

// Server routes automation requests to the input device, the capture
// pipeline and the shell.
type Server struct {
	opts Options
}

// New builds a server.
func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Router wires every route of the local API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/computer/display/screenshot", s.handleScreenshot).Methods(http.MethodGet)
	r.HandleFunc("/computer/display/dimensions", s.handleDimensions).Methods(http.MethodGet)

	r.HandleFunc("/computer/input/keyboard/type", s.handleKeyboardType).Methods(http.MethodPost)
	r.HandleFunc("/computer/input/keyboard/key", s.handleKeyboardKey).Methods(http.MethodPost)
	r.HandleFunc("/computer/input/mouse/position", s.handleMousePosition).Methods(http.MethodGet)
	r.HandleFunc("/computer/input/mouse/move", s.handleMouseMove).Methods(http.MethodPost)
	r.HandleFunc("/computer/input/mouse/click", s.handleMouseClick).Methods(http.MethodPost)
	r.HandleFunc("/computer/input/mouse/drag", s.handleMouseDrag).Methods(http.MethodPost)
	r.HandleFunc("/computer/input/mouse/scroll", s.handleMouseScroll).Methods(http.MethodPost)
	r.HandleFunc("/computer/copy_to_clipboard", s.handleCopyToClipboard).Methods(http.MethodPost)

	r.HandleFunc("/computer/fs/list", s.handleFsList).Methods(http.MethodGet)
	r.HandleFunc("/computer/fs/read", s.handleFsRead).Methods(http.MethodGet)
	r.HandleFunc("/computer/fs/write", s.handleFsWrite).Methods(http.MethodPost)

	r.HandleFunc("/computer/shell/powershell/simple", s.handleShellSimple).Methods(http.MethodPost)
	r.HandleFunc("/computer/shell/powershell/test", s.handleShellTest).Methods(http.MethodPost)
	r.HandleFunc("/computer/shell/powershell/exec", s.handleShellExec).Methods(http.MethodPost)
	r.HandleFunc("/computer/shell/powershell/session", s.handleShellSession).Methods(http.MethodPost)

	r.HandleFunc("/internal/diagnostics", s.handleDiagnostics).Methods(http.MethodGet)
	r.HandleFunc("/internal/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/internal/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/internal/update", s.handleUpdate).Methods(http.MethodPost)
	r.HandleFunc("/internal/keepalive/remote/activity", s.handleKeepaliveActivity).Methods(http.MethodPost)
	r.HandleFunc("/internal/keepalive/remote/enable", s.handleKeepaliveEnable).Methods(http.MethodPost)
	r.HandleFunc("/internal/keepalive/remote/disable", s.handleKeepaliveDisable).Methods(http.MethodPost)

	return r
}

// claimInput is called by every handler that synthesizes input: it waits
// out any in-flight keepalive burst and then counts as real activity.
func (s *Server) claimInput() {
	if s.opts.Keepalive == nil {
		return
	}
	s.opts.Keepalive.WaitUntilIdle()
	s.opts.Keepalive.RecordActivity()
}

func (s *Server) settings() types.Settings {
	if s.opts.Settings == nil {
		return types.DefaultSettings()
	}
	return s.opts.Settings()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return err
	}
	return nil
}
