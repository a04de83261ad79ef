package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/input"
)

const (
	clipboardPollAttempts = 8
	clipboardPollBase     = 200 * time.Millisecond
	clipboardPollStep     = 100 * time.Millisecond
)

type textPayload struct {
	Text string `json:"text"`
}

func (s *Server) handleKeyboardType(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := decodeBody(r, &payload); err != nil || payload.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing 'text' field")
		return
	}
	s.claimInput()
	settings := s.settings()
	if err := s.opts.Device.TypeText(payload.Text, settings.ExperimentalSpace); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleKeyboardKey(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := decodeBody(r, &payload); err != nil || payload.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing 'text' field")
		return
	}
	log.Debug().Str("sequence", payload.Text).Msg("keyboard sequence")
	s.claimInput()
	settings := s.settings()
	if err := s.opts.Device.ExecuteKeySequence(payload.Text, settings.ExperimentalSpace); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleCopyToClipboard clears the clipboard, sends ctrl+c, then polls the
// clipboard until something shows up. The payload's text field names the
// response key the caller wants the clipboard contents under.
func (s *Server) handleCopyToClipboard(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := decodeBody(r, &payload); err != nil || payload.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing 'text' field (key name)")
		return
	}
	s.claimInput()
	settings := s.settings()

	_ = clipboard.WriteAll("")
	if err := s.opts.Device.ExecuteKeySequence("ctrl+c", settings.ExperimentalSpace); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	content := ""
	for attempt := 0; attempt < clipboardPollAttempts; attempt++ {
		time.Sleep(clipboardPollBase + time.Duration(attempt)*clipboardPollStep)
		if read, err := clipboard.ReadAll(); err == nil && read != "" {
			content = read
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{payload.Text: content})
}

func (s *Server) handleMousePosition(w http.ResponseWriter, r *http.Request) {
	x, y, err := s.opts.Device.CursorPosition()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"x": x, "y": y})
}

type mouseMovePayload struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (s *Server) handleMouseMove(w http.ResponseWriter, r *http.Request) {
	var payload mouseMovePayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	s.claimInput()
	if err := s.opts.Device.MoveMouse(payload.X, payload.Y); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type mouseClickPayload struct {
	X      *int    `json:"x"`
	Y      *int    `json:"y"`
	Button *string `json:"button"`
	Down   *bool   `json:"down"`
	Clicks *int    `json:"clicks"`
}

func (s *Server) handleMouseClick(w http.ResponseWriter, r *http.Request) {
	var payload mouseClickPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	buttonName := "left"
	if payload.Button != nil {
		buttonName = *payload.Button
	}
	button, ok := input.ParseButton(buttonName)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid button")
		return
	}
	log.Debug().
		Interface("x", payload.X).
		Interface("y", payload.Y).
		Str("button", buttonName).
		Interface("down", payload.Down).
		Interface("clicks", payload.Clicks).
		Msg("mouse click")

	if payload.Down != nil {
		s.claimInput()
		err := s.opts.Device.Click(payload.X, payload.Y, button, *payload.Down, !*payload.Down, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	clicks := 1
	if payload.Clicks != nil {
		clicks = *payload.Clicks
	}
	if clicks < 1 || clicks > 3 {
		writeError(w, http.StatusBadRequest, "clicks must be 1, 2, or 3")
		return
	}
	s.claimInput()
	if err := s.opts.Device.Click(payload.X, payload.Y, button, false, false, clicks); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type mouseDragPayload struct {
	StartX   *int    `json:"start_x"`
	StartY   *int    `json:"start_y"`
	FromX    *int    `json:"from_x"`
	FromY    *int    `json:"from_y"`
	ToX      *int    `json:"to_x"`
	ToY      *int    `json:"to_y"`
	X        *int    `json:"x"`
	Y        *int    `json:"y"`
	Button   *string `json:"button"`
	Duration float64 `json:"duration"`
}

func firstOf(values ...*int) (int, bool) {
	for _, v := range values {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

func (s *Server) handleMouseDrag(w http.ResponseWriter, r *http.Request) {
	var payload mouseDragPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	buttonName := "left"
	if payload.Button != nil {
		buttonName = *payload.Button
	}
	button, ok := input.ParseButton(buttonName)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid button")
		return
	}
	endX, okX := firstOf(payload.ToX, payload.X)
	endY, okY := firstOf(payload.ToY, payload.Y)
	if !okX || !okY {
		writeError(w, http.StatusBadRequest, "Missing or invalid destination coordinates")
		return
	}
	startX, okX := firstOf(payload.StartX, payload.FromX)
	startY, okY := firstOf(payload.StartY, payload.FromY)
	if !okX || !okY {
		writeError(w, http.StatusBadRequest, "Missing or invalid start coordinates")
		return
	}
	s.claimInput()
	if err := s.opts.Device.Drag(startX, startY, endX, endY, button, payload.Duration); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

type mouseScrollPayload struct {
	Direction string `json:"direction"`
	Amount    int    `json:"amount"`
	X         *int   `json:"x"`
	Y         *int   `json:"y"`
}

func (s *Server) handleMouseScroll(w http.ResponseWriter, r *http.Request) {
	var payload mouseScrollPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	if payload.Amount < 0 {
		writeError(w, http.StatusBadRequest, "'amount' must be non-negative")
		return
	}
	s.claimInput()
	if err := s.opts.Device.Scroll(strings.ToLower(payload.Direction), payload.Amount, payload.X, payload.Y); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}
