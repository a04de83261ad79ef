package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/capture"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/input"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/keepalive"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// mockBackend records input calls for handler assertions.
type mockBackend struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockBackend) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, s)
}

func (m *mockBackend) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockBackend) MoveMouse(x, y int) error { m.record(fmt.Sprintf("move %d,%d", x, y)); return nil }
func (m *mockBackend) ButtonDown(btn input.Button) error {
	m.record("down " + string(btn))
	return nil
}
func (m *mockBackend) ButtonUp(btn input.Button) error { m.record("up " + string(btn)); return nil }
func (m *mockBackend) Scroll(axis input.Axis, amount int) error {
	m.record(fmt.Sprintf("scroll %d %d", axis, amount))
	return nil
}
func (m *mockBackend) TypeText(text string, _ bool) error { m.record("type " + text); return nil }
func (m *mockBackend) KeyDown(key string, _ bool) error   { m.record("keydown " + key); return nil }
func (m *mockBackend) KeyUp(key string, _ bool) error     { m.record("keyup " + key); return nil }
func (m *mockBackend) CursorPosition() (int, int, error)  { return 42, 24, nil }
func (m *mockBackend) Close() error                       { return nil }

// gradientBackend is a deterministic capture source.
type gradientBackend struct {
	width, height int
}

func (g gradientBackend) Name() string        { return "gradient" }
func (g gradientBackend) AcceptsTarget() bool { return false }
func (g gradientBackend) Capture(_ *image.Point) (*image.RGBA, int, int, error) {
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))
	for y := 0; y < g.height; y++ {
		for x := 0; x < g.width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img, g.width, g.height, nil
}
func (g gradientBackend) Dimensions() (int, int, error) { return g.width, g.height, nil }

type testHarness struct {
	server  *Server
	backend *mockBackend
	router  http.Handler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	backend := &mockBackend{}
	device := input.NewDevice(backend)
	captureService := capture.NewService(gradientBackend{width: 1024, height: 768})
	ka := keepalive.New(device, captureService.Dimensions, false, 3.0, nil, nil)
	settings := types.DefaultSettings()

	srv := New(Options{
		Config:    types.AgentConfig{Version: "0.0.40", Fingerprint: "fp-test"},
		Device:    device,
		Capture:   captureService,
		Keepalive: ka,
		Settings:  func() types.Settings { return settings },
		ConnectionInfo: func() types.ConnectionInfo {
			return types.ConnectionInfo{}
		},
		Status: func() types.Status {
			return types.Status{Version: "0.0.40", MachineUUID: "fp-test"}
		},
	})
	return &testHarness{server: srv, backend: backend, router: srv.Router()}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestScreenshotExactDimensions(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/display/screenshot?width=800&height=600&mode=exact", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
	assert.Equal(t, 600, img.Bounds().Dy())
}

func TestScreenshotInvalidWidth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/display/screenshot?width=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDimensions(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/display/dimensions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(1024), body["width"])
	assert.Equal(t, float64(768), body["height"])
}

func TestKeyboardTypeRequiresText(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/keyboard/type", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeyboardType(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/keyboard/type", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"type hello"}, h.backend.snapshot())
}

func TestKeyboardKeySequence(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/keyboard/key", map[string]string{"text": "ctrl+a"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"keydown ctrl", "keydown a", "keyup a", "keyup ctrl"}, h.backend.snapshot())
}

func TestMousePosition(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/input/mouse/position", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(42), body["x"])
	assert.Equal(t, float64(24), body["y"])
}

func TestMouseMove(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/move", map[string]int{"x": 5, "y": 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"move 5,7"}, h.backend.snapshot())
}

func TestMouseClickBounds(t *testing.T) {
	h := newHarness(t)
	for _, clicks := range []int{1, 2, 3} {
		rec := h.do(t, http.MethodPost, "/computer/input/mouse/click", map[string]int{"clicks": clicks})
		assert.Equal(t, http.StatusOK, rec.Code, "clicks=%d", clicks)
	}
	for _, clicks := range []int{0, 4} {
		rec := h.do(t, http.MethodPost, "/computer/input/mouse/click", map[string]int{"clicks": clicks})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "clicks=%d", clicks)
	}
}

func TestMouseClickInvalidButton(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/click", map[string]any{"button": "fourth"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMouseClickDownOnly(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/click", map[string]any{"down": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"down left"}, h.backend.snapshot())

	rec = h.do(t, http.MethodPost, "/computer/input/mouse/click", map[string]any{"down": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"down left", "up left"}, h.backend.snapshot())
}

func TestMouseClickWithCoordinates(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/click",
		map[string]any{"x": 100, "y": 200, "button": "right", "clicks": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"move 100,200", "down right", "up right"}, h.backend.snapshot())
}

func TestMouseDragAliases(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/drag",
		map[string]any{"from_x": 0, "from_y": 0, "x": 10, "y": 10})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/computer/input/mouse/drag",
		map[string]any{"start_x": 0, "start_y": 0, "to_x": 10, "to_y": 10})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMouseDragMissingCoordinates(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/drag", map[string]any{"to_x": 10, "to_y": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/computer/input/mouse/drag", map[string]any{"start_x": 0, "start_y": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMouseScrollRejectsNegative(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/scroll",
		map[string]any{"direction": "up", "amount": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMouseScrollZeroIsNoop(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/scroll",
		map[string]any{"direction": "up", "amount": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, h.backend.snapshot())
}

func TestMouseScrollInvalidDirection(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/input/mouse/scroll",
		map[string]any{"direction": "diagonal", "amount": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFsWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.txt")
	content := []byte("tunnel payload \x00\x01 with binary")

	rec := h.do(t, http.MethodPost, "/computer/fs/write", map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(content),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/computer/fs/read?path="+path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
	assert.Equal(t, float64(len(content)), body["size"])
}

func TestFsWriteAppend(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "appended.txt")

	for _, chunk := range []string{"first ", "second"} {
		rec := h.do(t, http.MethodPost, "/computer/fs/write", map[string]string{
			"path":    path,
			"content": base64.StdEncoding.EncodeToString([]byte(chunk)),
			"mode":    "append",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first second", string(data))
}

func TestFsWriteBareFilenameGoesToTransfers(t *testing.T) {
	h := newHarness(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	rec := h.do(t, http.MethodPost, "/computer/fs/write", map[string]string{
		"path":    "dropped.txt",
		"content": base64.StdEncoding.EncodeToString([]byte("payload")),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	data, err := os.ReadFile(filepath.Join(home, transferDirName, "dropped.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestFsWriteInvalidBase64(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/fs/write", map[string]string{
		"path":    filepath.Join(t.TempDir(), "x.txt"),
		"content": "!!! not base64 !!!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFsReadMissingFile(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/fs/read?path="+filepath.Join(t.TempDir(), "absent"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFsReadDirectoryRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/fs/read?path="+t.TempDir(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFsListSortsDirectoriesFirst(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bbb.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zzz"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aaa.txt"), []byte("x"), 0o644))

	rec := h.do(t, http.MethodGet, "/computer/fs/list?path="+dir, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	entries := body["entries"].([]any)
	require.Len(t, entries, 3)
	first := entries[0].(map[string]any)
	assert.Equal(t, "zzz", first["name"])
	assert.Equal(t, true, first["is_dir"])
	assert.Equal(t, "aaa.txt", entries[1].(map[string]any)["name"])
	assert.Equal(t, "bbb.txt", entries[2].(map[string]any)["name"])
}

func TestFsListMissingDirectory(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/computer/fs/list?path="+filepath.Join(t.TempDir(), "nope"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpandPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "docs"), filepath.Clean(expandPath("~/docs")))
	assert.Equal(t, "/absolute/path", expandPath("/absolute/path"))
}

func TestShellExecTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh timing")
	}
	h := newHarness(t)
	start := time.Now()
	rec := h.do(t, http.MethodPost, "/computer/shell/powershell/exec",
		map[string]any{"command": "sleep 10", "timeout": 1})
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["timeout_reached"])
	assert.Equal(t, float64(0), body["exit_code"])
	assert.True(t, strings.HasPrefix(body["stderr"].(string), "Command timeout reached"))
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

func TestShellExecTimeoutClampedToOneSecond(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh timing")
	}
	h := newHarness(t)
	start := time.Now()
	rec := h.do(t, http.MethodPost, "/computer/shell/powershell/exec",
		map[string]any{"command": "sleep 10", "timeout": 0.5})
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["timeout_reached"])
	// 0.5 clamps up to the 1 s floor.
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
}

func TestShellExecOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/shell/powershell/exec",
		map[string]any{"command": "printf hello; printf world >&2; exit 3"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "hello", body["stdout"])
	assert.Equal(t, "world", body["stderr"])
	assert.Equal(t, float64(3), body["exit_code"])
	assert.Equal(t, false, body["timeout_reached"])
	assert.NotEmpty(t, body["session_id"])
}

func TestShellExecMissingCommand(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/shell/powershell/exec", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShellSessionStatelessEcho(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/computer/shell/powershell/session", map[string]string{"action": "create"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeJSON(t, rec)["session_id"])

	rec = h.do(t, http.MethodPost, "/computer/shell/powershell/session", map[string]string{"action": "destroy"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/computer/shell/powershell/session", map[string]string{"action": "suspend"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTruncateOutputMiddleEllipsis(t *testing.T) {
	long := strings.Repeat("a", 10_000) + strings.Repeat("z", 10_000)
	out := truncateOutput(long)
	assert.Less(t, len(out), len(long))
	assert.True(t, strings.HasPrefix(out, "aaaa"))
	assert.True(t, strings.HasSuffix(out, "zzzz"))
	assert.Contains(t, out, "... (truncated) ...")

	short := "short output"
	assert.Equal(t, short, truncateOutput(short))
}

func TestDiagnosticsRoute(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/internal/diagnostics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, float64(os.Getpid()), body["pid"])
}

func TestStatusRoute(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/internal/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "fp-test", body["machine_uuid"])
}

func TestKeepaliveRoutes(t *testing.T) {
	h := newHarness(t)
	for _, route := range []string{
		"/internal/keepalive/remote/activity",
		"/internal/keepalive/remote/enable",
		"/internal/keepalive/remote/disable",
	} {
		rec := h.do(t, http.MethodPost, route, nil)
		assert.Equal(t, http.StatusOK, rec.Code, route)
	}
}

func TestInputHandlerRunsWhileKeepaliveIdle(t *testing.T) {
	// The busy-exclusion property itself is covered in the keepalive
	// package; here we assert the handler path goes through the
	// coordinator without deadlocking when it is idle.
	h := newHarness(t)
	done := make(chan struct{})
	go func() {
		rec := h.do(t, http.MethodPost, "/computer/input/keyboard/type", map[string]string{"text": "after"})
		assert.Equal(t, http.StatusOK, rec.Code)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("input handler blocked on an idle coordinator")
	}
	assert.Equal(t, []string{"type after"}, h.backend.snapshot())
}
