package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

var testUpgrader = websocket.Upgrader{}

// startLocalAPI runs a loopback HTTP server standing in for the local
// automation API and returns its port.
func startLocalAPI(t *testing.T, handler http.Handler) int {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// startGateway runs a fake tunnel gateway. Each websocket session is
// handed to session.
func startGateway(t *testing.T, session func(*websocket.Conn)) (host string, port int, attempts *atomic.Int32) {
	t.Helper()
	attempts = &atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		session(conn)
	}))
	t.Cleanup(ts.Close)
	hostStr, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return hostStr, portNum, attempts
}

// firstSessionOnly runs the script on the first websocket session only;
// reconnects after the script finishes just idle until the test ends.
func firstSessionOnly(script func(*websocket.Conn)) func(*websocket.Conn) {
	var ran atomic.Bool
	return func(conn *websocket.Conn) {
		if !ran.CompareAndSwap(false, true) {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		script(conn)
	}
}

func newTestClient(host string, port, targetPort int, tracker *ConnTracker) *Client {
	client := New(host, port, "test-secret", targetPort,
		types.AgentConfig{Version: "0.0.40", Fingerprint: "fp-test"}, nil, "", tracker)
	client.scheme = "ws"
	return client
}

// sendRequest plays the gateway side of one request exchange and returns
// the parsed response meta plus the concatenated body.
func sendRequest(t *testing.T, conn *websocket.Conn, meta requestMeta, body []byte) (responseMeta, []byte) {
	t.Helper()
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, metaJSON))
	if len(body) > 0 {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, body))
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("end")))

	var respMeta responseMeta
	var respBody []byte
	gotMeta := false
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.TextMessage {
			if string(data) == "end" {
				break
			}
			require.False(t, gotMeta, "two meta frames for one request")
			require.NoError(t, json.Unmarshal(data, &respMeta))
			gotMeta = true
			continue
		}
		// Chunks never exceed 16 KiB.
		assert.LessOrEqual(t, len(data), responseChunkMax)
		respBody = append(respBody, data...)
	}
	require.True(t, gotMeta, "no response meta before end frame")
	return respMeta, respBody
}

func TestTunnelForwardsRequest(t *testing.T) {
	var gotAuth, gotCustom string
	targetPort := startLocalAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(append([]byte(`{"echo":`), append(body, '}')...))
	}))

	done := make(chan struct{})
	host, port, _ := startGateway(t, firstSessionOnly(func(conn *websocket.Conn) {
		respMeta, respBody := sendRequest(t, conn, requestMeta{
			RequestID: "req-1",
			Method:    "POST",
			Path:      "/computer/input/mouse/click",
			Query:     "trace=1",
			Headers:   map[string]string{"X-Custom": "yes", "Authorization": "Bearer abc"},
		}, []byte(`{"x":100,"y":100,"clicks":1}`))

		assert.Equal(t, "req-1", respMeta.RequestID)
		assert.Equal(t, http.StatusOK, respMeta.Status)
		assert.JSONEq(t, `{"echo":{"x":100,"y":100,"clicks":1}}`, string(respBody))
		close(done)
	}))

	tracker := NewConnTracker()
	client := newTestClient(host, port, targetPort, tracker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway session did not complete")
	}
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "yes", gotCustom)
}

func TestTunnelIdempotentReplay(t *testing.T) {
	var hits atomic.Int32
	targetPort := startLocalAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"clicked":true}`))
	}))

	done := make(chan struct{})
	host, port, _ := startGateway(t, firstSessionOnly(func(conn *websocket.Conn) {
		meta := requestMeta{
			RequestID: "req-1",
			Method:    "POST",
			Path:      "/computer/input/mouse/click",
			Headers:   map[string]string{"X-Idempotency-Key": "k1"},
		}
		first, firstBody := sendRequest(t, conn, meta, []byte(`{"x":100,"y":100,"clicks":1}`))

		meta.RequestID = "req-2"
		second, secondBody := sendRequest(t, conn, meta, []byte(`{"x":100,"y":100,"clicks":1}`))

		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.Headers, second.Headers)
		assert.Equal(t, firstBody, secondBody)
		close(done)
	}))

	client := newTestClient(host, port, targetPort, NewConnTracker())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway session did not complete")
	}
	// The replay was served from the cache without a second local call.
	assert.Equal(t, int32(1), hits.Load())
}

func TestTunnelSynthesizesEmptyErrorBody(t *testing.T) {
	targetPort := startLocalAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	done := make(chan struct{})
	host, port, _ := startGateway(t, firstSessionOnly(func(conn *websocket.Conn) {
		respMeta, respBody := sendRequest(t, conn, requestMeta{
			RequestID: "req-1",
			Method:    "GET",
			Path:      "/computer/display/dimensions",
		}, nil)

		assert.Equal(t, http.StatusBadGateway, respMeta.Status)
		assert.Equal(t, "application/json", respMeta.Headers["content-type"])
		var detail map[string]any
		require.NoError(t, json.Unmarshal(respBody, &detail))
		assert.Equal(t, float64(http.StatusBadGateway), detail["status"])
		assert.Equal(t, "GET", detail["method"])
		close(done)
	}))

	client := newTestClient(host, port, targetPort, NewConnTracker())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway session did not complete")
	}
}

func TestTunnelChunksLargeResponses(t *testing.T) {
	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	targetPort := startLocalAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))

	done := make(chan struct{})
	host, port, _ := startGateway(t, firstSessionOnly(func(conn *websocket.Conn) {
		respMeta, respBody := sendRequest(t, conn, requestMeta{
			RequestID: "req-1",
			Method:    "GET",
			Path:      "/computer/display/screenshot",
		}, nil)
		assert.Equal(t, http.StatusOK, respMeta.Status)
		assert.Equal(t, payload, respBody)
		close(done)
	}))

	client := newTestClient(host, port, targetPort, NewConnTracker())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("gateway session did not complete")
	}
}

func TestTunnelEndFrameParity(t *testing.T) {
	targetPort := startLocalAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	const requests = 5
	done := make(chan int)
	host, port, _ := startGateway(t, firstSessionOnly(func(conn *websocket.Conn) {
		terminators := 0
		for i := 0; i < requests; i++ {
			_, _ = sendRequest(t, conn, requestMeta{
				RequestID: strconv.Itoa(i),
				Method:    "GET",
				Path:      "/internal/diagnostics",
			}, nil)
			terminators++
		}
		done <- terminators
	}))

	client := newTestClient(host, port, targetPort, NewConnTracker())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case got := <-done:
		assert.Equal(t, requests, got)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway session did not complete")
	}
}

func TestTunnelAuthFailureOn403(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer ts.Close()
	hostStr, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	portNum, _ := strconv.Atoi(portStr)

	tracker := NewConnTracker()
	client := newTestClient(hostStr, portNum, 1, tracker)

	finished := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not terminate on auth failure")
	}
	assert.Contains(t, tracker.Get().LastError, "AUTH_FAILURE")
	assert.False(t, tracker.Get().Connected)

	// No further attempts for at least one backoff window.
	before := attempts.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, before, attempts.Load())
}

func TestTunnelAuthFailureOnPolicyClose(t *testing.T) {
	host, port, _ := startGateway(t, func(conn *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth revoked"), deadline)
	})

	tracker := NewConnTracker()
	client := newTestClient(host, port, 1, tracker)

	finished := make(chan struct{})
	go func() {
		client.Run(context.Background())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not terminate on policy-violation close")
	}
	assert.Contains(t, tracker.Get().LastError, "AUTH_FAILURE")
}

func TestTunnelReconnectsAfterDrop(t *testing.T) {
	host, port, attempts := startGateway(t, func(conn *websocket.Conn) {
		// Drop the connection immediately; the client should come back.
	})

	client := newTestClient(host, port, 1, NewConnTracker())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool {
		return attempts.Load() >= 2
	}, 5*time.Second, 100*time.Millisecond, "client did not reconnect after a dropped connection")
}

func TestTunnelStopsOnCancel(t *testing.T) {
	session := make(chan struct{})
	host, port, _ := startGateway(t, func(conn *websocket.Conn) {
		close(session)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tracker := NewConnTracker()
	client := newTestClient(host, port, 1, tracker)
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(finished)
	}()

	select {
	case <-session:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}
	cancel()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not honor cancellation")
	}
	assert.False(t, tracker.Get().Connected)
}

func TestGatewayURL(t *testing.T) {
	client := New("https://gw.example.com/", 443, "s", 3000, types.AgentConfig{}, nil, "", nil)
	assert.Equal(t, "wss://gw.example.com:443/tunnel/ws", client.gatewayURL())

	client = New("gw.example.com", 8443, "s", 3000, types.AgentConfig{}, nil, "", nil)
	assert.Equal(t, "wss://gw.example.com:8443/tunnel/ws", client.gatewayURL())
}
