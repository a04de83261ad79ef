// Package tunnel maintains the persistent websocket to the gateway and
// multiplexes HTTP requests over it: meta text frame, binary body frames,
// an "end" terminator, then the mirrored response framing back out.
package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/keepalive"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

const (
	pingInterval     = 20 * time.Second
	writeTimeout     = 10 * time.Second
	responseChunkMax = 16 * 1024

	backoffInitial = 1 * time.Second
	backoffMax     = 16 * time.Second
	jitterMax      = 1 * time.Second

	defaultForwardTimeout = 30 * time.Second
	shellExecPath         = "/computer/shell/powershell/exec"
	shellTimeoutSlack     = 3.0
)

// requestMeta is the gateway's opening text frame for one request.
type requestMeta struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// responseMeta heads the response framing.
type responseMeta struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
}

// tunnelResponse is a materialized response ready to frame out.
type tunnelResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

// Client is the reverse tunnel. One Run loop per connection lifecycle;
// the supervisor cancels the context to stop it.
type Client struct {
	Host               string
	Port               int
	Secret             string
	TargetPort         int
	Config             types.AgentConfig
	Keepalive          *keepalive.Manager // nil when keep-alive is off
	RemoteKeepaliveFor string
	Conn               *ConnTracker

	cache      *idempotencyCache
	httpClient *http.Client

	// scheme is swapped to "ws" by tests running against httptest.
	scheme string

	writeMu sync.Mutex
}

// New builds a client.
func New(host string, port int, secret string, targetPort int, cfg types.AgentConfig,
	ka *keepalive.Manager, remoteKeepaliveFor string, conn *ConnTracker) *Client {
	return &Client{
		Host:               host,
		Port:               port,
		Secret:             secret,
		TargetPort:         targetPort,
		Config:             cfg,
		Keepalive:          ka,
		RemoteKeepaliveFor: remoteKeepaliveFor,
		Conn:               conn,
		cache:              newIdempotencyCache(),
		httpClient:         &http.Client{},
		scheme:             "wss",
	}
}

// Run connects and serves until the context is cancelled or the gateway
// signals a permanent auth failure. Transport errors reconnect with
// exponential backoff (1 s doubling to 16 s) plus up to 1 s of jitter.
func (c *Client) Run(ctx context.Context) {
	bo := newBackoff(backoffInitial, backoffMax)
	for {
		if ctx.Err() != nil {
			c.setDisconnected("")
			return
		}
		start := time.Now()
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setDisconnected("")
			return
		}
		if connected {
			bo.Reset()
		}
		message := ""
		if err != nil {
			message = err.Error()
		}
		c.setDisconnected(message)
		if err != nil {
			log.Info().
				Err(err).
				Float64("duration_s", time.Since(start).Seconds()).
				Msg("tunnel connection closed")
			if errors.Is(err, types.ErrAuthFailure) {
				return
			}
		}

		delay := bo.Next() + jitter(jitterMax)
		log.Debug().Dur("delay", delay).Msg("tunnel reconnect scheduled")
		select {
		case <-ctx.Done():
			c.setDisconnected("")
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) setDisconnected(lastError string) {
	if c.Conn == nil {
		return
	}
	c.Conn.Update(func(info *types.ConnectionInfo) {
		info.Connected = false
		info.LastError = lastError
	})
}

// gatewayURL normalizes the configured host (scheme prefixes and trailing
// slashes tolerated) into the websocket endpoint.
func (c *Client) gatewayURL() string {
	host := strings.TrimPrefix(c.Host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	return fmt.Sprintf("%s://%s:%d/tunnel/ws", c.scheme, host, c.Port)
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	url := c.gatewayURL()
	log.Debug().Str("url", url).Msg("tunnel connection attempt")

	if c.Conn != nil {
		host := strings.TrimPrefix(strings.TrimPrefix(c.Host, "https://"), "http://")
		host = strings.TrimSuffix(host, "/")
		port := c.Port
		c.Conn.Update(func(info *types.ConnectionInfo) {
			info.Host = host
			info.Port = port
		})
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Secret)
	header.Set("X-PIGLET-FINGERPRINT", c.Config.Fingerprint)
	header.Set("X-PIGLET-VERSION", c.Config.Version)
	if c.RemoteKeepaliveFor != "" {
		header.Set("X-Remote-Keepalive-For", c.RemoteKeepaliveFor)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return false, types.ErrAuthFailure
		}
		return false, fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	log.Info().Str("url", url).Msg("tunnel connection established")
	if c.Conn != nil {
		c.Conn.Update(func(info *types.ConnectionInfo) {
			info.Connected = true
			info.LastError = ""
		})
	}

	// Cancellation unblocks the read loop by closing the socket.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()
	go c.pingLoop(connCtx, conn)

	return true, c.serve(connCtx, conn)
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// serve reads frames and processes requests sequentially. Frame order per
// request is meta, body chunks, "end"; the gateway relies on in-order,
// non-interleaved handling.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	var meta *requestMeta
	var body bytes.Buffer

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				return types.ErrAuthFailure
			}
			return fmt.Errorf("connection closed: %w", err)
		}

		switch msgType {
		case websocket.TextMessage:
			if string(data) == "end" {
				if meta == nil {
					continue
				}
				current := meta
				meta = nil
				if c.Keepalive != nil {
					c.Keepalive.RecordActivity()
				}
				response := c.forwardRequest(ctx, current, body.Bytes())
				body.Reset()
				if err := c.sendResponse(conn, current, response); err != nil {
					return err
				}
			} else {
				var parsed requestMeta
				if err := json.Unmarshal(data, &parsed); err != nil {
					return fmt.Errorf("bad request meta: %w", err)
				}
				meta = &parsed
				body.Reset()
				if c.Keepalive != nil {
					c.Keepalive.RecordActivity()
				}
			}
		case websocket.BinaryMessage:
			body.Write(data)
		}
	}
}

// forwardTimeout picks the per-request deadline: shell exec requests get
// the caller's own timeout plus slack so the local API can answer its
// timeout shape itself.
func forwardTimeout(meta *requestMeta, body []byte) time.Duration {
	seconds := defaultForwardTimeout.Seconds()
	if meta.Path == shellExecPath {
		if t, ok := extractTimeout(body); ok {
			seconds = t + shellTimeoutSlack
		}
	}
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds * float64(time.Second))
}

func extractTimeout(body []byte) (float64, bool) {
	var payload struct {
		Timeout *float64 `json:"timeout"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Timeout == nil {
		return 0, false
	}
	return *payload.Timeout, true
}

func idempotencyKey(headers map[string]string) (string, bool) {
	for name, value := range headers {
		if strings.EqualFold(name, "x-idempotency-key") {
			return value, true
		}
	}
	return "", false
}

// forwardRequest resolves one request against the local API, consulting
// the idempotency cache first. It never fails: transport errors become a
// 500 response.
func (c *Client) forwardRequest(ctx context.Context, meta *requestMeta, body []byte) tunnelResponse {
	start := time.Now()

	key, hasKey := idempotencyKey(meta.Headers)
	if hasKey {
		if cached, ok := c.cache.Get(key); ok {
			log.Debug().Str("key", key).Str("path", meta.Path).Msg("idempotency cache hit")
			return cached
		}
	}

	if c.Keepalive != nil {
		c.Keepalive.WaitUntilIdle()
		c.Keepalive.RecordActivity()
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", c.TargetPort, meta.Path)
	if meta.Query != "" {
		url += "?" + meta.Query
	}

	reqCtx, cancel := context.WithTimeout(ctx, forwardTimeout(meta, body))
	defer cancel()

	method := strings.ToUpper(meta.Method)
	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return errorResponse(err)
	}
	for name, value := range meta.Headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorResponse(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(err)
	}
	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	response := tunnelResponse{status: resp.StatusCode, headers: headers, body: respBody}

	log.Debug().
		Str("method", meta.Method).
		Str("path", meta.Path).
		Int("status", response.status).
		Float64("duration_ms", float64(time.Since(start))/float64(time.Millisecond)).
		Msg("request forwarded")

	// An error status with no body confuses gateway-side consumers;
	// synthesize a JSON detail for them.
	if response.status >= 400 && len(response.body) == 0 {
		response.headers["content-type"] = "application/json"
		detail, _ := json.Marshal(map[string]any{
			"detail": "Cyberdriver local API returned an error with an empty body",
			"status": response.status,
			"method": meta.Method,
			"path":   meta.Path,
		})
		response.body = detail
	}

	if hasKey {
		c.cache.Put(key, response)
	}
	return response
}

func errorResponse(err error) tunnelResponse {
	return tunnelResponse{
		status:  http.StatusInternalServerError,
		headers: map[string]string{"content-type": "text/plain"},
		body:    []byte(err.Error()),
	}
}

// sendResponse frames the response: meta text frame, body in binary
// chunks of at most 16 KiB, then the "end" terminator.
func (c *Client) sendResponse(conn *websocket.Conn, meta *requestMeta, response tunnelResponse) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	metaFrame, err := json.Marshal(responseMeta{
		RequestID: meta.RequestID,
		Status:    response.status,
		Headers:   response.headers,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, metaFrame); err != nil {
		return fmt.Errorf("response meta write: %w", err)
	}
	for offset := 0; offset < len(response.body); offset += responseChunkMax {
		end := offset + responseChunkMax
		if end > len(response.body) {
			end = len(response.body)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, response.body[offset:end]); err != nil {
			return fmt.Errorf("response chunk write: %w", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("end")); err != nil {
		return fmt.Errorf("response terminator write: %w", err)
	}
	return nil
}
