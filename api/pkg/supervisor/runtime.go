// Package supervisor owns the long-running pieces of the agent: the local
// HTTP server, the tunnel client, the keep-alive coordinator and the
// black-screen watchdog. It reacts to settings changes and keeps the pid
// sidecar current.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/capture"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/config"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/input"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/keepalive"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/logger"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/server"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/tunnel"
	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

const (
	taskStopTimeout    = 2 * time.Second
	settingsPollPeriod = 5 * time.Second
)

type serverHandle struct {
	port     int
	server   *http.Server
	done     chan struct{}
}

type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime is the agent supervisor. All methods are serialized by its
// mutex; the tasks it owns run on their own goroutines.
type Runtime struct {
	mu sync.Mutex

	cfg       types.AgentConfig
	settings  types.Settings
	device    *input.Device
	capture   *capture.Service
	keepalive *keepalive.Manager
	connInfo  *tunnel.ConnTracker

	serverHandle      *serverHandle
	tunnelHandle      *taskHandle
	blackScreenHandle *taskHandle

	settingsMtime time.Time

	// requestExit is invoked when a self-update hands off to the updater
	// script.
	requestExit func()
}

// New loads config and settings and builds the runtime. The input backend
// is created once; every consumer shares the same serialized device.
func New(requestExit func()) (*Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	backend, err := input.NewBackend()
	if err != nil {
		return nil, err
	}
	device := input.NewDevice(backend)
	captureService := capture.New()

	return NewWithComponents(cfg, settings, device, captureService, requestExit), nil
}

// NewWithComponents wires a runtime from pre-built collaborators. Tests
// inject mock backends through here.
func NewWithComponents(cfg types.AgentConfig, settings types.Settings,
	device *input.Device, captureService *capture.Service, requestExit func()) *Runtime {
	r := &Runtime{
		cfg:           cfg,
		settings:      settings,
		device:        device,
		capture:       captureService,
		connInfo:      tunnel.NewConnTracker(),
		settingsMtime: config.SettingsMtime(),
		requestExit:   requestExit,
	}
	r.keepalive = keepalive.New(device, captureService.Dimensions,
		settings.KeepaliveEnabled, settings.KeepaliveThresholdMinutes,
		settings.KeepaliveClickX, settings.KeepaliveClickY)
	return r
}

// Config returns the persisted identity.
func (r *Runtime) Config() types.AgentConfig {
	return r.cfg
}

// Settings returns a snapshot of the current settings.
func (r *Runtime) Settings() types.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Status builds the snapshot the front-end polls.
func (r *Runtime) Status() types.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.connInfo.Get()
	status := types.Status{
		LocalServerRunning:  r.serverHandle != nil,
		TunnelConnected:     r.tunnelHandle != nil && conn.Connected,
		KeepaliveEnabled:    r.settings.KeepaliveEnabled,
		BlackScreenRecovery: r.settings.BlackScreenRecovery,
		DebugEnabled:        r.settings.Debug,
		LastError:           conn.LastError,
		MachineUUID:         r.cfg.Fingerprint,
		Version:             r.cfg.Version,
	}
	if r.serverHandle != nil {
		status.LocalServerPort = r.serverHandle.port
	}
	return status
}

// Start brings the agent up: with a secret configured it connects the
// tunnel (which also starts the local server); without one it only runs
// the local server and waits for settings.
func (r *Runtime) Start() error {
	settings := r.Settings()
	if settings.Secret == "" {
		log.Info().Msg("missing API key; running local server only")
		_, err := r.StartLocalServer()
		return err
	}
	return r.ConnectTunnel()
}

// Stop tears everything down.
func (r *Runtime) Stop() error {
	if err := r.DisconnectTunnel(); err != nil {
		return err
	}
	return r.StopLocalServer()
}

// StartLocalServer binds the local API on the first free port at or above
// the preferred one. Idempotent: an already-running server is returned.
func (r *Runtime) StartLocalServer() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocalServerLocked()
}

func (r *Runtime) startLocalServerLocked() (int, error) {
	if r.serverHandle != nil {
		return r.serverHandle.port, nil
	}
	settings := r.settings

	port, err := config.FindAvailablePort("127.0.0.1", settings.TargetPort)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrRuntime, err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to bind server: %v", types.ErrRuntime, err)
	}

	api := server.New(server.Options{
		Config:         r.cfg,
		Device:         r.device,
		Capture:        r.capture,
		Keepalive:      r.keepalive,
		Settings:       r.Settings,
		ConnectionInfo: r.connInfo.Get,
		Status:         r.Status,
		RequestExit:    r.requestExit,
	})
	httpServer := &http.Server{Handler: api.Router()}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("local API server exited")
		}
	}()

	r.serverHandle = &serverHandle{port: port, server: httpServer, done: done}
	log.Info().Int("port", port).Msg("local API started")

	if err := config.WritePidInfo(types.PidInfo{
		Command:   "start",
		LocalPort: port,
		CloudHost: settings.Host,
		CloudPort: settings.Port,
	}); err != nil {
		log.Debug().Err(err).Msg("pid sidecar write failed")
	}
	return port, nil
}

// StopLocalServer shuts the local API down with a 2 s grace period.
func (r *Runtime) StopLocalServer() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocalServerLocked()
}

func (r *Runtime) stopLocalServerLocked() error {
	if r.serverHandle == nil {
		return nil
	}
	handle := r.serverHandle
	r.serverHandle = nil

	ctx, cancel := context.WithTimeout(context.Background(), taskStopTimeout)
	defer cancel()
	_ = handle.server.Shutdown(ctx)
	select {
	case <-handle.done:
	case <-time.After(taskStopTimeout):
	}
	log.Info().Msg("local API stopped")
	return nil
}

// ConnectTunnel spawns the tunnel task. Requires a secret; ensures the
// local server is running first. Idempotent.
func (r *Runtime) ConnectTunnel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectTunnelLocked()
}

func (r *Runtime) connectTunnelLocked() error {
	if r.tunnelHandle != nil {
		return nil
	}
	settings := r.settings
	if settings.Secret == "" {
		return fmt.Errorf("%w: missing API key", types.ErrRuntime)
	}
	localPort, err := r.startLocalServerLocked()
	if err != nil {
		return err
	}

	var ka *keepalive.Manager
	if settings.KeepaliveEnabled {
		ka = r.keepalive
	}
	client := tunnel.New(settings.Host, settings.Port, settings.Secret, localPort,
		r.cfg, ka, settings.RegisterAsKeepaliveFor, r.connInfo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	r.tunnelHandle = &taskHandle{cancel: cancel, done: done}
	log.Info().Str("host", settings.Host).Msg("tunnel connect requested")

	if err := config.WritePidInfo(types.PidInfo{
		Command:   "join",
		LocalPort: localPort,
		CloudHost: settings.Host,
		CloudPort: settings.Port,
	}); err != nil {
		log.Debug().Err(err).Msg("pid sidecar write failed")
	}

	r.startKeepaliveIfEnabledLocked()
	r.startBlackScreenIfEnabledLocked()
	return nil
}

// DisconnectTunnel cancels the tunnel task and the helpers it drags along.
func (r *Runtime) DisconnectTunnel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnectTunnelLocked()
}

func (r *Runtime) disconnectTunnelLocked() error {
	if r.tunnelHandle != nil {
		handle := r.tunnelHandle
		r.tunnelHandle = nil
		handle.cancel()
		select {
		case <-handle.done:
		case <-time.After(taskStopTimeout):
		}
		log.Info().Msg("tunnel disconnected")
	}
	r.keepalive.Stop()
	r.stopBlackScreenLocked()
	return nil
}

func (r *Runtime) startKeepaliveIfEnabledLocked() {
	if r.settings.KeepaliveEnabled {
		r.keepalive.EnsureStarted()
	}
}

// UpdateSettings persists new settings and applies the diff: tunnel-
// affecting changes restart the tunnel, a debug change re-levels the
// logger, keep-alive and black-screen policy are always re-applied.
func (r *Runtime) UpdateSettings(next types.Settings) error {
	if err := config.SaveSettings(next); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settingsMtime = config.SettingsMtime()
	return r.applySettingsLocked(next)
}

func (r *Runtime) applySettingsLocked(next types.Settings) error {
	current := r.settings
	tunnelChanged := !current.TunnelAffectingFieldsEqual(next)
	debugChanged := current.Debug != next.Debug
	r.settings = next

	if debugChanged {
		logger.SetDebug(next.Debug)
	}

	r.keepalive.UpdateConfig(next.KeepaliveEnabled, next.KeepaliveThresholdMinutes,
		next.KeepaliveClickX, next.KeepaliveClickY)
	if next.KeepaliveEnabled {
		r.keepalive.EnsureStarted()
	} else {
		r.keepalive.Stop()
	}

	if next.BlackScreenRecovery {
		r.startBlackScreenIfEnabledLocked()
	} else {
		r.stopBlackScreenLocked()
	}

	if tunnelChanged {
		log.Info().Msg("settings changed; restarting tunnel")
		if err := r.disconnectTunnelLocked(); err != nil {
			return err
		}
		if err := r.stopLocalServerLocked(); err != nil {
			return err
		}
		if next.Secret == "" {
			_, err := r.startLocalServerLocked()
			return err
		}
		return r.connectTunnelLocked()
	}
	return nil
}

// RefreshSettingsIfChanged reloads the settings file when its mtime moved.
// A stable mtime is a no-op; the tunnel is not touched.
func (r *Runtime) RefreshSettingsIfChanged() error {
	nextMtime := config.SettingsMtime()
	r.mu.Lock()
	if nextMtime.IsZero() || nextMtime.Equal(r.settingsMtime) {
		r.mu.Unlock()
		return nil
	}
	r.settingsMtime = nextMtime
	r.mu.Unlock()

	next, err := config.LoadSettings()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applySettingsLocked(next)
}

// WatchSettings polls the settings file every 5 s, with an fsnotify
// watcher layered on top to pick changes up promptly, until ctx ends.
func (r *Runtime) WatchSettings(ctx context.Context) {
	events := watchSettingsFile(ctx, config.SettingsPath())
	ticker := time.NewTicker(settingsPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		case <-ticker.C:
		}
		if err := r.RefreshSettingsIfChanged(); err != nil {
			log.Warn().Err(err).Msg("settings refresh failed")
		}
	}
}
