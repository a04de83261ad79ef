// Package keepalive fires synthetic user activity after an idle threshold
// and coordinates with real traffic: the tunnel and the API handlers
// record activity to push the timer out, and wait for the coordinator to
// go idle before touching the input device themselves.
package keepalive

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/input"
)

const (
	minThresholdMinutes = 0.1
	jitterRangeSeconds  = 7.0
	phraseRestDelay     = 80 * time.Millisecond
	stopJoinTimeout     = 2 * time.Second
)

// phrases is the pool synthetic activity types from. Short, innocuous
// strings that any idle-session monitor would accept as human.
var phrases = []string{
	"cookies", "checking notes", "be right back", "just a sec", "one moment",
	"thinking", "hmm", "on it", "almost there", "nearly done", "okay", "ok",
	"sure", "yep", "cool", "thanks", "working", "system settings", "logs",
	"utilities", "reports", "status", "calendar", "updates", "notepad",
	"calculator", "network",
}

// DimensionsFunc reports the primary display size, used to place the
// fallback click near the bottom-left corner.
type DimensionsFunc func() (width, height int, err error)

// Manager is the activity coordinator. One instance per supervisor.
type Manager struct {
	device *input.Device
	dims   DimensionsFunc

	mu               sync.Mutex
	idleCond         *sync.Cond
	enabled          bool
	thresholdSeconds float64
	lastActivity     time.Time
	nextAllowed      time.Time
	busy             bool
	clickX           *int
	clickY           *int
	stopped          bool
	running          bool
	done             chan struct{}

	// scheduleCh nudges the run loop whenever the deadline moves.
	scheduleCh chan struct{}
}

// New builds a manager. The loop is not started until EnsureStarted.
func New(device *input.Device, dims DimensionsFunc, enabled bool, thresholdMinutes float64, clickX, clickY *int) *Manager {
	m := &Manager{
		device:     device,
		dims:       dims,
		enabled:    enabled,
		clickX:     clickX,
		clickY:     clickY,
		scheduleCh: make(chan struct{}, 1),
	}
	m.idleCond = sync.NewCond(&m.mu)
	m.thresholdSeconds = thresholdFloor(thresholdMinutes)
	now := time.Now()
	m.lastActivity = now
	m.nextAllowed = now.Add(m.threshold())
	return m
}

func thresholdFloor(minutes float64) float64 {
	if minutes < minThresholdMinutes {
		minutes = minThresholdMinutes
	}
	return minutes * 60
}

func (m *Manager) threshold() time.Duration {
	return time.Duration(m.thresholdSeconds * float64(time.Second))
}

func (m *Manager) nudgeSchedule() {
	select {
	case m.scheduleCh <- struct{}{}:
	default:
	}
}

// RecordActivity marks real activity, pushing the next synthetic burst to
// now + threshold.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.nextAllowed = m.lastActivity.Add(m.threshold())
	m.mu.Unlock()
	m.nudgeSchedule()
}

// UpdateConfig applies new settings and resets the deadline.
func (m *Manager) UpdateConfig(enabled bool, thresholdMinutes float64, clickX, clickY *int) {
	m.mu.Lock()
	m.enabled = enabled
	m.thresholdSeconds = thresholdFloor(thresholdMinutes)
	m.clickX = clickX
	m.clickY = clickY
	m.nextAllowed = time.Now().Add(m.threshold())
	m.mu.Unlock()
	m.nudgeSchedule()
}

// WaitUntilIdle blocks while a synthetic burst is in flight.
func (m *Manager) WaitUntilIdle() {
	m.mu.Lock()
	for m.busy {
		m.idleCond.Wait()
	}
	m.mu.Unlock()
}

// Busy reports whether a synthetic burst is running.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// Enabled reports the current enable flag.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// EnsureStarted launches the run loop if it is not already running.
func (m *Manager) EnsureStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.stopped = false
	m.running = true
	m.done = make(chan struct{})
	go m.runLoop(m.done)
}

// Stop disables the coordinator and joins the loop with a 2 s timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.stopped = true
		m.enabled = false
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.enabled = false
	done := m.done
	m.mu.Unlock()
	m.nudgeSchedule()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
	}
}

func (m *Manager) runLoop(done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	for {
		m.mu.Lock()
		stopped, enabled, deadline := m.stopped, m.enabled, m.nextAllowed
		m.mu.Unlock()
		if stopped {
			return
		}
		if !enabled {
			<-m.scheduleCh
			continue
		}

		if wait := time.Until(deadline); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-m.scheduleCh:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		m.mu.Lock()
		if !m.enabled || m.stopped {
			m.mu.Unlock()
			continue
		}
		m.busy = true
		clickX, clickY := m.clickX, m.clickY
		m.mu.Unlock()

		if err := m.performActivity(clickX, clickY); err != nil {
			log.Warn().Err(err).Msg("keepalive activity failed")
		}

		m.mu.Lock()
		m.busy = false
		jitter := rand.Float64()*2*jitterRangeSeconds - jitterRangeSeconds
		cooldown := m.thresholdSeconds + jitter
		if cooldown < 0 {
			cooldown = 0
		}
		m.nextAllowed = time.Now().Add(time.Duration(cooldown * float64(time.Second)))
		m.mu.Unlock()
		m.idleCond.Broadcast()
	}
}

// performActivity clicks a quiet corner (or the configured anchor), types
// a few throwaway phrases and presses Escape.
func (m *Manager) performActivity(clickX, clickY *int) error {
	count := rand.Intn(4) + 2
	shuffled := append([]string(nil), phrases...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	chosen := shuffled[:count]

	x, y := 0, 0
	if clickX != nil && clickY != nil {
		x, y = *clickX, *clickY
	} else {
		height := 1080
		if m.dims != nil {
			if _, h, err := m.dims(); err == nil && h > 0 {
				height = h
			}
		}
		x = rand.Intn(3) + 1
		y = height - (rand.Intn(3) + 1)
	}

	if err := m.device.MoveMouse(x, y); err != nil {
		return err
	}
	if err := m.device.Click(nil, nil, input.ButtonLeft, true, true, 0); err != nil {
		return err
	}
	for _, phrase := range chosen {
		if err := m.device.TypeText(phrase, false); err != nil {
			return err
		}
		time.Sleep(phraseRestDelay)
	}
	return m.device.ExecuteKeySequence("escape", false)
}
