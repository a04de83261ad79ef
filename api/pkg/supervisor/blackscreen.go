package supervisor

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	blackScreenMinInterval  = 5 * time.Second
	blackScreenInitialDelay = 5 * time.Second
	blackScreenRecheckDelay = 5 * time.Second

	// A console-less RDP session renders as near-zero bytes with almost
	// no spread. Thresholds tuned on real captures.
	blackScreenMeanMax     = 10.0
	blackScreenVarianceMax = 1.0
)

func (r *Runtime) startBlackScreenIfEnabledLocked() {
	if !r.settings.BlackScreenRecovery {
		return
	}
	if r.blackScreenHandle != nil {
		return
	}
	interval := time.Duration(r.settings.BlackScreenCheckInterval * float64(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.runBlackScreenWatchdog(ctx, interval)
	}()
	r.blackScreenHandle = &taskHandle{cancel: cancel, done: done}
	log.Info().Msg("black screen recovery enabled")
}

func (r *Runtime) stopBlackScreenLocked() {
	if r.blackScreenHandle == nil {
		return
	}
	handle := r.blackScreenHandle
	r.blackScreenHandle = nil
	handle.cancel()
	select {
	case <-handle.done:
	case <-time.After(taskStopTimeout):
	}
	log.Info().Msg("black screen recovery stopped")
}

// runBlackScreenWatchdog periodically samples the screen and, when two
// checks 5 s apart both classify it as black, fires the platform recovery
// action. Only meaningful on Windows, where a disconnected RDP session
// blanks the console.
func (r *Runtime) runBlackScreenWatchdog(ctx context.Context, interval time.Duration) {
	if runtime.GOOS != "windows" {
		return
	}
	if interval < blackScreenMinInterval {
		interval = blackScreenMinInterval
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(blackScreenInitialDelay):
	}
	r.checkAndRecover(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		r.checkAndRecover(ctx)
	}
}

func (r *Runtime) checkAndRecover(ctx context.Context) {
	if !r.screenLooksBlack() {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(blackScreenRecheckDelay):
	}
	if !r.screenLooksBlack() {
		return
	}
	log.Warn().Msg("black screen confirmed; attempting console recovery")
	recoverConsole()
}

func (r *Runtime) screenLooksBlack() bool {
	frame, err := r.capture.RawFrame()
	if err != nil || len(frame) == 0 {
		return false
	}
	mean, variance := byteStats(frame)
	return variance < blackScreenVarianceMax && mean < blackScreenMeanMax
}

// byteStats computes per-byte mean and variance over a raw frame.
func byteStats(frame []byte) (mean, variance float64) {
	var sum, sumSq float64
	for _, b := range frame {
		v := float64(b)
		sum += v
		sumSq += v * v
	}
	n := float64(len(frame))
	mean = sum / n
	variance = sumSq/n - mean*mean
	return mean, variance
}
