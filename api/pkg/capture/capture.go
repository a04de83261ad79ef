// Package capture produces PNG screenshots of the primary display with an
// optional resize pass. Backend selection is a compile-time choice; the
// portable backend always returns the physical frame, a native backend may
// honor a target resolution at capture time.
package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

const (
	captureAttempts = 3
	captureRetryGap = 50 * time.Millisecond
)

// Mode selects how a frame is fitted to the requested dimensions.
type Mode string

const (
	ModeExact      Mode = "exact"
	ModeAspectFit  Mode = "aspect_fit"
	ModeAspectFill Mode = "aspect_fill"
)

// ParseMode maps a wire string to a Mode, defaulting to exact.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAspectFit, ModeAspectFill:
		return Mode(s)
	}
	return ModeExact
}

// Backend is the platform capture capability.
type Backend interface {
	// Name labels the backend in metrics.
	Name() string

	// AcceptsTarget reports whether Capture can scale at capture time.
	AcceptsTarget() bool

	// Capture grabs the primary display. target is a hint honored only
	// when AcceptsTarget; origW/origH are the physical frame dimensions.
	Capture(target *image.Point) (img *image.RGBA, origW, origH int, err error)

	// Dimensions returns the logical size of the primary display.
	Dimensions() (width, height int, err error)
}

// Metrics describes one capture for the debug log.
type Metrics struct {
	CaptureMS float64
	ResizeMS  float64
	EncodeMS  float64
	OrigW     int
	OrigH     int
	OutW      int
	OutH      int
	Bytes     int
	Filter    string
	Backend   string
}

// Result is an encoded screenshot.
type Result struct {
	PNG     []byte
	Metrics Metrics
}

// Service runs the capture pipeline over one backend.
type Service struct {
	backend Backend
}

// NewService wraps a backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// New builds a service on the compile-time selected backend.
func New() *Service {
	return NewService(newPlatformBackend())
}

// Dimensions reports the primary display's logical size.
func (s *Service) Dimensions() (int, int, error) {
	return s.backend.Dimensions()
}

// Capture grabs, resizes and encodes one frame, making up to three attempts,
// 50 ms apart, on transient capture failures.
func (s *Service) Capture(width, height *int, mode Mode) (Result, error) {
	var result Result
	err := retry.Do(
		func() error {
			var err error
			result, err = s.captureOnce(width, height, mode)
			return err
		},
		retry.Attempts(captureAttempts),
		retry.Delay(captureRetryGap),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Debug().Uint("attempt", attempt+1).Err(err).Msg("screen capture retry")
		}),
	)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrImage, err)
	}
	return result, nil
}

// RawFrame returns the raw RGBA bytes of one physical frame. Used by the
// black-screen watchdog, which wants pixel statistics rather than a PNG.
func (s *Service) RawFrame() ([]byte, error) {
	img, _, _, err := s.backend.Capture(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrImage, err)
	}
	return img.Pix, nil
}

func (s *Service) captureOnce(width, height *int, mode Mode) (Result, error) {
	targetHint := s.resolveTarget(width, height)
	var captureTarget *image.Point
	if mode == ModeExact {
		captureTarget = targetHint
	}

	captureStart := time.Now()
	img, origW, origH, err := s.backend.Capture(captureTarget)
	if err != nil {
		return Result{}, err
	}
	captureMS := msSince(captureStart)

	capturedW := img.Bounds().Dx()
	capturedH := img.Bounds().Dy()
	// No hint (only one dimension given, or no display info): the
	// captured frame is used as-is.
	targetW, targetH := capturedW, capturedH
	if targetHint != nil {
		targetW, targetH = targetHint.X, targetHint.Y
	}
	// The portable backend always hands back the physical frame; with no
	// explicit dimensions there is nothing to gain from rescaling it to
	// the logical size.
	if !s.backend.AcceptsTarget() && width == nil && height == nil && mode == ModeExact {
		targetW, targetH = capturedW, capturedH
	}

	var out image.Image = img
	filter := "none"
	var resizeMS float64
	if targetW != capturedW || targetH != capturedH {
		resizeStart := time.Now()
		out, filter = scale(img, targetW, targetH, mode)
		resizeMS = msSince(resizeStart)
	}

	encodeStart := time.Now()
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return Result{}, err
	}
	encodeMS := msSince(encodeStart)

	bounds := out.Bounds()
	return Result{
		PNG: buf.Bytes(),
		Metrics: Metrics{
			CaptureMS: captureMS,
			ResizeMS:  resizeMS,
			EncodeMS:  encodeMS,
			OrigW:     origW,
			OrigH:     origH,
			OutW:      bounds.Dx(),
			OutH:      bounds.Dy(),
			Bytes:     buf.Len(),
			Filter:    filter,
			Backend:   s.backend.Name(),
		},
	}, nil
}

// resolveTarget decides the requested output size. Both dimensions: use
// them. Neither: the logical display size. Exactly one: no hint — the
// partial request deliberately falls through to the captured dimensions.
func (s *Service) resolveTarget(width, height *int) *image.Point {
	if width != nil && height != nil {
		return &image.Point{X: *width, Y: *height}
	}
	if width != nil || height != nil {
		return nil
	}
	w, h, err := s.backend.Dimensions()
	if err != nil {
		return nil
	}
	return &image.Point{X: w, Y: h}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
