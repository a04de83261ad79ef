package input

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// Inter-event timing. These delays are part of the synthesis contract:
// target applications debounce faster input.
const (
	clickHoldDelay    = 24 * time.Millisecond
	clickRestDelay    = 80 * time.Millisecond
	dragHingeDelay    = 20 * time.Millisecond
	preClickSettle    = 14 * time.Millisecond
	modifierGapDelay  = 8 * time.Millisecond
	modifiedKeyDelay  = 6 * time.Millisecond
)

// Device serializes all input synthesis through one mutex over one
// platform backend. Construct it once and share the handle.
type Device struct {
	mu      sync.Mutex
	backend Backend
}

// NewDevice wraps a backend.
func NewDevice(backend Backend) *Device {
	return &Device{backend: backend}
}

// Close releases the backend.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.Close()
}

// MoveMouse warps the cursor to absolute coordinates.
func (d *Device) MoveMouse(x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.MoveMouse(x, y)
}

// CursorPosition reports the pointer location.
func (d *Device) CursorPosition() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.CursorPosition()
}

// TypeText types a UTF-8 string.
func (d *Device) TypeText(text string, experimentalSpace bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.TypeText(text, experimentalSpace)
}

// ExecuteKeySequence parses and plays an xdo-style sequence: per chord,
// modifiers press in order with an 8 ms gap, keys click with a 6 ms gap
// after a held modifier, modifiers release in reverse order.
func (d *Device) ExecuteKeySequence(sequence string, experimentalSpace bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, group := range ParseSequence(sequence) {
		modifierHeld := false
		for _, event := range group {
			key := NormalizeKey(event.Key)
			if IsModifier(key) {
				if event.Down {
					if err := d.backend.KeyDown(key, experimentalSpace); err != nil {
						return err
					}
					modifierHeld = true
					time.Sleep(modifierGapDelay)
				} else if err := d.backend.KeyUp(key, experimentalSpace); err != nil {
					return err
				}
				continue
			}
			if !event.Down {
				continue
			}
			if modifierHeld {
				time.Sleep(modifiedKeyDelay)
			}
			if err := d.backend.KeyDown(key, experimentalSpace); err != nil {
				return err
			}
			if err := d.backend.KeyUp(key, experimentalSpace); err != nil {
				return err
			}
		}
	}
	return nil
}

// Click performs the button gesture at optional coordinates. With down
// set, only the press or release half is emitted. clicks > 0 performs that
// many full clicks with an 80 ms rest after each.
func (d *Device) Click(x, y *int, btn Button, press, release bool, clicks int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if x != nil && y != nil {
		if err := d.backend.MoveMouse(*x, *y); err != nil {
			return err
		}
		time.Sleep(preClickSettle)
	}
	if clicks > 0 {
		for i := 0; i < clicks; i++ {
			if err := d.backend.ButtonDown(btn); err != nil {
				return err
			}
			time.Sleep(clickHoldDelay)
			if err := d.backend.ButtonUp(btn); err != nil {
				return err
			}
			time.Sleep(clickRestDelay)
		}
		return nil
	}
	if press && release {
		if err := d.backend.ButtonDown(btn); err != nil {
			return err
		}
		time.Sleep(clickHoldDelay)
		return d.backend.ButtonUp(btn)
	}
	if press {
		return d.backend.ButtonDown(btn)
	}
	if release {
		return d.backend.ButtonUp(btn)
	}
	return nil
}

// Drag presses at the start point, moves to the end point and releases,
// with 20 ms hinge delays. A positive duration interpolates the move along
// a straight line at 60 steps per second.
func (d *Device) Drag(startX, startY, endX, endY int, btn Button, duration float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.backend.MoveMouse(startX, startY); err != nil {
		return err
	}
	time.Sleep(dragHingeDelay)
	if err := d.backend.ButtonDown(btn); err != nil {
		return err
	}
	time.Sleep(dragHingeDelay)
	if duration > 0 {
		steps := int(math.Max(math.Ceil(duration*60), 1))
		stepDelay := time.Duration(duration / float64(steps) * float64(time.Second))
		for i := 1; i <= steps; i++ {
			t := float64(i) / float64(steps)
			x := int(math.Round(float64(startX) + float64(endX-startX)*t))
			y := int(math.Round(float64(startY) + float64(endY-startY)*t))
			if err := d.backend.MoveMouse(x, y); err != nil {
				return err
			}
			time.Sleep(stepDelay)
		}
	} else {
		if err := d.backend.MoveMouse(endX, endY); err != nil {
			return err
		}
	}
	time.Sleep(dragHingeDelay)
	return d.backend.ButtonUp(btn)
}

// Scroll emits a directional scroll. Direction maps to a signed axis
// delta: up=+V, down=-V, left=-H, right=+H. Zero amount is a no-op.
func (d *Device) Scroll(direction string, amount int, x, y *int) error {
	if amount == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if x != nil && y != nil {
		if err := d.backend.MoveMouse(*x, *y); err != nil {
			return err
		}
	}
	switch direction {
	case "up":
		return d.backend.Scroll(AxisVertical, amount)
	case "down":
		return d.backend.Scroll(AxisVertical, -amount)
	case "left":
		return d.backend.Scroll(AxisHorizontal, -amount)
	case "right":
		return d.backend.Scroll(AxisHorizontal, amount)
	default:
		return fmt.Errorf("%w: invalid scroll direction %q", types.ErrRuntime, direction)
	}
}
