//go:build linux

package input

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/wayland-virtual-input-go/virtual_keyboard"
	"github.com/bnema/wayland-virtual-input-go/virtual_pointer"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

// waylandBackend drives zwlr_virtual_pointer_v1 and
// zwp_virtual_keyboard_v1. The virtual pointer protocol only supports
// relative motion, so the backend tracks the cursor position itself and
// converts absolute moves into deltas.
type waylandBackend struct {
	pointerManager  *virtual_pointer.VirtualPointerManager
	pointer         *virtual_pointer.VirtualPointer
	keyboardManager *virtual_keyboard.VirtualKeyboardManager
	keyboard        *virtual_keyboard.VirtualKeyboard

	screenWidth  int
	screenHeight int
	curX         float64
	curY         float64
	initialized  bool
}

// NewBackend connects to the Wayland compositor and creates virtual
// pointer and keyboard devices.
func NewBackend() (Backend, error) {
	ctx := context.Background()
	pointerManager, err := virtual_pointer.NewVirtualPointerManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: create virtual pointer manager: %v", types.ErrInput, err)
	}
	pointer, err := pointerManager.CreatePointer()
	if err != nil {
		pointerManager.Close()
		return nil, fmt.Errorf("%w: create virtual pointer: %v", types.ErrInput, err)
	}
	keyboardManager, err := virtual_keyboard.NewVirtualKeyboardManager(ctx)
	if err != nil {
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("%w: create virtual keyboard manager: %v", types.ErrInput, err)
	}
	keyboard, err := keyboardManager.CreateKeyboard()
	if err != nil {
		keyboardManager.Close()
		pointer.Close()
		pointerManager.Close()
		return nil, fmt.Errorf("%w: create virtual keyboard: %v", types.ErrInput, err)
	}
	width, height := displaySize()
	return &waylandBackend{
		pointerManager:  pointerManager,
		pointer:         pointer,
		keyboardManager: keyboardManager,
		keyboard:        keyboard,
		screenWidth:     width,
		screenHeight:    height,
		curX:            float64(width) / 2,
		curY:            float64(height) / 2,
	}, nil
}

func (b *waylandBackend) Close() error {
	var first error
	for _, close := range []func() error{
		b.keyboard.Close,
		b.keyboardManager.Close,
		b.pointer.Close,
		b.pointerManager.Close,
	} {
		if err := close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *waylandBackend) MoveMouse(x, y int) error {
	targetX, targetY := float64(x), float64(y)
	dx := targetX - b.curX
	dy := targetY - b.curY
	if !b.initialized {
		dx = targetX - float64(b.screenWidth)/2
		dy = targetY - float64(b.screenHeight)/2
		b.initialized = true
	}
	b.curX, b.curY = targetX, targetY
	if dx != 0 || dy != 0 {
		b.pointer.MoveRelative(dx, dy)
		b.pointer.Frame()
	}
	return nil
}

func (b *waylandBackend) CursorPosition() (int, int, error) {
	return int(b.curX), int(b.curY), nil
}

func buttonCode(btn Button) (uint32, error) {
	switch btn {
	case ButtonLeft:
		return virtual_pointer.BTN_LEFT, nil
	case ButtonMiddle:
		return virtual_pointer.BTN_MIDDLE, nil
	case ButtonRight:
		return virtual_pointer.BTN_RIGHT, nil
	}
	return 0, fmt.Errorf("%w: unknown button %q", types.ErrRuntime, btn)
}

func (b *waylandBackend) ButtonDown(btn Button) error {
	code, err := buttonCode(btn)
	if err != nil {
		return err
	}
	b.pointer.Button(time.Now(), code, virtual_pointer.BUTTON_STATE_PRESSED)
	b.pointer.Frame()
	return nil
}

func (b *waylandBackend) ButtonUp(btn Button) error {
	code, err := buttonCode(btn)
	if err != nil {
		return err
	}
	b.pointer.Button(time.Now(), code, virtual_pointer.BUTTON_STATE_RELEASED)
	b.pointer.Frame()
	return nil
}

func (b *waylandBackend) Scroll(axis Axis, amount int) error {
	// Positive vertical is up for callers; the wire wants scroll-down
	// positive, so flip. One notch approximates 15 wayland units.
	delta := float64(amount) * 15
	if axis == AxisVertical {
		b.pointer.ScrollVertical(-delta)
	} else {
		b.pointer.ScrollHorizontal(delta)
	}
	b.pointer.Frame()
	return nil
}

func (b *waylandBackend) TypeText(text string, _ bool) error {
	for _, ch := range text {
		code, shift, ok := evdevForChar(ch)
		if !ok {
			continue
		}
		if shift {
			b.key(evdevLeftShift, true)
		}
		b.key(code, true)
		b.key(code, false)
		if shift {
			b.key(evdevLeftShift, false)
		}
	}
	return nil
}

func (b *waylandBackend) KeyDown(key string, _ bool) error {
	return b.namedKey(key, true)
}

func (b *waylandBackend) KeyUp(key string, _ bool) error {
	return b.namedKey(key, false)
}

func (b *waylandBackend) namedKey(key string, down bool) error {
	code, ok := evdevForKey(key)
	if !ok {
		return fmt.Errorf("%w: unknown key %q", types.ErrRuntime, key)
	}
	b.key(code, down)
	return nil
}

func (b *waylandBackend) key(code uint32, down bool) {
	state := virtual_keyboard.KeyStateReleased
	if down {
		state = virtual_keyboard.KeyStatePressed
	}
	_ = b.keyboard.Key(time.Now(), code, state)
}
