//go:build windows

package input

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

var (
	user32          = windows.NewLazySystemDLL("user32.dll")
	procSendInput   = user32.NewProc("SendInput")
	procSetCursor   = user32.NewProc("SetCursorPos")
	procGetCursor   = user32.NewProc("GetCursorPos")
	procGetKeyState = user32.NewProc("GetKeyState")
)

const (
	inputMouse    = 0
	inputKeyboard = 1

	keyeventfExtendedKey = 0x0001
	keyeventfKeyUp       = 0x0002
	keyeventfScancode    = 0x0008

	mouseeventfLeftDown   = 0x0002
	mouseeventfLeftUp     = 0x0004
	mouseeventfRightDown  = 0x0008
	mouseeventfRightUp    = 0x0010
	mouseeventfMiddleDown = 0x0020
	mouseeventfMiddleUp   = 0x0040
	mouseeventfWheel      = 0x0800
	mouseeventfHWheel     = 0x1000

	wheelDelta = 120

	vkSpace   = 0x20
	vkCapital = 0x14
)

type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

type mouseInput struct {
	dx          int32
	dy          int32
	mouseData   int32
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

// winInput mirrors the INPUT union; the payload is sized for the larger
// MOUSEINPUT arm.
type winInput struct {
	inputType uint32
	_         uint32 // alignment padding before the union on amd64
	ki        keybdInput
	_         [8]byte
}

// windowsBackend injects input through SendInput. The keyboard path uses
// hardware scancodes so events survive RDP sessions and anti-automation
// virtual-key filtering.
type windowsBackend struct{}

// NewBackend returns the scancode-injection backend.
func NewBackend() (Backend, error) {
	return &windowsBackend{}, nil
}

func (b *windowsBackend) Close() error { return nil }

func sendKeyboardInput(ki keybdInput) {
	in := winInput{inputType: inputKeyboard, ki: ki}
	procSendInput.Call(1, uintptr(unsafe.Pointer(&in)), unsafe.Sizeof(in))
}

func sendMouseInput(mi mouseInput) {
	in := winInput{inputType: inputMouse}
	*(*mouseInput)(unsafe.Pointer(&in.ki)) = mi
	procSendInput.Call(1, uintptr(unsafe.Pointer(&in)), unsafe.Sizeof(in))
}

func sendScancode(code uint16, keyUp bool) {
	flags := uint32(keyeventfScancode)
	if code > 0xFF {
		flags |= keyeventfExtendedKey
		code &= 0xFF
	}
	if keyUp {
		flags |= keyeventfKeyUp
	}
	sendKeyboardInput(keybdInput{wScan: code, dwFlags: flags})
}

func sendVkSpace(keyUp bool) {
	var flags uint32
	if keyUp {
		flags |= keyeventfKeyUp
	}
	sendKeyboardInput(keybdInput{wVk: vkSpace, dwFlags: flags})
}

func capsLockOn() bool {
	state, _, _ := procGetKeyState.Call(vkCapital)
	return state&0x0001 != 0
}

func ensureCapsLockOff() {
	if !capsLockOn() {
		return
	}
	sendScancode(scanCapsLock, false)
	sendScancode(scanCapsLock, true)
	time.Sleep(50 * time.Millisecond)
}

func (b *windowsBackend) MoveMouse(x, y int) error {
	ret, _, err := procSetCursor.Call(uintptr(x), uintptr(y))
	if ret == 0 {
		return fmt.Errorf("%w: SetCursorPos: %v", types.ErrInput, err)
	}
	return nil
}

func (b *windowsBackend) CursorPosition() (int, int, error) {
	var pt struct{ x, y int32 }
	ret, _, err := procGetCursor.Call(uintptr(unsafe.Pointer(&pt)))
	if ret == 0 {
		return 0, 0, fmt.Errorf("%w: GetCursorPos: %v", types.ErrInput, err)
	}
	return int(pt.x), int(pt.y), nil
}

func (b *windowsBackend) ButtonDown(btn Button) error {
	return b.buttonEvent(btn, true)
}

func (b *windowsBackend) ButtonUp(btn Button) error {
	return b.buttonEvent(btn, false)
}

func (b *windowsBackend) buttonEvent(btn Button, down bool) error {
	var flags uint32
	switch btn {
	case ButtonLeft:
		flags = mouseeventfLeftDown
		if !down {
			flags = mouseeventfLeftUp
		}
	case ButtonRight:
		flags = mouseeventfRightDown
		if !down {
			flags = mouseeventfRightUp
		}
	case ButtonMiddle:
		flags = mouseeventfMiddleDown
		if !down {
			flags = mouseeventfMiddleUp
		}
	default:
		return fmt.Errorf("%w: unknown button %q", types.ErrRuntime, btn)
	}
	sendMouseInput(mouseInput{dwFlags: flags})
	return nil
}

func (b *windowsBackend) Scroll(axis Axis, amount int) error {
	mi := mouseInput{mouseData: int32(amount * wheelDelta)}
	if axis == AxisHorizontal {
		mi.dwFlags = mouseeventfHWheel
	} else {
		mi.dwFlags = mouseeventfWheel
	}
	sendMouseInput(mi)
	return nil
}

func (b *windowsBackend) TypeText(text string, experimentalSpace bool) error {
	ensureCapsLockOff()
	for _, ch := range text {
		if ch == ' ' && experimentalSpace {
			sendVkSpace(false)
			sendVkSpace(true)
			continue
		}
		code, needsShift := resolveCharScancode(ch)
		if code == 0 {
			continue
		}
		if needsShift {
			sendScancode(scanLeftShift, false)
		}
		sendScancode(code, false)
		sendScancode(code, true)
		if needsShift {
			sendScancode(scanLeftShift, true)
		}
	}
	return nil
}

// resolveCharScancode maps a character to (scancode, shift-needed).
// Unmapped characters return code 0 and are skipped by the caller.
func resolveCharScancode(ch rune) (uint16, bool) {
	if base, ok := ShiftedBase(ch); ok {
		code, found := ScancodeForChar(base)
		if !found {
			return 0, false
		}
		return code, true
	}
	if ch >= 'A' && ch <= 'Z' {
		code, found := ScancodeForChar(ch)
		if !found {
			return 0, false
		}
		return code, true
	}
	code, found := ScancodeForChar(ch)
	if !found {
		return 0, false
	}
	return code, false
}

func (b *windowsBackend) KeyDown(key string, experimentalSpace bool) error {
	return b.keyEvent(key, false, experimentalSpace)
}

func (b *windowsBackend) KeyUp(key string, experimentalSpace bool) error {
	return b.keyEvent(key, true, experimentalSpace)
}

func (b *windowsBackend) keyEvent(key string, keyUp, experimentalSpace bool) error {
	if key == "space" && experimentalSpace {
		sendVkSpace(keyUp)
		return nil
	}
	code, ok := ScancodeForKey(key)
	if !ok {
		return fmt.Errorf("%w: unknown key %q", types.ErrRuntime, key)
	}
	sendScancode(code, keyUp)
	return nil
}
