// Package input serializes mouse, keyboard and scroll synthesis behind one
// mutex. The platform specifics live behind the Backend capability
// interface; the Device owns timing, chord parsing and composite gestures.
package input

// Button identifies a mouse button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonMiddle Button = "middle"
	ButtonRight  Button = "right"
)

// Axis identifies a scroll axis.
type Axis int

const (
	AxisVertical Axis = iota
	AxisHorizontal
)

// Backend is the platform input capability. Implementations are not
// required to be goroutine safe; the Device serializes all calls.
type Backend interface {
	// MoveMouse warps the cursor to absolute screen coordinates.
	MoveMouse(x, y int) error

	// ButtonDown / ButtonUp press and release a mouse button.
	ButtonDown(btn Button) error
	ButtonUp(btn Button) error

	// Scroll emits a signed scroll on the given axis. Positive vertical
	// is up, positive horizontal is right.
	Scroll(axis Axis, amount int) error

	// TypeText emits the string as key events.
	TypeText(text string, experimentalSpace bool) error

	// KeyDown / KeyUp press and release a key by normalized name
	// (lowercase, underscores stripped). Unknown multi-character names
	// are an error; single characters fall back to their code point.
	KeyDown(key string, experimentalSpace bool) error
	KeyUp(key string, experimentalSpace bool) error

	// CursorPosition reports the current pointer location.
	CursorPosition() (x, y int, err error)

	Close() error
}

// ParseButton validates a wire button name.
func ParseButton(name string) (Button, bool) {
	switch Button(name) {
	case ButtonLeft, ButtonMiddle, ButtonRight:
		return Button(name), true
	}
	return "", false
}
