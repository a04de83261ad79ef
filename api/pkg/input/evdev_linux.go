//go:build linux

package input

import "os"

// Linux evdev keycodes for the keys the agent synthesizes.
const (
	evdevLeftShift = 42
	evdevLeftCtrl  = 29
	evdevLeftAlt   = 56
	evdevLeftMeta  = 125
)

var keyEvdevCodes = map[string]uint32{
	"ctrl":      evdevLeftCtrl,
	"control":   evdevLeftCtrl,
	"alt":       evdevLeftAlt,
	"option":    evdevLeftAlt,
	"shift":     evdevLeftShift,
	"win":       evdevLeftMeta,
	"windows":   evdevLeftMeta,
	"cmd":       evdevLeftMeta,
	"command":   evdevLeftMeta,
	"super":     evdevLeftMeta,
	"meta":      evdevLeftMeta,
	"escape":    1,
	"esc":       1,
	"backspace": 14,
	"tab":       15,
	"enter":     28,
	"return":    28,
	"space":     57,
	"capslock":  58,
	"home":      102,
	"end":       107,
	"pageup":    104,
	"pgup":      104,
	"pagedown":  109,
	"pgdn":      109,
	"insert":    110,
	"delete":    111,
	"up":        103,
	"uparrow":   103,
	"down":      108,
	"downarrow": 108,
	"left":      105,
	"leftarrow": 105,
	"right":     106,
	"rightarrow": 106,
	"f1": 59, "f2": 60, "f3": 61, "f4": 62, "f5": 63, "f6": 64,
	"f7": 65, "f8": 66, "f9": 67, "f10": 68, "f11": 87, "f12": 88,
}

var charEvdevCodes = map[rune]uint32{
	'1': 2, '2': 3, '3': 4, '4': 5, '5': 6, '6': 7, '7': 8, '8': 9, '9': 10, '0': 11,
	'-': 12, '=': 13, '\t': 15,
	'q': 16, 'w': 17, 'e': 18, 'r': 19, 't': 20, 'y': 21, 'u': 22, 'i': 23, 'o': 24, 'p': 25,
	'[': 26, ']': 27, '\n': 28,
	'a': 30, 's': 31, 'd': 32, 'f': 33, 'g': 34, 'h': 35, 'j': 36, 'k': 37, 'l': 38,
	';': 39, '\'': 40, '`': 41, '\\': 43,
	'z': 44, 'x': 45, 'c': 46, 'v': 47, 'b': 48, 'n': 49, 'm': 50,
	',': 51, '.': 52, '/': 53, ' ': 57,
}

// evdevForChar resolves a character to (keycode, shift-needed).
func evdevForChar(ch rune) (uint32, bool, bool) {
	if base, ok := ShiftedBase(ch); ok {
		code, found := charEvdevCodes[base]
		return code, true, found
	}
	if ch >= 'A' && ch <= 'Z' {
		code, found := charEvdevCodes[ch-'A'+'a']
		return code, true, found
	}
	code, found := charEvdevCodes[ch]
	return code, false, found
}

// evdevForKey resolves a normalized key name, falling back to the
// single-character table.
func evdevForKey(key string) (uint32, bool) {
	if code, ok := keyEvdevCodes[key]; ok {
		return code, true
	}
	runes := []rune(key)
	if len(runes) != 1 {
		return 0, false
	}
	code, _, ok := evdevForChar(runes[0])
	return code, ok
}

// displaySize reads the logical display size from the environment, with a
// 1080p default. Wayland virtual pointers have no display query of their
// own.
func displaySize() (int, int) {
	width, height := 1920, 1080
	if w := os.Getenv("CYBERDRIVER_SCREEN_WIDTH"); w != "" {
		if v := atoiPositive(w); v > 0 {
			width = v
		}
	}
	if h := os.Getenv("CYBERDRIVER_SCREEN_HEIGHT"); h != "" {
		if v := atoiPositive(h); v > 0 {
			height = v
		}
	}
	return width, height
}

func atoiPositive(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
