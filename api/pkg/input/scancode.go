package input

// PC/AT set-1 scancodes used by the Windows low-level injection path.
// Codes above 0xFF carry the extended prefix in the high byte; the sender
// strips it into the KEYEVENTF_EXTENDEDKEY flag.

const (
	scanLeftShift = 0x2A
	scanCapsLock  = 0x3A
)

var charScancodes = map[rune]uint16{
	'A': 0x1E, 'B': 0x30, 'C': 0x2E, 'D': 0x20, 'E': 0x12, 'F': 0x21,
	'G': 0x22, 'H': 0x23, 'I': 0x17, 'J': 0x24, 'K': 0x25, 'L': 0x26,
	'M': 0x32, 'N': 0x31, 'O': 0x18, 'P': 0x19, 'Q': 0x10, 'R': 0x13,
	'S': 0x1F, 'T': 0x14, 'U': 0x16, 'V': 0x2F, 'W': 0x11, 'X': 0x2D,
	'Y': 0x15, 'Z': 0x2C,
	'1': 0x02, '2': 0x03, '3': 0x04, '4': 0x05, '5': 0x06,
	'6': 0x07, '7': 0x08, '8': 0x09, '9': 0x0A, '0': 0x0B,
	'-': 0x0C, '=': 0x0D, '[': 0x1A, ']': 0x1B, ';': 0x27,
	'\'': 0x28, '`': 0x29, '\\': 0x2B, ',': 0x33, '.': 0x34,
	'/': 0x35, ' ': 0x39, '\t': 0x0F, '\n': 0x1C,
}

var keyScancodes = map[string]uint16{
	"shift":     0x2A,
	"lshift":    0x2A,
	"rshift":    0x36,
	"ctrl":      0x1D,
	"control":   0x1D,
	"lcontrol":  0x1D,
	"rcontrol":  0xE01D,
	"alt":       0x38,
	"lalt":      0x38,
	"ralt":      0xE038,
	"win":       0xE05B,
	"windows":   0xE05B,
	"lwin":      0xE05B,
	"super":     0xE05B,
	"cmd":       0xE05B,
	"rwin":      0xE05C,
	"escape":    0x01,
	"esc":       0x01,
	"backspace": 0x0E,
	"tab":       0x0F,
	"enter":     0x1C,
	"return":    0x1C,
	"space":     0x39,
	"capslock":  0x3A,
	"home":      0xE047,
	"end":       0xE04F,
	"pageup":    0xE049,
	"pagedown":  0xE051,
	"insert":    0xE052,
	"delete":    0xE053,
	"up":        0xE048,
	"uparrow":   0xE048,
	"down":      0xE050,
	"downarrow": 0xE050,
	"left":      0xE04B,
	"leftarrow": 0xE04B,
	"right":     0xE04D,
	"rightarrow": 0xE04D,
	"f1": 0x3B, "f2": 0x3C, "f3": 0x3D, "f4": 0x3E,
	"f5": 0x3F, "f6": 0x40, "f7": 0x41, "f8": 0x42,
	"f9": 0x43, "f10": 0x44, "f11": 0x57, "f12": 0x58,
}

// shiftedChars maps shifted punctuation and symbols back to the base key
// that produces them with shift held.
var shiftedChars = map[rune]rune{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5',
	'^': '6', '&': '7', '*': '8', '(': '9', ')': '0',
	'_': '-', '+': '=', '{': '[', '}': ']', ':': ';',
	'"': '\'', '~': '`', '|': '\\', '<': ',', '>': '.',
	'?': '/',
}

// ScancodeForChar resolves a character to its set-1 scancode, case folded
// to the unshifted key.
func ScancodeForChar(ch rune) (uint16, bool) {
	if ch >= 'a' && ch <= 'z' {
		ch = ch - 'a' + 'A'
	}
	code, ok := charScancodes[ch]
	return code, ok
}

// ScancodeForKey resolves a normalized key name, falling back to the
// single-character table.
func ScancodeForKey(key string) (uint16, bool) {
	if code, ok := keyScancodes[key]; ok {
		return code, true
	}
	runes := []rune(key)
	if len(runes) != 1 {
		return 0, false
	}
	return ScancodeForChar(runes[0])
}

// ShiftedBase returns the unshifted key producing ch with shift held.
func ShiftedBase(ch rune) (rune, bool) {
	base, ok := shiftedChars[ch]
	return base, ok
}
