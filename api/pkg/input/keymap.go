package input

import "strings"

// KeyEvent is one half of a key stroke inside a parsed sequence.
type KeyEvent struct {
	Key  string
	Down bool
}

var modifierNames = map[string]bool{
	"ctrl":    true,
	"control": true,
	"alt":     true,
	"shift":   true,
	"win":     true,
	"windows": true,
	"cmd":     true,
	"command": true,
	"super":   true,
	"meta":    true,
	"option":  true,
}

// NormalizeKey canonicalizes a key token: lowercase with underscores
// stripped, so "Page_Up" and "pageup" name the same key.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "")
}

// IsModifier reports whether a normalized token is a modifier key.
func IsModifier(key string) bool {
	return modifierNames[key]
}

// ParseSequence splits an xdo-style key sequence into chord groups. A
// chord is a "+"-separated token list; modifiers press in listed order,
// each non-modifier key is clicked, then modifiers release in reverse.
// "ctrl+a ctrl+c" yields two groups of four events each.
func ParseSequence(sequence string) [][]KeyEvent {
	var groups [][]KeyEvent
	for _, chord := range strings.Fields(strings.TrimSpace(sequence)) {
		parts := strings.Split(chord, "+")
		var modifiers, keys []string
		for _, part := range parts {
			token := strings.ToLower(part)
			if modifierNames[token] {
				modifiers = append(modifiers, token)
			} else {
				keys = append(keys, token)
			}
		}
		events := make([]KeyEvent, 0, 2*len(modifiers)+2*len(keys))
		for _, m := range modifiers {
			events = append(events, KeyEvent{Key: m, Down: true})
		}
		for _, k := range keys {
			events = append(events, KeyEvent{Key: k, Down: true})
			events = append(events, KeyEvent{Key: k, Down: false})
		}
		for i := len(modifiers) - 1; i >= 0; i-- {
			events = append(events, KeyEvent{Key: modifiers[i], Down: false})
		}
		groups = append(groups, events)
	}
	return groups
}
