package inputbus

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Key event state masks, as IBus reports them.
const (
	ShiftMask   uint32 = 1 << 0
	LockMask    uint32 = 1 << 1
	ControlMask uint32 = 1 << 2
	Mod1Mask    uint32 = 1 << 3 // Alt
	Mod4Mask    uint32 = 1 << 6 // Super/Meta
	ReleaseMask uint32 = 1 << 30
)

// Keysyms with special meaning to the controller.
const (
	KeyBackSpace uint32 = 0xff08
	KeyTab       uint32 = 0xff09
	KeyReturn    uint32 = 0xff0d
	KeyEscape    uint32 = 0xff1b
	KeyDelete    uint32 = 0xffff
	KeySpace     uint32 = 0x0020
)

// KeyEvent is one raw key press or release.
type KeyEvent struct {
	Keysym  uint32
	Keycode uint32
	State   uint32
}

// Released reports whether this is a key release.
func (k KeyEvent) Released() bool {
	return k.State&ReleaseMask != 0
}

// HasCommandModifier reports whether Control, Alt or Super is held.
func (k KeyEvent) HasCommandModifier() bool {
	return k.State&(ControlMask|Mod1Mask|Mod4Mask) != 0
}

// Rune returns the character the key types, or 0.
func (k KeyEvent) Rune() rune {
	return KeysymToRune(k.Keysym)
}

// Release returns the matching release event.
func (k KeyEvent) Release() KeyEvent {
	k.State |= ReleaseMask
	return k
}

func (k KeyEvent) String() string {
	var mods []string
	if k.State&ControlMask != 0 {
		mods = append(mods, "ctrl")
	}
	if k.State&Mod1Mask != 0 {
		mods = append(mods, "alt")
	}
	if k.State&Mod4Mask != 0 {
		mods = append(mods, "super")
	}
	name := keyName(k.Keysym)
	if len(mods) > 0 {
		name = strings.Join(mods, "+") + "+" + name
	}
	if k.Released() {
		name += " (release)"
	}
	return name
}

// Press returns the press event for a character.
func Press(r rune) KeyEvent {
	return KeyEvent{Keysym: RuneToKeysym(r)}
}

// KeysymToRune converts an X11 keysym to the character it types.
func KeysymToRune(keysym uint32) rune {
	switch {
	case keysym >= 0x20 && keysym <= 0x7e:
		return rune(keysym)
	case keysym >= 0xa0 && keysym <= 0xff:
		return rune(keysym)
	case keysym >= 0x01000100 && keysym <= 0x0110ffff:
		// Unicode keysyms (0x01000000 + codepoint)
		return rune(keysym - 0x01000000)
	}
	return 0
}

// RuneToKeysym is the inverse of KeysymToRune.
func RuneToKeysym(r rune) uint32 {
	switch {
	case r >= 0x20 && r <= 0x7e, r >= 0xa0 && r <= 0xff:
		return uint32(r)
	case r == '\b':
		return KeyBackSpace
	case r == '\t':
		return KeyTab
	case r == '\n', r == '\r':
		return KeyReturn
	case r == 0x1b:
		return KeyEscape
	case r == 0x7f:
		return KeyDelete
	}
	return 0x01000000 + uint32(r)
}

var namedKeys = map[string]uint32{
	"backspace": KeyBackSpace,
	"tab":       KeyTab,
	"return":    KeyReturn,
	"enter":     KeyReturn,
	"escape":    KeyEscape,
	"esc":       KeyEscape,
	"delete":    KeyDelete,
	"space":     KeySpace,
}

func keyName(keysym uint32) string {
	for name, sym := range namedKeys {
		if sym == keysym && name != "enter" && name != "esc" {
			return name
		}
	}
	if r := KeysymToRune(keysym); r != 0 {
		return string(r)
	}
	return fmt.Sprintf("0x%x", keysym)
}

// ParseKey parses a key description: a single character, a key name such
// as "BackSpace" or "space", optionally prefixed by "ctrl+", "alt+",
// "super+" or "shift+".
func ParseKey(s string) (KeyEvent, error) {
	var ev KeyEvent
	rest := s
	for {
		i := strings.IndexByte(rest, '+')
		if i <= 0 || i == len(rest)-1 {
			break
		}
		switch strings.ToLower(rest[:i]) {
		case "ctrl", "control":
			ev.State |= ControlMask
		case "alt":
			ev.State |= Mod1Mask
		case "super", "meta":
			ev.State |= Mod4Mask
		case "shift":
			ev.State |= ShiftMask
		default:
			return KeyEvent{}, fmt.Errorf("unknown modifier %q in %q", rest[:i], s)
		}
		rest = rest[i+1:]
	}

	if utf8.RuneCountInString(rest) == 1 {
		r, _ := utf8.DecodeRuneInString(rest)
		ev.Keysym = RuneToKeysym(r)
		return ev, nil
	}
	if sym, ok := namedKeys[strings.ToLower(rest)]; ok {
		ev.Keysym = sym
		return ev, nil
	}
	return KeyEvent{}, fmt.Errorf("unknown key %q", s)
}
