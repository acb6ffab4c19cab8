package keystroke

import (
	"fmt"
	"strconv"
	"strings"
)

// Linux evdev key codes used by default profiles and the CLI.
const (
	KeyEsc        Keycode = 1
	Key1          Keycode = 2
	Key2          Keycode = 3
	Key3          Keycode = 4
	Key4          Keycode = 5
	Key5          Keycode = 6
	Key6          Keycode = 7
	Key7          Keycode = 8
	Key8          Keycode = 9
	Key9          Keycode = 10
	Key0          Keycode = 11
	KeyMinus      Keycode = 12
	KeyEqual      Keycode = 13
	KeyBackspace  Keycode = 14
	KeyTab        Keycode = 15
	KeyQ          Keycode = 16
	KeyW          Keycode = 17
	KeyE          Keycode = 18
	KeyR          Keycode = 19
	KeyT          Keycode = 20
	KeyY          Keycode = 21
	KeyU          Keycode = 22
	KeyI          Keycode = 23
	KeyO          Keycode = 24
	KeyP          Keycode = 25
	KeyLeftBrace  Keycode = 26
	KeyRightBrace Keycode = 27
	KeyEnter      Keycode = 28
	KeyLeftCtrl   Keycode = 29
	KeyA          Keycode = 30
	KeyS          Keycode = 31
	KeyD          Keycode = 32
	KeyF          Keycode = 33
	KeyG          Keycode = 34
	KeyH          Keycode = 35
	KeyJ          Keycode = 36
	KeyK          Keycode = 37
	KeyL          Keycode = 38
	KeySemicolon  Keycode = 39
	KeyApostrophe Keycode = 40
	KeyGrave      Keycode = 41
	KeyLeftShift  Keycode = 42
	KeyBackslash  Keycode = 43
	KeyZ          Keycode = 44
	KeyX          Keycode = 45
	KeyC          Keycode = 46
	KeyV          Keycode = 47
	KeyB          Keycode = 48
	KeyN          Keycode = 49
	KeyM          Keycode = 50
	KeyComma      Keycode = 51
	KeyDot        Keycode = 52
	KeySlash      Keycode = 53
	KeyRightShift Keycode = 54
	KeyLeftAlt    Keycode = 56
	KeySpace      Keycode = 57
	KeyCapsLock   Keycode = 58
	KeyRightCtrl  Keycode = 97
	KeyRightAlt   Keycode = 100
	KeyPause      Keycode = 119
	KeyLeftMeta   Keycode = 125
	KeyRightMeta  Keycode = 126
)

var keyNames = map[Keycode]string{
	KeyEsc: "esc", Key1: "1", Key2: "2", Key3: "3", Key4: "4", Key5: "5",
	Key6: "6", Key7: "7", Key8: "8", Key9: "9", Key0: "0",
	KeyMinus: "minus", KeyEqual: "equal", KeyBackspace: "backspace", KeyTab: "tab",
	KeyQ: "q", KeyW: "w", KeyE: "e", KeyR: "r", KeyT: "t", KeyY: "y", KeyU: "u",
	KeyI: "i", KeyO: "o", KeyP: "p",
	KeyLeftBrace: "leftbrace", KeyRightBrace: "rightbrace", KeyEnter: "enter",
	KeyLeftCtrl: "leftctrl",
	KeyA: "a", KeyS: "s", KeyD: "d", KeyF: "f", KeyG: "g", KeyH: "h", KeyJ: "j",
	KeyK: "k", KeyL: "l",
	KeySemicolon: "semicolon", KeyApostrophe: "apostrophe", KeyGrave: "grave",
	KeyLeftShift: "leftshift", KeyBackslash: "backslash",
	KeyZ: "z", KeyX: "x", KeyC: "c", KeyV: "v", KeyB: "b", KeyN: "n", KeyM: "m",
	KeyComma: "comma", KeyDot: "dot", KeySlash: "slash",
	KeyRightShift: "rightshift", KeyLeftAlt: "leftalt", KeySpace: "space",
	KeyCapsLock: "capslock", KeyRightCtrl: "rightctrl", KeyRightAlt: "rightalt",
	KeyPause: "pause", KeyLeftMeta: "leftmeta", KeyRightMeta: "rightmeta",
}

var keysByName = func() map[string]Keycode {
	m := make(map[string]Keycode, len(keyNames))
	for code, name := range keyNames {
		m[name] = code
	}
	return m
}()

// KeyName returns a short lowercase name for k, or its number.
func KeyName(k Keycode) string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return strconv.Itoa(int(k))
}

// ParseKeycode accepts a key name ("f", "leftctrl", "KEY_F") or a number.
func ParseKeycode(s string) (Keycode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "key_")
	if s == "" {
		return 0, fmt.Errorf("empty keycode")
	}
	if code, ok := keysByName[s]; ok {
		return code, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown key %q", s)
	}
	if n < 0 || n >= KeycodeCount {
		return 0, fmt.Errorf("keycode %d out of range", n)
	}
	return Keycode(n), nil
}
