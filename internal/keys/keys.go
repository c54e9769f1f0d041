// Package keys translates symbolic key tokens (the same vocabulary tmux's
// send-keys and most terminal multiplexers use — "Up", "C-c", "M-x") into
// the literal byte sequence a terminal would emit for that keystroke.
package keys

import (
	"fmt"
	"strings"
)

// ErrInvalidKey is returned for a malformed modifier token ("C-" or "C-M-"
// followed by anything other than one letter or one of @[\]^_, or a bare
// "M-"). A token that is not a known named key and carries no modifier
// prefix is not an error: it passes through as literal text.
type ErrInvalidKey struct {
	Token string
}

func (e *ErrInvalidKey) Error() string {
	return fmt.Sprintf("invalid key: %q", e.Token)
}

// namedKeys maps named key tokens to the byte sequence xterm emits for them.
var namedKeys = map[string]string{
	"Up":         "\x1b[A",
	"Down":       "\x1b[B",
	"Right":      "\x1b[C",
	"Left":       "\x1b[D",
	"Home":       "\x1b[H",
	"End":        "\x1b[F",
	"PageUp":     "\x1b[5~",
	"PageDown":   "\x1b[6~",
	"Tab":        "\t",
	"Backspace":  "\x7f",
	"Delete":     "\x1b[3~",
	"Enter":      "\r",
	"Return":     "\r",
	"Escape":     "\x1b",
	"Space":      " ",
	"F1":         "\x1bOP",
	"F2":         "\x1bOQ",
	"F3":         "\x1bOR",
	"F4":         "\x1bOS",
	"F5":         "\x1b[15~",
	"F6":         "\x1b[17~",
	"F7":         "\x1b[18~",
	"F8":         "\x1b[19~",
	"F9":         "\x1b[20~",
	"F10":        "\x1b[21~",
	"F11":        "\x1b[23~",
	"F12":        "\x1b[24~",
}

// Translate converts a key token into the bytes a terminal would emit.
//
// Recognized forms:
//   - a named key from namedKeys ("Up", "Tab", "F5", ...)
//   - "C-x": Ctrl+x, x any ASCII letter, mapped to the control byte 0x01-0x1A
//   - "M-x": Meta/Alt+x, mapped to an ESC prefix followed by x's bytes
//   - "C-M-x": both modifiers combined
//   - anything else is passed through verbatim as literal text
func Translate(token string) ([]byte, error) {
	if b, ok := namedKeys[token]; ok {
		return []byte(b), nil
	}

	if rest, ok := stripPrefix(token, "C-M-"); ok {
		b, err := controlByte(rest)
		if err != nil {
			return nil, err
		}
		return append([]byte{0x1b}, b...), nil
	}
	if rest, ok := stripPrefix(token, "M-C-"); ok {
		b, err := controlByte(rest)
		if err != nil {
			return nil, err
		}
		return append([]byte{0x1b}, b...), nil
	}
	if rest, ok := stripPrefix(token, "C-"); ok {
		return controlByte(rest)
	}
	if rest, ok := stripPrefix(token, "M-"); ok {
		if b, ok := namedKeys[rest]; ok {
			return append([]byte{0x1b}, []byte(b)...), nil
		}
		if rest == "" {
			return nil, &ErrInvalidKey{Token: token}
		}
		return append([]byte{0x1b}, []byte(rest)...), nil
	}

	// Not a recognized prefix form and not a named key: pass through verbatim
	// as literal text.
	return []byte(token), nil
}

func stripPrefix(token, prefix string) (string, bool) {
	if strings.HasPrefix(token, prefix) {
		return token[len(prefix):], true
	}
	return "", false
}

// controlByte maps a single ASCII letter to its control byte (Ctrl+A=0x01 .. Ctrl+Z=0x1A).
func controlByte(rest string) ([]byte, error) {
	if len(rest) != 1 {
		return nil, &ErrInvalidKey{Token: "C-" + rest}
	}
	c := rest[0]
	switch {
	case c >= 'a' && c <= 'z':
		return []byte{c - 'a' + 1}, nil
	case c >= 'A' && c <= 'Z':
		return []byte{c - 'A' + 1}, nil
	case c == '@':
		return []byte{0x00}, nil
	case c == '[':
		return []byte{0x1b}, nil
	case c == '\\':
		return []byte{0x1c}, nil
	case c == ']':
		return []byte{0x1d}, nil
	case c == '^':
		return []byte{0x1e}, nil
	case c == '_':
		return []byte{0x1f}, nil
	default:
		return nil, &ErrInvalidKey{Token: "C-" + rest}
	}
}
