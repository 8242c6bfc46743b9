package protocol

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// legacyMarker reports bytes some broken clients prepend or append to
// frames. 0x01-0x03 are also C0 controls; 0xFE/0xFF are not valid UTF-8
// and must go before decoding so they do not become replacement runes.
func legacyMarker(b byte) bool {
	return b == 0xFE || b == 0xFF
}

// Clean turns a raw received buffer into a command string. NUL, CR, LF,
// every other C0 control, DEL and the legacy 0xFE/0xFF markers are
// removed; invalid UTF-8 is decoded lossily instead of rejected.
func Clean(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	filtered := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b < 0x20 || b == 0x7F || legacyMarker(b) {
			continue
		}
		filtered = append(filtered, b)
	}

	decoded, _, err := transform.Bytes(unicode.UTF8.NewDecoder(), filtered)
	if err != nil {
		decoded = []byte(strings.ToValidUTF8(string(filtered), "�"))
	}

	return strings.TrimSpace(string(decoded))
}
