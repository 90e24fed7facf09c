package telnet

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// The wire carries opaque bytes; CP1252 is applied only at the application
// boundary, when queueing outbound text and when surfacing assembled input.

var (
	cp1252Encoder = encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	cp1252Decoder = charmap.Windows1252.NewDecoder()
)

// EncodeCP1252 converts application text to CP1252 wire bytes. Runes outside
// the code page are replaced rather than dropped, so output length is
// predictable.
func EncodeCP1252(s string) []byte {
	out, err := cp1252Encoder.Bytes([]byte(s))
	if err != nil {
		// ReplaceUnsupported never reports an error; fall back defensively.
		return []byte(s)
	}
	return out
}

// DecodeCP1252 converts CP1252 wire bytes to application text. Every byte
// value decodes, so this cannot fail.
func DecodeCP1252(b []byte) string {
	out, err := cp1252Decoder.Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}
