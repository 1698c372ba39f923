package platform

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder turns raw tool output and log files into UTF-8. Windows tools write
// either UTF-16LE (sfc, wevtutil, some DISM builds) or the console's OEM code page.
type Decoder struct {
	oem encoding.Encoding
}

// NewDecoder returns a decoder for the given OEM code page ("437", "850" or
// "utf-8").
func NewDecoder(codePage string) (*Decoder, error) {
	switch strings.ToLower(codePage) {
	case "437", "":
		return &Decoder{oem: charmap.CodePage437}, nil
	case "850":
		return &Decoder{oem: charmap.CodePage850}, nil
	case "utf-8", "utf8":
		return &Decoder{oem: encoding.Nop}, nil
	default:
		return nil, fmt.Errorf("unsupported OEM code page %q", codePage)
	}
}

// Reader wraps r with a decoding transform chosen by sniffing the first bytes.
func (d *Decoder) Reader(r io.Reader) io.Reader {
	br := bufio.NewReaderSize(r, 4096)
	head, _ := br.Peek(512)
	return transform.NewReader(br, d.pick(head).NewDecoder())
}

// Bytes decodes a complete buffer.
func (d *Decoder) Bytes(b []byte) (string, error) {
	out, _, err := transform.Bytes(d.pick(b).NewDecoder(), b)
	if err != nil {
		return "", fmt.Errorf("failed to decode output: %w", err)
	}
	return strings.TrimPrefix(string(out), "\ufeff"), nil
}

func (d *Decoder) pick(head []byte) encoding.Encoding {
	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)
	case bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	case bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}):
		return unicode.UTF8BOM
	case looksUTF16LE(head):
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case isUTF8(head):
		return encoding.Nop
	default:
		return d.oem
	}
}

// looksUTF16LE detects BOM-less UTF-16LE by the share of NUL high bytes.
func looksUTF16LE(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	pairs, zeros := 0, 0
	for i := 1; i < len(b); i += 2 {
		pairs++
		if b[i] == 0 && b[i-1] != 0 {
			zeros++
		}
	}
	return zeros*10 >= pairs*7
}

// isUTF8 tolerates a rune cut off at the end of the sniffed prefix.
func isUTF8(b []byte) bool {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return true
		}
		b = b[:len(b)-1]
	}
	return len(b) == 0
}
