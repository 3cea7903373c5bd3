package pipeline

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Sanitize removes character sequences that corrupt downstream serializers:
// NUL bytes, invalid UTF-8 (including CESU-8 encoded surrogate halves), and
// textual \uXXXX escapes of lone UTF-16 surrogates inside raw JSON bodies.
// Paired surrogate escapes are left alone since they decode to valid code
// points.
func Sanitize(s string) string {
	if isClean(s) {
		return s
	}
	return stripEscapedLoneSurrogates(stripInvalidRunes(s))
}

func isClean(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	if strings.IndexByte(s, 0x00) >= 0 {
		return false
	}
	return !strings.Contains(s, `\u`)
}

func stripInvalidRunes(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0x00) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		if r == 0x00 || (r >= 0xD800 && r <= 0xDFFF) {
			i += size
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

// stripEscapedLoneSurrogates drops \uD800-\uDFFF escapes that do not form a
// high/low pair.
func stripEscapedLoneSurrogates(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r1, ok1 := surrogateEscapeAt(s, i)
		if !ok1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		if utf16.IsSurrogate(r1) && r1 >= 0xD800 && r1 < 0xDC00 {
			// High half: keep only if followed by a low half.
			if r2, ok2 := surrogateEscapeAt(s, i+6); ok2 && r2 >= 0xDC00 && r2 <= 0xDFFF {
				b.WriteString(s[i : i+12])
				i += 12
				continue
			}
			i += 6
			continue
		}
		if r1 >= 0xDC00 && r1 <= 0xDFFF {
			// Lone low half.
			i += 6
			continue
		}
		b.WriteString(s[i : i+6])
		i += 6
	}
	return b.String()
}

// surrogateEscapeAt decodes a \uXXXX escape starting at i, if present.
func surrogateEscapeAt(s string, i int) (rune, bool) {
	if i+6 > len(s) || s[i] != '\\' || s[i+1] != 'u' {
		return 0, false
	}
	var r rune
	for _, c := range []byte(s[i+2 : i+6]) {
		var d rune
		switch {
		case c >= '0' && c <= '9':
			d = rune(c - '0')
		case c >= 'a' && c <= 'f':
			d = rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = rune(c-'A') + 10
		default:
			return 0, false
		}
		r = r<<4 | d
	}
	return r, true
}
