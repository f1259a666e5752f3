// Package normalize implements the UTF-8 canonicalisation rules the wire
// protocol and tag-name index depend on: NFC composition for every line a
// client sends, and a stricter "fuzz" normalisation used to derive the
// lookup key for a tag name.
package normalize

import (
	"crypto/md5"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Key is the 128-bit lookup key derived from a tag's fuzz-normalised name.
type Key [16]byte

var errInvalidUTF8 = errors.New("normalize: invalid utf-8")

// Line NFC-composes a single protocol line. Returns an error if s is not
// valid UTF-8 or a stable NFC form cannot be produced.
func Line(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errInvalidUTF8
	}
	return norm.NFC.String(s), nil
}

// FuzzKey derives the canonical lookup key for a tag display name: NFC
// compose, NFD decompose, strip combining marks, casefold (simple lowercase
// over the decomposed runes), drop a fixed set of punctuation/control bytes,
// then MD5 the result. Distinct spellings that differ only by accents,
// case, or the stripped punctuation collide on the same Key.
func FuzzKey(name string) Key {
	return Key(md5.Sum([]byte(Fuzz(name))))
}

// Fuzz returns the canonicalised string FuzzKey hashes, exposed separately
// so callers (e.g. alias resolution diagnostics) can show the normalised form.
func Fuzz(name string) string {
	composed := norm.NFC.String(name)
	decomposed := norm.NFD.String(composed)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue // strip combining marks (accents) left behind by NFD
		}
		if isDroppedPunctOrControl(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// isDroppedPunctOrControl matches the fixed set of punctuation/control runes
// the fuzz normalisation drops outright rather than folding: whitespace,
// C0 control characters, and ASCII punctuation that commonly varies between
// otherwise-identical tag spellings ("_" vs " ", trailing "!", etc).
func isDroppedPunctOrControl(r rune) bool {
	if unicode.IsControl(r) {
		return true
	}
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case '_', '-', '.', '\'', '"', '!', '?', ',', ':', ';', '(', ')', '[', ']', '{', '}', '/', '\\':
		return true
	}
	return false
}
