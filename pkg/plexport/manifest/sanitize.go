package manifest

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxNameLength caps sanitized names, in runes, excluding the extension.
const MaxNameLength = 100

const fallbackName = "untitled"

var hostileReplacer = strings.NewReplacer(
	"/", " ",
	"\\", " ",
	":", " ",
	"*", "",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeName turns an arbitrary title into a safe single path segment.
func SanitizeName(s string) string {
	s = norm.NFC.String(s)
	s = hostileReplacer.Replace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, ". ")

	if utf8.RuneCountInString(s) > MaxNameLength {
		s = string([]rune(s)[:MaxNameLength])
		s = strings.TrimRight(s, ". ")
	}
	if s == "" {
		return fallbackName
	}
	return s
}

// SanitizeFilename sanitizes the stem of name and keeps a short extension.
func SanitizeFilename(name string) string {
	ext := path.Ext(name)
	if !validExt(ext) {
		return SanitizeName(name)
	}
	return SanitizeName(strings.TrimSuffix(name, ext)) + strings.ToLower(ext)
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// nameSet hands out names that are unique within one folder, compared
// case-insensitively. Collisions get a " (n)" suffix before the extension.
type nameSet map[string]struct{}

func (s nameSet) claim(name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 2; ; n++ {
		key := strings.ToLower(candidate)
		if _, taken := s[key]; !taken {
			s[key] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}
