// Package validation checks user-supplied city names and derives the key every
// cache tier, counter and queue entry is stored under.
package validation

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrLocationEmpty        = errors.New("location is required")
	ErrLocationTooShort     = errors.New("location too short")
	ErrLocationTooLong      = errors.New("location too long")
	ErrLocationInvalidChars = errors.New("location contains invalid characters")
)

// ValidateLocation trims input and checks it is between minLen and maxLen runes
// (non-positive bounds are ignored) of letters, digits, space, comma, hyphen,
// period or apostrophe, so "St. John's" passes. The trimmed input is returned
// as typed; NormalizeCity gives the identity key.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	switch n := utf8.RuneCountInString(s); {
	case n == 0:
		return "", ErrLocationEmpty
	case minLen > 0 && n < minLen:
		return "", ErrLocationTooShort
	case maxLen > 0 && n > maxLen:
		return "", ErrLocationTooLong
	}
	if strings.IndexFunc(s, disallowed) >= 0 {
		return "", ErrLocationInvalidChars
	}
	return s, nil
}

// NormalizeCity lowercases city and collapses whitespace runs to one space.
func NormalizeCity(city string) string {
	return strings.ToLower(strings.Join(strings.Fields(city), " "))
}

func disallowed(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return false
	}
	return !strings.ContainsRune(" ,-.'", r)
}
