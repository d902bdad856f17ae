// Package validate checks user-supplied input before it reaches the registries.
package validate

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxNameLength  = 8
	MaxChatLength  = 100
	RoomCodeLength = 4
)

var (
	ErrNameLength = errors.New("name must be 1-8 characters")
	ErrNameChars  = errors.New("name may only contain letters, digits and Chinese characters")
	ErrCodeFormat = errors.New("room code must be exactly 4 digits")
	ErrChatLength = errors.New("message must be 1-100 characters")
)

// Name accepts 1-8 runes drawn from ASCII letters, ASCII digits and the
// CJK unified ideographs block U+4E00..U+9FA5.
func Name(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > MaxNameLength {
		return ErrNameLength
	}
	for _, r := range name {
		if !nameRune(r) {
			return ErrNameChars
		}
	}
	return nil
}

func nameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r >= 0x4E00 && r <= 0x9FA5:
		return true
	}
	return false
}

func RoomCode(code string) error {
	if len(code) != RoomCodeLength {
		return ErrCodeFormat
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrCodeFormat
		}
	}
	return nil
}

// ChatText trims surrounding whitespace and returns the message to relay.
func ChatText(text string) (string, error) {
	text = strings.TrimFunc(text, unicode.IsSpace)
	n := utf8.RuneCountInString(text)
	if n < 1 || n > MaxChatLength {
		return "", ErrChatLength
	}
	return text, nil
}
