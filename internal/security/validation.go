// Package security holds the input validation and abuse controls used by
// the ingest service.
package security

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
	ErrInvalidDataURL    = errors.New("security: invalid image data URL")
	ErrDataURLTooLarge   = errors.New("security: image data URL too large")
)

// InputValidator validates untrusted string input.
type InputValidator struct {
	// MaxLength is the maximum allowed input length in bytes.
	MaxLength int

	// AllowControlChars permits control characters other than \n, \r and \t.
	AllowControlChars bool

	// AllowedPattern is a regex the input must match (if set).
	AllowedPattern *regexp.Regexp
}

// DefaultInputValidator returns an InputValidator for free-text fields.
func DefaultInputValidator() *InputValidator {
	return &InputValidator{
		MaxLength: 2048,
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// IdentifierValidator returns an InputValidator for correlation ids such as
// assessment and candidate ids.
func IdentifierValidator() *InputValidator {
	return &InputValidator{
		MaxLength:      128,
		AllowedPattern: identifierPattern,
	}
}

// Validate checks if input meets the validation requirements.
func (v *InputValidator) Validate(input string) error {
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(input), v.MaxLength)
	}
	if strings.Contains(input, "\x00") {
		return ErrNullByte
	}
	if !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	if !v.AllowControlChars {
		for _, r := range input {
			if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
				return ErrControlCharacters
			}
		}
	}
	if v.AllowedPattern != nil && !v.AllowedPattern.MatchString(input) {
		return fmt.Errorf("%w: does not match required pattern", ErrInvalidInput)
	}
	return nil
}

// DataURL is a decoded image data URL.
type DataURL struct {
	MediaType string
	Data      []byte
}

// ParseImageDataURL decodes a base64 "data:image/..." URL, rejecting
// payloads whose decoded size exceeds maxBytes (0 disables the limit).
func ParseImageDataURL(s string, maxBytes int) (*DataURL, error) {
	if !strings.HasPrefix(s, "data:image/") {
		return nil, fmt.Errorf("%w: missing data:image/ prefix", ErrInvalidDataURL)
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURL)
	}
	mediaType, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return nil, fmt.Errorf("%w: only base64 encoding is accepted", ErrInvalidDataURL)
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return nil, fmt.Errorf("%w: %d encoded bytes", ErrDataURLTooLarge, len(payload))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrDataURLTooLarge, len(data), maxBytes)
	}
	return &DataURL{MediaType: mediaType, Data: data}, nil
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
