// Package roomcode generates meeting codes and extracts them from share links.
package roomcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"
)

const (
	// Length is the fixed number of characters in a room code.
	Length = 8

	// Alphabet omits characters that are easy to misread (0/O, 1/I/L).
	Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

var ErrInvalidCode = errors.New("invalid room code")

var validCode = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// Generate returns a new code drawn uniformly from Alphabet.
func Generate() string {
	result := make([]byte, Length)
	max := big.NewInt(int64(len(Alphabet)))
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("roomcode: crypto/rand failed: %v", err))
		}
		result[i] = Alphabet[n.Int64()]
	}
	return string(result)
}

// Valid reports whether code has the fixed-length alphanumeric format.
func Valid(code string) bool {
	return validCode.MatchString(code)
}

// Normalize validates code and returns its canonical upper-case form.
func Normalize(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !Valid(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	return strings.ToUpper(code), nil
}

// Parse accepts a bare code or a share link in either the `?room=CODE` or
// the `/room/CODE` (also `/r/CODE`) form, with or without scheme and host.
func Parse(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidCode)
	}
	if Valid(input) {
		return strings.ToUpper(input), nil
	}

	raw := input
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "?") {
		// host-relative link such as "meet.example.com/?room=ABCD2345"
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	if code := u.Query().Get("room"); code != "" {
		return Normalize(code)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(segments); i++ {
		if segments[i] == "room" || segments[i] == "r" {
			return Normalize(segments[i+1])
		}
	}
	return "", fmt.Errorf("%w: no room code in %q", ErrInvalidCode, input)
}

// Link builds the shareable `?room=CODE` link for base.
func Link(base, code string) string {
	return strings.TrimRight(base, "/") + "/?room=" + code
}
