// Package token defines the versioned verification-code payload embedded on
// every artifact page. A token resolves back to its signing request so any
// single page can be independently verified.
package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Scheme is the current token version prefix.
const Scheme = "MS"

// ErrMalformed signals a string that is not a verification token.
var ErrMalformed = errors.New("token: malformed verification token")

// Build renders the verification token for a signing request.
func Build(requestID string) string {
	return fmt.Sprintf("%s:%s", Scheme, requestID)
}

// Parse extracts the request identifier from a verification token.
func Parse(s string) (string, error) {
	scheme, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || scheme != Scheme {
		return "", ErrMalformed
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrMalformed
	}
	return id, nil
}

// Find scans free text (e.g. extracted from a PDF page) for an embedded
// verification token and returns the request identifier it carries.
func Find(text string) (string, bool) {
	for rest := text; ; {
		idx := strings.Index(rest, Scheme+":")
		if idx < 0 {
			return "", false
		}
		candidate := rest[idx:]
		if len(candidate) > len(Scheme)+1+36 {
			candidate = candidate[:len(Scheme)+1+36]
		}
		if id, err := Parse(candidate); err == nil {
			return id, true
		}
		rest = rest[idx+len(Scheme)+1:]
	}
}
