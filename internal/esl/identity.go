package esl

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnrecognizedIdentity = errors.New("unrecognized identity")

// ExtractExtension derives an extension number from a contact or channel
// identifier. Two forms are recognized:
//
//	"101" <sip:101@10.0.0.5:5060;transport=udp>   numeric user part of a SIP URI
//	sofia/internal/101@acme.example               digits-only last channel segment
//
// Anything else yields ErrUnrecognizedIdentity.
func ExtractExtension(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
		if j := strings.IndexByte(s, '>'); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "sips:"):
		s = s[len("sips:"):]
	case strings.HasPrefix(lower, "sip:"):
		s = s[len("sip:"):]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}

	if !digitsOnly(s) {
		return "", fmt.Errorf("%w: %q", ErrUnrecognizedIdentity, raw)
	}
	return s, nil
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
