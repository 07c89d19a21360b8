package models

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// SessionSlug folds a session id into a filesystem-safe token: lowercased,
// every character outside [a-z0-9_-] replaced with '-', truncated to 32
// characters. Empty ids fold to the literal "session".
func SessionSlug(sessionID string) string {
	lower := strings.ToLower(sessionID)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := b.String()
	if len(slug) > 32 {
		slug = slug[:32]
	}
	if slug == "" {
		return "session"
	}
	return slug
}

// SessionDigest returns the first 12 hex characters of the SHA-1 of the
// session id. Slugs are lossy, so the digest keeps derived names unique.
func SessionDigest(sessionID string) string {
	sum := sha1.Sum([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:12]
}
