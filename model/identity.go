package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	fallbackPrefix   = "fb-"
	bodyPrefixBytes  = 256
	bodyHashHexChars = 12
	fallbackHexChars = 32
)

// ResolveID returns the protocol Message-ID when present, otherwise a
// deterministic key derived from sender, subject, date and the body prefix.
func ResolveID(messageID, sender, subject string, date time.Time, body string) string {
	if id := NormalizeMessageID(messageID); id != "" {
		return id
	}
	return FallbackID(sender, subject, date, body)
}

// NormalizeMessageID strips whitespace and angle brackets from a Message-ID header value.
func NormalizeMessageID(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), " <>")
}

// FallbackID hashes the identifying fields of a message that lacks a Message-ID.
func FallbackID(sender, subject string, date time.Time, body string) string {
	prefix := body
	if len(prefix) > bodyPrefixBytes {
		prefix = prefix[:bodyPrefixBytes]
	}
	bodySum := sha256.Sum256([]byte(prefix))
	bodyHash := hex.EncodeToString(bodySum[:])[:bodyHashHexChars]

	stamp := ""
	if !date.IsZero() {
		stamp = date.UTC().Format(time.RFC3339Nano)
	}

	h := sha256.New()
	for _, part := range []string{strings.TrimSpace(sender), strings.TrimSpace(subject), stamp, bodyHash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fallbackPrefix + hex.EncodeToString(h.Sum(nil))[:fallbackHexChars]
}

// IsFallbackID reports whether id was synthesized by FallbackID.
func IsFallbackID(id string) bool {
	return strings.HasPrefix(id, fallbackPrefix)
}
