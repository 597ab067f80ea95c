// Package identity implements the deviceId/deviceName validation and
// repair rules of the wire protocol (spec §6), independent of any
// particular packet or channel type.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	minDeviceIDLen   = 32
	maxDeviceIDLen   = 38
	minDeviceNameLen = 1
	maxDeviceNameLen = 32
)

// disallowedNameChars are never permitted in a deviceName.
const disallowedNameChars = "\"',.;:!?()[]<>"

// ValidDeviceID reports whether s is 32-38 characters drawn from
// [A-Za-z0-9_-].
func ValidDeviceID(s string) bool {
	if len(s) < minDeviceIDLen || len(s) > maxDeviceIDLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// GenerateDeviceID produces 32 lowercase hexadecimal characters, as the
// reference generator does.
func GenerateDeviceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err) // crypto/rand failing is not recoverable
	}
	return hex.EncodeToString(buf[:])
}

// ValidDeviceName reports whether s is 1-32 characters, has at least one
// non-whitespace character, and contains none of the disallowed
// punctuation characters.
func ValidDeviceName(s string) bool {
	if len(s) < minDeviceNameLen || len(s) > maxDeviceNameLen {
		return false
	}
	if strings.TrimSpace(s) == "" {
		return false
	}
	return strings.IndexAny(s, disallowedNameChars) == -1
}

// Sanitize repairs a deviceName received on the wire by dropping
// disallowed characters and truncating to the maximum length. If nothing
// remains, the caller's fallback (normally the deviceId) should be used
// instead — Sanitize returns "" in that case.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(disallowedNameChars, r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxDeviceNameLen {
			break
		}
	}
	out := b.String()
	if strings.TrimSpace(out) == "" {
		return ""
	}
	return out
}

// SanitizeOrFallback sanitizes s, and returns fallback (the deviceId) if
// nothing usable remains.
func SanitizeOrFallback(s, fallback string) string {
	if sanitized := Sanitize(s); sanitized != "" {
		return sanitized
	}
	return fallback
}
