package telemetry

import (
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Credential material must never reach the log sink, whatever key a call
// site picked for it. Matching is case-insensitive on key substrings, plus
// a value check for raw JWTs.
var redactedKeyFragments = []string{
	"authorization",
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credential",
	"cookie",
	"jwt",
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, fragment := range redactedKeyFragments {
		if strings.Contains(key, fragment) {
			return slog.String(a.Key, redactedValue)
		}
	}

	if a.Value.Kind() == slog.KindString && looksLikeJWT(a.Value.String()) {
		return slog.String(a.Key, redactedValue)
	}

	return a
}

// looksLikeJWT reports whether s has the three dot-separated base64url
// segments of a serialized JWT. The "eyJ" prefix is the base64url encoding
// of the `{"` that opens every JOSE header.
func looksLikeJWT(s string) bool {
	if !strings.HasPrefix(s, "eyJ") {
		return false
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, c := range p {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '-' || c == '_' || c == '=':
			default:
				return false
			}
		}
	}
	return true
}
