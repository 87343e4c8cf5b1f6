package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// visibleKeys are emitted verbatim by MaskField and never auto-redacted.
var visibleKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"bountyid":  {},
	"funderid":  {},
	"event":     {},
	"from":      {},
	"to":        {},
	"method":    {},
	"op":        {},
	"code":      {},
	"requestid": {},
	"route":     {},
	"status":    {},
}

// sensitiveFragments mark attribute keys whose values must not reach a sink,
// whoever logs them.
var sensitiveFragments = []string{"secret", "password", "token", "apikey", "api_key", "authorization", "dsn", "private"}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsAllowlisted reports whether key is always emitted verbatim.
func IsAllowlisted(key string) bool {
	_, ok := visibleKeys[normalizeKey(key)]
	return ok
}

// IsSensitive reports whether values logged under key are redacted
// automatically by the handler returned from Setup.
func IsSensitive(key string) bool {
	normalized := normalizeKey(key)
	if _, ok := visibleKeys[normalized]; ok {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskField redacts value unless key is allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// redactAttr is applied to every attribute before it is written.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
