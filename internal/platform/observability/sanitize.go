package observability

import (
	"strings"
	"unicode"
)

// Request metadata is echoed into structured logs verbatim, so anything that
// originates from the wire is stripped of control characters and clamped
// before it becomes a log field.

const maxFieldRunes = 256

func clampField(value string, limit int) string {
	if limit <= 0 || limit > maxFieldRunes {
		limit = maxFieldRunes
	}
	var b strings.Builder
	b.Grow(len(value))
	count := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		count++
		if count == limit {
			break
		}
	}
	return b.String()
}

// SanitizeRoute clamps a request path for logging. An empty path reads as "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clampField(route, 180)
}

// SanitizeMethod clamps an HTTP method for logging.
func SanitizeMethod(method string) string {
	return clampField(method, 10)
}

// SanitizeUserID clamps account and guest identifiers so a hostile token
// cannot smuggle arbitrary content into the audit trail.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return clampField(uid, 64)
}
