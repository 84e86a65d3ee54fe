package logger

import (
	"log/slog"
	"strings"
)

// RedactionMarker replaces the value of any sensitive key.
const RedactionMarker = "[REDACTED]"

// sensitiveKeys are matched against lowercased keys with '_' and '-' removed.
var sensitiveKeys = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"ssn",
	"socialsecurity",
	"creditcard",
	"cardnumber",
	"cvv",
	"apikey",
	"authorization",
	"cookie",
	"backupcode",
	"privatekey",
	"encryptionkey",
}

// IsSensitiveKey reports whether a details key must be redacted.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	k = strings.NewReplacer("_", "", "-", "").Replace(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// RedactDetails returns a deep copy of details with every sensitive key
// replaced by RedactionMarker, at any nesting depth.
func RedactDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if IsSensitiveKey(k) {
			out[k] = RedactionMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return RedactDetails(val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return RedactDetails(m)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = RedactDetails(item)
		}
		return out
	default:
		return v
	}
}

// SanitizedEmail masks an email address for logging (e.g., "u***@e***.com")
func SanitizedEmail(email string) string {
	username, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "[invalid-email]"
	}

	if len(username) > 1 {
		username = string(username[0]) + strings.Repeat("*", len(username)-1)
	}

	domainParts := strings.Split(domain, ".")
	if len(domainParts) > 1 {
		for i := 0; i < len(domainParts)-1; i++ {
			domainParts[i] = strings.Repeat("*", len(domainParts[i]))
		}
		domain = strings.Join(domainParts, ".")
	}

	return username + "@" + domain
}

// RedactedAttr hides value in production and passes it through elsewhere
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, RedactionMarker)
	}
	return slog.String(key, value)
}

// SanitizeQueryString reports whether a raw query mentions a sensitive
// parameter and must be logged redacted
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	for _, param := range []string{"password", "token", "secret", "api_key", "apikey", "email", "auth", "csrf", "code"} {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
