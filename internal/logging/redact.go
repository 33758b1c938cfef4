package logging

import "strings"

// RedactedValue replaces the value of any credential-bearing field.
const RedactedValue = "[REDACTED]"

// sensitiveFragments are matched as substrings of lowercased field keys, so
// "authToken", "JWT_SECRET" and "apiKey" are all caught.
var sensitiveFragments = []string{
	"token",
	"password",
	"secret",
	"key",
	"authorization",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Redact returns a copy of data with every sensitive field replaced by
// RedactedValue. Nested maps are walked recursively; the input is never
// mutated.
func Redact(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
