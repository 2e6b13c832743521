package adapter

import "strings"

// secretKeys are payload field names whose values must never reach the
// operation log.
var secretKeys = map[string]struct{}{
	"password":   {},
	"secret":     {},
	"passphrase": {},
	"community":  {},
	"key":        {},
	"token":      {},
}

// Scrub returns a copy of payload with secret fields replaced by "***".
// Nested maps are scrubbed recursively. The input is not modified.
func Scrub(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSecretKey(k) {
			out[k] = "***"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Scrub(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	if _, ok := secretKeys[k]; ok {
		return true
	}
	// RouterOS uses kebab-case field names like "password" inside
	// "ppp/secret"; other vendors use suffixed variants.
	return strings.HasSuffix(k, "-password") || strings.HasSuffix(k, "_password") ||
		strings.HasSuffix(k, "-secret") || strings.HasSuffix(k, "_secret")
}
