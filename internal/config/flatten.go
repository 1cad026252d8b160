package config

import (
	"strings"
)

// secretSuffixes mark dot-separated keys whose values should be masked.
var secretSuffixes = []string{"api_key", "token", "password", "secret"}

// IsSecretKey returns true if the given dot-separated key holds a secret,
// such as worker.env.OPENAI_API_KEY. The last segment is matched without
// regard to case.
func IsSecretKey(key string) bool {
	last := key
	if i := strings.LastIndex(key, "."); i >= 0 {
		last = key[i+1:]
	}
	last = strings.ToLower(last)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(last, suffix) {
			return true
		}
	}
	return false
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"http": {"listen": ":3001"}} becomes {"http.listen": ":3001"}.
// Empty nested maps are kept as leaves so that they remain addressable.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			if len(child) == 0 {
				out[key] = child
				continue
			}
			flatten(key, child, out)
		default:
			out[key] = v
		}
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// For example, {"http.listen": ":3001"} becomes {"http": {"listen": ":3001"}}.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for i, part := range parts {
			if i == len(parts)-1 {
				// An empty map leaf never overwrites a populated branch.
				if child, ok := v.(map[string]any); ok && len(child) == 0 {
					if _, branch := current[part].(map[string]any); branch {
						break
					}
				}
				current[part] = v
				break
			}
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values masked.
// Secrets are shown as "***xxxx" where xxxx is the last 4 characters of the
// value. Empty values are left empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !IsSecretKey(k) || !ok || s == "" {
			out[k] = v
			continue
		}
		if len(s) <= 4 {
			out[k] = "***" + s
		} else {
			out[k] = "***" + s[len(s)-4:]
		}
	}
	return out
}
