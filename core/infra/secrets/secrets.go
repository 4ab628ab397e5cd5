// Package secrets handles secret:// references in backend settings. A
// settings value like secret://env/PGPASSWORD or secret://file//etc/coffer/pg
// is resolved at startup so backends.yaml never carries credentials in the
// clear, and redacted wherever settings are logged or served.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	secretPrefix  = "secret://"
	redactedValue = "<redacted>"
)

// IsRef reports whether a settings value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), secretPrefix)
}

// Resolve dereferences a single value. Non-reference values pass through
// unchanged. Supported forms are secret://env/NAME (environment variable,
// must be set) and secret://file/PATH (file contents, trailing newline
// trimmed).
func Resolve(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, secretPrefix) {
		return value, nil
	}
	rest := strings.TrimPrefix(trimmed, secretPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("malformed secret reference %q", trimmed)
	}
	switch parts[0] {
	case "env":
		v, ok := os.LookupEnv(parts[1])
		if !ok {
			return "", fmt.Errorf("secret env %s not set", parts[1])
		}
		return v, nil
	case "file":
		data, err := os.ReadFile(parts[1])
		if err != nil {
			return "", fmt.Errorf("secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	default:
		return "", fmt.Errorf("unknown secret provider %q", parts[0])
	}
}

// ResolveSettings returns a copy of settings with every secret reference
// dereferenced. Errors name the offending key, never the value.
func ResolveSettings(settings map[string]string) (map[string]string, error) {
	if len(settings) == 0 {
		return settings, nil
	}
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		resolved, err := Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// RedactSettings returns a copy of settings with secret reference values
// replaced by "<redacted>". The boolean reports whether anything changed.
func RedactSettings(settings map[string]string) (map[string]string, bool) {
	if len(settings) == 0 {
		return settings, false
	}
	changed := false
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if IsRef(v) {
			out[k] = redactedValue
			changed = true
			continue
		}
		out[k] = v
	}
	if !changed {
		return settings, false
	}
	return out, true
}

// ContainsSecretRefs returns true if any string value contains a secret reference.
func ContainsSecretRefs(value any) bool {
	_, found := redact(value, false)
	return found
}

// RedactSecretRefs returns a copy with secret refs replaced by "<redacted>".
func RedactSecretRefs(value any) (any, bool) {
	return redact(value, true)
}

// RedactJSON redacts secret references inside a JSON payload.
func RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	redacted, changed := RedactSecretRefs(payload)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(redacted)
	return out, true, err
}

func redact(value any, replace bool) (any, bool) {
	switch v := value.(type) {
	case nil:
		return v, false
	case string:
		if IsRef(v) {
			if replace {
				return redactedValue, true
			}
			return v, true
		}
		return v, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[k] = red
		}
		return out, changed
	case map[string]string:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[k] = red
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[i] = red
		}
		return out, changed
	case []string:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[i] = red
		}
		return out, changed
	default:
		return v, false
	}
}
