package config

import (
	"strings"
)

// secretSuffixes mark settings that hold credentials: the API bearer
// token, the bot token and database DSNs (which may embed a password).
var secretSuffixes = []string{".token", ".dsn"}

// IsSecretKey reports whether the dotted key holds a credential.
func IsSecretKey(key string) bool {
	for _, s := range secretSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// Flatten turns viper's nested settings into dotted keys, so
// {"orchestrator": {"timeout": "5m"}} becomes {"orchestrator.timeout": "5m"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar found where a section is
// needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		section := out
		for _, name := range parts[:len(parts)-1] {
			section = subsection(section, name)
		}
		section[parts[len(parts)-1]] = v
	}
	return out
}

func subsection(parent map[string]any, name string) map[string]any {
	if m, ok := parent[name].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	parent[name] = m
	return m
}

// MaskSecrets copies flat with every credential reduced to "***" and its
// last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if ok && s != "" && IsSecretKey(k) {
			v = mask(s)
		}
		out[k] = v
	}
	return out
}

func mask(s string) string {
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	return "***" + s
}
