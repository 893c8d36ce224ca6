package config

import (
	"os"
	"strings"
)

// ExpandEnv replaces ${VAR} and ${VAR:-default} references with environment
// values. "$$" yields a literal "$".
func ExpandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		if ref == "$" {
			return "$"
		}
		name, fallback, hasDefault := strings.Cut(ref, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDefault) {
			return v
		}
		return fallback
	})
}
