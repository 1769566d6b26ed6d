package config

import (
	"fmt"
	"strings"
)

const (
	placeholderOpen  = "${env:"
	placeholderClose = "}"
)

// ExpandEnv replaces ${env:NAME} and ${env:NAME:default} placeholders with
// values from lookup. A variable that is unset and has no default is an
// error. Text outside placeholders is left alone.
func ExpandEnv(s string, lookup func(string) (string, bool)) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(s, placeholderOpen)
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		rest := s[start+len(placeholderOpen):]
		end := strings.Index(rest, placeholderClose)
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder at %q", s[start:])
		}
		name, def, hasDefault := strings.Cut(rest[:end], ":")
		if name == "" {
			return "", fmt.Errorf("placeholder without variable name at %q", s[start:])
		}

		value, ok := lookup(name)
		if !ok {
			if !hasDefault {
				return "", fmt.Errorf("environment variable %s is not set", name)
			}
			value = def
		}

		b.WriteString(s[:start])
		b.WriteString(value)
		s = rest[end+len(placeholderClose):]
	}
}
