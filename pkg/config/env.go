package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ExpandEnvVarsInData walks a decoded YAML tree substituting environment
// references in every string leaf. Supported forms are ${VAR},
// ${VAR:-default} and bare $VAR. A leaf that was rewritten is re-typed,
// so "${PORT:-8080}" stays an int after substitution.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return v

	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			out[key] = ExpandEnvVarsInData(value)
		}
		return out

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ExpandEnvVarsInData(item)
		}
		return out

	default:
		return v
	}
}

// expandEnvVars scans one string left to right, replacing each reference
// as it is found. Unset variables expand to the default when one was
// given, to the empty string otherwise.
func expandEnvVars(s string) string {
	dollar := strings.IndexByte(s, '$')
	if dollar < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:dollar])
	rest := s[dollar:]

	for rest != "" {
		if rest[0] != '$' {
			next := strings.IndexByte(rest, '$')
			if next < 0 {
				b.WriteString(rest)
				break
			}
			b.WriteString(rest[:next])
			rest = rest[next:]
			continue
		}

		if strings.HasPrefix(rest, "${") {
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				b.WriteString(rest)
				break
			}
			name, fallback, hasDefault := strings.Cut(rest[2:end], ":-")
			if !validEnvName(name) {
				b.WriteString(rest[:end+1])
				rest = rest[end+1:]
				continue
			}
			val := os.Getenv(name)
			if val == "" && hasDefault {
				val = fallback
			}
			b.WriteString(val)
			rest = rest[end+1:]
			continue
		}

		name := leadingEnvName(rest[1:])
		if name == "" {
			b.WriteByte('$')
			rest = rest[1:]
			continue
		}
		b.WriteString(os.Getenv(name))
		rest = rest[1+len(name):]
	}

	return b.String()
}

// leadingEnvName returns the longest env-name prefix of s, empty when s
// does not begin with one.
func leadingEnvName(s string) string {
	n := 0
	for ; n < len(s); n++ {
		c := s[n]
		if c >= 'A' && c <= 'Z' || c == '_' || (n > 0 && c >= '0' && c <= '9') {
			continue
		}
		break
	}
	return s[:n]
}

func validEnvName(name string) bool {
	return name != "" && leadingEnvName(name) == name
}

// parseValue re-types an expanded string so "true" and "42" keep their
// YAML semantics after substitution.
func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// LoadEnvFiles loads .env.local then .env when present. Missing files
// are fine; a present but unreadable file is not.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
