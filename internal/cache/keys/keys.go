// Package keys builds Redis keys for cached upstream metadata.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "catalyst"

// Key builds "catalyst:<kind>:<readable>:h=<xxhash>" for an upstream URL.
// The readable part is sanitized and truncated; the hash keeps keys for
// different sources distinct.
func Key(kind, source string) string {
	norm := normalizeSource(source)
	safe := sanitizeForKey(norm)

	const maxReadableLen = 96
	if len(safe) > maxReadableLen {
		safe = safe[:maxReadableLen]
	}
	sum := xxhash.Sum64String(norm)
	return fmt.Sprintf("%s:%s:%s:h=%016x", prefix, sanitizeForKey(strings.TrimSpace(kind)), safe, sum)
}

// CollectionsKey is the key for the cached /collections document of base.
func CollectionsKey(base string) string {
	return Key("collections", base)
}

// lower-cases scheme/host noise and drops trailing slashes so equivalent
// base URLs share a key
func normalizeSource(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "/")
	if i := strings.Index(s, "://"); i >= 0 {
		rest := s[i+3:]
		host, path, _ := strings.Cut(rest, "/")
		s = strings.ToLower(s[:i+3]+host) + "/" + path
		s = strings.TrimRight(s, "/")
	}
	return s
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
