package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTTL parses a token lifetime string. The accepted grammar is a
// positive integer followed by a unit: "30d" (days), "12h" (hours),
// "30m" (minutes), or "45s" (seconds). Zero and negative lifetimes are
// rejected rather than interpreted.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty ttl")
	}

	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: expected forms like 30d, 12h, 30m", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid ttl %q: must be positive", s)
	}

	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid ttl unit %q in %q: expected d, h, m, or s", string(unit), s)
	}
}
