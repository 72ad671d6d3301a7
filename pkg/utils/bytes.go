package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses a human-readable byte string such as "50MB", "512K" or "1024".
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")
	s = strings.TrimSuffix(s, "I")

	var multiplier int64 = 1
	numStr := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1024
		case 'M':
			multiplier = 1024 * 1024
		case 'G':
			multiplier = 1024 * 1024 * 1024
		case 'T':
			multiplier = 1024 * 1024 * 1024 * 1024
		}
		if multiplier > 1 {
			numStr = strings.TrimSpace(s[:len(s)-1])
		}
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}

	return int64(num * float64(multiplier)), nil
}

// MustParseBytes is ParseBytes for compiled-in defaults.
func MustParseBytes(s string) int64 {
	n, err := ParseBytes(s)
	if err != nil {
		panic(err)
	}
	return n
}
