// Package utils holds small helpers shared across the configuration and CLI
// layers.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly sizes like "512MB", "1.5GB", or "64KiB"
// into bytes. Decimal (KB, MB, ...) and binary (KiB, MiB, ...) units are both
// accepted; a bare number is bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}

	matches := sizePattern.FindStringSubmatch(s)
	if len(matches) != 3 {
		return 0, fmt.Errorf("invalid size %q (expected something like '512MB' or '1.5GB')", s)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value %q", matches[1])
	}
	multiplier := unitMultiplier(strings.ToUpper(matches[2]))
	if multiplier == 0 {
		return 0, fmt.Errorf("unknown size unit %q", matches[2])
	}

	bytes := int64(value * float64(multiplier))
	if bytes < 0 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return bytes, nil
}

// ParseDataSizeWithDefault falls back to def when s is empty or malformed.
func ParseDataSizeWithDefault(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := ParseDataSize(s)
	if err != nil {
		return def
	}
	return v
}

// FormatDataSize renders bytes with a 1024-based unit for display.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	div := int64(unit)
	exp := 0
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}
	value := float64(bytes) / float64(div)
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[exp])
	}
	return fmt.Sprintf("%.1f %s", value, units[exp])
}

func unitMultiplier(unit string) int64 {
	switch unit {
	case "B", "BYTE", "BYTES":
		return 1
	case "KB":
		return 1000
	case "MB":
		return 1000 * 1000
	case "GB":
		return 1000 * 1000 * 1000
	case "TB":
		return 1000 * 1000 * 1000 * 1000
	case "PB":
		return 1000 * 1000 * 1000 * 1000 * 1000
	case "KIB", "K":
		return 1024
	case "MIB", "M":
		return 1024 * 1024
	case "GIB", "G":
		return 1024 * 1024 * 1024
	case "TIB", "T":
		return 1024 * 1024 * 1024 * 1024
	case "PIB", "P":
		return 1024 * 1024 * 1024 * 1024 * 1024
	default:
		return 0
	}
}
