package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseDataSize parses human-friendly data sizes like "64MB", "1.5GB" or
// "8192" into bytes. Decimal suffixes (KB, MB, ...) are 1024-based; the
// explicit binary forms (KiB, MiB, ...) are accepted as synonyms.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}

	m := sizeRe.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '64MB', '1.5GB')", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", m[1])
	}

	mult := multiplier(strings.ToUpper(m[2]))
	if mult == 0 {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, TB, PB)", m[2])
	}

	bytes := int64(value * float64(mult))
	if bytes < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return bytes, nil
}

// FormatDataSize renders bytes in the largest 1024-based unit that fits.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < len(units)-1; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

func multiplier(unit string) int64 {
	switch unit {
	case "B":
		return 1
	case "K", "KB", "KIB":
		return 1 << 10
	case "M", "MB", "MIB":
		return 1 << 20
	case "G", "GB", "GIB":
		return 1 << 30
	case "T", "TB", "TIB":
		return 1 << 40
	case "P", "PB", "PIB":
		return 1 << 50
	default:
		return 0
	}
}
