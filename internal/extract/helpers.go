package extract

import (
	"strconv"
	"strings"
)

func normalizeCodeType(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "")
}

// parsePrice reads a price cell, tolerating currency symbols and
// thousands separators. Returns nil for anything non-numeric.
func parsePrice(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func trimmed(s string) string { return strings.TrimSpace(s) }

// formatFloatCode renders a numeric code cell without a spurious ".0".
func formatFloatCode(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// collapsePipes makes "code | 1 | type" and "code|1|type" compare equal.
func collapsePipes(header string) string {
	parts := strings.Split(header, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, "|")
}
