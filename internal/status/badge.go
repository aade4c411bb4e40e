package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Badge is the shields.io endpoint document served from the status
// directory.
type Badge struct {
	SchemaVersion int    `json:"schemaVersion"`
	Label         string `json:"label"`
	Message       string `json:"message"`
	Color         string `json:"color"`
	NamedLogo     string `json:"namedLogo"`
	CacheSeconds  int    `json:"cacheSeconds"`
}

// BuildBadge rolls the per-state summaries into a fleet-wide badge.
func BuildBadge(summaries []StateSummary) Badge {
	total, success := 0, 0
	for _, s := range summaries {
		total += s.Total
		success += s.Success
	}
	rate := 0.0
	if total > 0 {
		rate = float64(success) / float64(total) * 100
	}
	return Badge{
		SchemaVersion: 1,
		Label:         "hospitals scraped",
		Message:       fmt.Sprintf("%d/%d (%.0f%%)", success, total, rate),
		Color:         badgeColor(rate),
		NamedLogo:     "data",
		CacheSeconds:  3600,
	}
}

func badgeColor(rate float64) string {
	switch {
	case rate >= 90:
		return "brightgreen"
	case rate >= 75:
		return "green"
	case rate >= 50:
		return "yellow"
	}
	return "red"
}

// WriteBadge writes the badge JSON, indented so the committed file
// diffs cleanly.
func WriteBadge(path string, summaries []StateSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(BuildBadge(summaries), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
