// Package status records scrape outcomes: per-state CSV files, the
// fleet summary.csv, and the shields.io badge endpoint JSON.
package status

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chargescope/chargescope/internal/catalog"
)

const (
	Success = "SUCCESS"
	Failure = "FAILURE"
	Skipped = "SKIPPED"
)

// maxErrorMessage caps the error column so one pathological stack trace
// cannot blow up a status file.
const maxErrorMessage = 500

// IsValidState reports whether code names a state or territory.
// Anything else under dim/urls (needs_review.json and friends) is not a
// state file.
func IsValidState(code string) bool {
	return catalog.IsValidState(code)
}

// Result is the outcome of one hospital scrape. It doubles as the
// worker's wire format: the child process prints exactly one of these
// as a JSON line on stdout.
type Result struct {
	State        string  `json:"state"`
	CCN          string  `json:"ccn"`
	Hospital     string  `json:"hospital"`
	Status       string  `json:"status"`
	FileURL      string  `json:"file_url"`
	Records      int     `json:"records"`
	ErrorType    string  `json:"error_type,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Duration     float64 `json:"duration,omitempty"` // seconds
}

// WriteRunCSV writes a per-state status file from live run results.
// Every row carries the run timestamp, the error taxonomy, and the
// per-hospital duration; the file is replaced wholesale each run.
func WriteRunCSV(path string, results []Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	date := time.Now().UTC().Format(time.RFC3339)
	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"date", "ccn", "hospital", "status", "file_url",
		"records", "error_type", "error_message", "duration",
	}); err != nil {
		return err
	}
	for _, r := range results {
		rec := []string{
			date,
			r.CCN,
			r.Hospital,
			r.Status,
			r.FileURL,
			blankIfZero(r.Records),
			r.ErrorType,
			TruncateError(r.ErrorMessage),
			blankIfZeroF(r.Duration),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// WriteScanCSV writes a per-state status file from a data-directory
// scan. Scan rows have no run metadata, so the schema is narrower than
// the run format.
func WriteScanCSV(path string, results []Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ccn", "hospital", "status", "file_url", "records"}); err != nil {
		return err
	}
	for _, r := range results {
		rec := []string{r.CCN, r.Hospital, r.Status, r.FileURL, blankIfZero(r.Records)}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// TruncateError caps a message at the status-file column limit.
func TruncateError(msg string) string {
	if len(msg) > maxErrorMessage {
		return msg[:maxErrorMessage]
	}
	return msg
}

func blankIfZero(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func blankIfZeroF(v float64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", v)
}

// StateSummary is one row of summary.csv.
type StateSummary struct {
	State       string
	Total       int
	Success     int
	Failed      int
	Skipped     int
	Records     int
	LastUpdated time.Time // zero when the state has no data files
}

// SuccessRate returns the success percentage, 0 for an empty state.
func (s StateSummary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total) * 100
}

// Summarize folds run results into a summary row. The timestamp is the
// run time: results were just produced.
func Summarize(state string, results []Result) StateSummary {
	s := StateSummary{State: strings.ToUpper(state), LastUpdated: time.Now().UTC()}
	for _, r := range results {
		s.Total++
		switch r.Status {
		case Success:
			s.Success++
			s.Records += r.Records
		case Skipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// WriteSummaryCSV writes the fleet roll-up, one row per state sorted by
// state code.
func WriteSummaryCSV(path string, summaries []StateSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	sorted := make([]StateSummary, len(summaries))
	copy(sorted, summaries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].State < sorted[j].State })

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"state", "total", "success", "failed", "skipped",
		"success_rate", "records", "last_updated",
	}); err != nil {
		return err
	}
	for _, s := range sorted {
		last := ""
		if !s.LastUpdated.IsZero() {
			last = s.LastUpdated.UTC().Format(time.RFC3339)
		}
		rec := []string{
			s.State,
			strconv.Itoa(s.Total),
			strconv.Itoa(s.Success),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Skipped),
			fmt.Sprintf("%.1f%%", s.SuccessRate()),
			strconv.Itoa(s.Records),
			last,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
