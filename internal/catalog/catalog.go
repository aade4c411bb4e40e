// Package catalog loads the per-state hospital URL files produced by the
// external directory crawler (dim/urls/<state>.json). Records are
// read-only inputs; nothing here ever writes them back.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Hospital is one catalog record. CCN plus state uniquely identify a
// hospital; everything beyond FileURL is optional hints.
type Hospital struct {
	CCN              string `json:"ccn"`
	Name             string `json:"hospital_name"`
	State            string `json:"state,omitempty"` // derived from the filename
	FileURL          string `json:"file_url"`
	TransparencyPage string `json:"transparency_page,omitempty"`
	Address          string `json:"address,omitempty"`

	// Optional overrides from curated catalogs.
	Format    string `json:"type,omitempty"`         // CSV, JSON, XLSX, ZIP, XML
	Extractor string `json:"scraper_type,omitempty"` // explicit extractor name
	IDN       string `json:"idn,omitempty"`          // health-system label

	// Per-file column hints for vendor CSV dialects.
	SkipRows int    `json:"skiprow,omitempty"`
	GrossCol string `json:"gross,omitempty"`
	CashCol  string `json:"cash,omitempty"`
	CodeCol  string `json:"cpt,omitempty"`
}

// Load reads hospital records from dir. With stateFilter set, only that
// state's file is read and its absence is an error; otherwise every
// *.json file in dir is loaded. With ccnFilter set, exactly one record is
// returned and no match is an error.
func Load(dir, stateFilter, ccnFilter string, log *zap.SugaredLogger) ([]Hospital, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var files []string
	if stateFilter != "" {
		p := filepath.Join(dir, strings.ToLower(stateFilter)+".json")
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("no catalog for state %s: %w", strings.ToUpper(stateFilter), err)
		}
		files = []string{p}
	} else {
		matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		// The urls directory also holds non-state files (review queues
		// and the like); only postal-code filenames are catalogs.
		for _, m := range matches {
			if IsValidState(strings.TrimSuffix(filepath.Base(m), ".json")) {
				files = append(files, m)
			}
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no catalog files in %s", dir)
		}
	}

	var out []Hospital
	for _, f := range files {
		state := strings.ToUpper(strings.TrimSuffix(filepath.Base(f), ".json"))
		records, err := loadFile(f)
		if err != nil {
			log.Warnw("catalog file unreadable", "file", f, "error", err)
			continue
		}
		log.Infow("loaded state catalog", "state", state, "hospitals", len(records))
		for _, h := range records {
			h.State = state
			h.CCN = strings.ToUpper(strings.TrimSpace(h.CCN))
			if h.CCN == "" || h.FileURL == "" {
				continue
			}
			if len(h.CCN) != 6 || !isAlnum(h.CCN) {
				log.Warnw("dropping record with malformed ccn", "state", state, "ccn", h.CCN)
				continue
			}
			if ccnFilter != "" && h.CCN != strings.ToUpper(ccnFilter) {
				continue
			}
			out = append(out, h)
		}
	}

	if ccnFilter != "" && len(out) == 0 {
		return nil, fmt.Errorf("ccn %s not found in catalog", strings.ToUpper(ccnFilter))
	}
	return out, nil
}

func loadFile(path string) ([]Hospital, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Hospital
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
