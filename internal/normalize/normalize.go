// Package normalize produces the canonical long-form charge rows from an
// extractor's intermediate table: vocabulary-validated codes, positive
// prices rounded to cents, one row per (code, price kind), sorted.
package normalize

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/chargescope/chargescope/internal/extract"
	"github.com/chargescope/chargescope/internal/vocab"
)

// ChargeRow is one output line in data/<STATE>/<CCN>.jsonl.
type ChargeRow struct {
	Code  string  `json:"cpt"`
	Type  string  `json:"type"` // "gross" or "cash"
	Price float64 `json:"price"`
}

var codePattern = regexp.MustCompile(`^[0-9A-Z]{5}$`)

// Normalize collapses an intermediate table into validated charge rows.
// Steps, in order: strip the leading zero from six-char codes, drop rows
// whose code is not in the vocabulary, collapse duplicate codes by taking
// the max price per kind, melt wide rows into (code, kind, price), drop
// non-positive prices, round to cents, enforce the five-char code shape,
// and sort by (code, kind). Per-row rejects are silently dropped; an
// empty result is the caller's signal that the file held no charges.
func Normalize(rows []extract.Row, vocabSet *vocab.Set) []ChargeRow {
	type prices struct {
		gross *float64
		cash  *float64
	}
	byCode := make(map[string]*prices)

	for _, r := range rows {
		if r.VocabularyID != extract.VocabCPT && r.VocabularyID != extract.VocabHCPCS {
			continue
		}
		code := r.ConceptCode
		if len(code) == 6 && code[0] == '0' {
			code = code[1:]
		}
		if !codePattern.MatchString(code) {
			continue
		}
		if !vocabSet.Contains(code) {
			continue
		}
		p := byCode[code]
		if p == nil {
			p = &prices{}
			byCode[code] = p
		}
		p.gross = maxPrice(p.gross, r.Gross)
		p.cash = maxPrice(p.cash, r.Cash)
	}

	out := make([]ChargeRow, 0, 2*len(byCode))
	for code, p := range byCode {
		if v := roundPositive(p.cash); v != nil {
			out = append(out, ChargeRow{Code: code, Type: "cash", Price: *v})
		}
		if v := roundPositive(p.gross); v != nil {
			out = append(out, ChargeRow{Code: code, Type: "gross", Price: *v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func maxPrice(a, b *float64) *float64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *b > *a {
		return b
	}
	return a
}

func roundPositive(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*100) / 100
	if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return &r
}

// WriteJSONL writes rows to path as line-delimited JSON, creating parent
// directories as needed. The write goes through a temp file in the same
// directory so readers never see a half-written output.
func WriteJSONL(path string, rows []ChargeRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
