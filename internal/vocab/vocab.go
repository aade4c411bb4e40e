// Package vocab loads the CPT/HCPCS concept vocabulary used to validate
// billing codes before they reach the output files.
package vocab

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Set is the collection of known billing codes, keyed by concept code with
// the vocabulary it belongs to as the value ("CPT4" or "HCPCS").
type Set struct {
	codes map[string]string
}

// Load reads a gzipped tab-separated concept table. Only CPT4 and HCPCS
// rows are retained; everything else in the table is ignored.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("vocab %s: %w", path, err)
	}
	defer zr.Close()

	return Read(zr)
}

// Read parses an uncompressed concept table from r.
func Read(r io.Reader) (*Set, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("vocab header: %w", err)
	}
	codeIdx, vocabIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "concept_code":
			codeIdx = i
		case "vocabulary_id":
			vocabIdx = i
		}
	}
	if codeIdx < 0 || vocabIdx < 0 {
		return nil, fmt.Errorf("vocab header missing concept_code/vocabulary_id: %v", header)
	}

	s := &Set{codes: make(map[string]string)}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vocab row: %w", err)
		}
		if codeIdx >= len(rec) || vocabIdx >= len(rec) {
			continue
		}
		vocabID := strings.TrimSpace(rec[vocabIdx])
		if vocabID != "CPT4" && vocabID != "HCPCS" {
			continue
		}
		code := strings.TrimSpace(rec[codeIdx])
		if code == "" {
			continue
		}
		s.codes[code] = vocabID
	}
	return s, nil
}

// Contains reports whether code is a known CPT4 or HCPCS concept.
func (s *Set) Contains(code string) bool {
	_, ok := s.codes[code]
	return ok
}

// Vocabulary returns the vocabulary a code belongs to, or "" if unknown.
func (s *Set) Vocabulary(code string) string { return s.codes[code] }

// Len is the number of distinct codes loaded.
func (s *Set) Len() int { return len(s.codes) }
