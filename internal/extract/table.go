// Package extract turns raw price-file payloads into a uniform
// intermediate table. Each extractor handles one wire format (CSV, JSON,
// XLSX, ZIP) and emits rows of (vocabulary, code, gross, cash); vocabulary
// filtering and de-duplication are the normalizer's job, not ours.
package extract

import (
	"context"

	"github.com/chargescope/chargescope/internal/catalog"
)

// Vocabulary values carried on intermediate rows.
const (
	VocabCPT   = "cpt"
	VocabHCPCS = "hcpcs"
)

// Row is one intermediate charge observation. Prices are pointers because
// a file may carry only one of the two.
type Row struct {
	VocabularyID string // VocabCPT or VocabHCPCS
	ConceptCode  string // raw code text, unvalidated
	Gross        *float64
	Cash         *float64
}

// Extractor pulls the intermediate table for one hospital.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, h *catalog.Hospital) ([]Row, error)
}

func f64(v float64) *float64 { return &v }

// codeKindFromType maps a raw code-type label onto a vocabulary. The
// label is uppercased with dashes removed first, so CPT-4 and cpt4 both
// land on cpt. Unrecognized labels return "".
func codeKindFromType(codeType string) string {
	switch normalizeCodeType(codeType) {
	case "CPT", "CPT4":
		return VocabCPT
	case "HCPCS", "HCPC":
		return VocabHCPCS
	}
	return ""
}
