package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/archive"
	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
)

// Field-name alias lists, in priority order. The CMS v2 schema names are
// first; the rest are what hospitals actually publish.
var (
	chargeArrayFields = []string{
		"standard_charge_information", "charges", "standard_charges",
		"items", "chargemaster", "charge_information",
	}
	codeInfoFields = []string{
		"code_information", "billing_code_information", "billing_codes",
		"codes", "code_info", "billing_code",
	}
	codeValueFields = []string{"code", "billing_code", "code_value", "cpt", "hcpcs"}
	codeTypeFields  = []string{"type", "code_type", "billing_code_type", "code_system"}
	grossFields     = []string{
		"gross_charge", "gross", "gross_charges", "standard_charge",
		"charge", "list_price", "chargemaster_price", "maximum",
	}
	cashFields = []string{
		"discounted_cash", "discounted_cash_price", "cash", "cash_price",
		"self_pay", "self_pay_price", "minimum", "cash_discount",
	}
)

// JSON handles the CMS v2 JSON schema and its many field-name mutations.
type JSON struct {
	Client *httpfetch.Client
	Log    *zap.SugaredLogger
}

func (e *JSON) Name() string { return "json" }

func (e *JSON) Extract(ctx context.Context, h *catalog.Hospital) ([]Row, error) {
	if n, err := e.Client.ProbeContentLength(ctx, h.FileURL); err == nil && n > httpfetch.LargeFileThreshold {
		e.log().Infow("large json, streaming", "ccn", h.CCN, "bytes", n)
		return e.extractLarge(ctx, h)
	}

	res, err := e.Client.Get(ctx, h.FileURL)
	if err != nil {
		return nil, err
	}
	return e.parseBytes(res.Body)
}

func (e *JSON) parseBytes(body []byte) ([]Row, error) {
	if archive.LooksLikeHTML(body) {
		return nil, fault.New(fault.KindHTMLInsteadOfData, "server returned HTML instead of json")
	}
	body = bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fault.Wrap(fault.KindJSONDecodeError, err, "decoding json")
	}
	items := findChargesArray(data)

	var out []Row
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, itemRows(item)...)
	}
	return out, nil
}

// findChargesArray locates the charge-item array: a root-level list, a
// known field on the root object, or the same one level deeper.
func findChargesArray(data any) []any {
	switch v := data.(type) {
	case []any:
		if len(v) > 0 {
			if first, ok := v[0].(map[string]any); ok {
				if hasAny(first, append(codeInfoFields, "code", "description")) {
					return v
				}
				for _, f := range chargeArrayFields {
					if inner, ok := first[f].([]any); ok {
						return inner
					}
				}
			}
		}
		return v
	case map[string]any:
		for _, f := range chargeArrayFields {
			if arr, ok := v[f].([]any); ok {
				return arr
			}
		}
		for _, f := range chargeArrayFields {
			if nested, ok := v[f].(map[string]any); ok {
				for _, inner := range chargeArrayFields {
					if arr, ok := nested[inner].([]any); ok {
						return arr
					}
				}
			}
		}
	}
	return nil
}

// itemRows extracts every (code, vocabulary) pair of one charge item,
// paired with its prices. Duplicate codes across items are preserved;
// the normalizer collapses them.
func itemRows(item map[string]any) []Row {
	codes := itemCodes(item)
	if len(codes) == 0 {
		return nil
	}
	gross, cash := itemPrices(item)
	rows := make([]Row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, Row{
			VocabularyID: c.vocab,
			ConceptCode:  c.code,
			Gross:        gross,
			Cash:         cash,
		})
	}
	return rows
}

func itemCodes(item map[string]any) []codeHit {
	var hits []codeHit

	raw := firstMatch(item, codeInfoFields)
	var infos []any
	switch v := raw.(type) {
	case []any:
		infos = v
	case map[string]any:
		infos = []any{v}
	}
	for _, ci := range infos {
		m, ok := ci.(map[string]any)
		if !ok {
			continue
		}
		code := asString(firstMatch(m, codeValueFields))
		if code == "" {
			continue
		}
		if vocab := codeKindFromType(asString(firstMatch(m, codeTypeFields))); vocab != "" {
			hits = append(hits, codeHit{code: code, vocab: vocab})
		}
	}
	if len(hits) > 0 {
		return hits
	}

	// No code container; some files put the code right on the item.
	code := asString(firstMatch(item, codeValueFields))
	if code == "" {
		return nil
	}
	codeType := asString(firstMatch(item, codeTypeFields))
	if codeType == "" {
		codeType = "CPT"
	}
	if vocab := codeKindFromType(codeType); vocab != "" {
		hits = append(hits, codeHit{code: code, vocab: vocab})
	}
	return hits
}

func itemPrices(item map[string]any) (gross, cash *float64) {
	gross = firstPrice(item, grossFields)
	cash = firstPrice(item, cashFields)

	stdCharges, _ := item["standard_charges"].([]any)
	for _, sc := range stdCharges {
		m, ok := sc.(map[string]any)
		if !ok {
			continue
		}
		if gross == nil {
			gross = firstPrice(m, grossFields)
		}
		if cash == nil {
			cash = firstPrice(m, cashFields)
		}
		if gross != nil && cash != nil {
			break
		}
	}
	return gross, cash
}

// ─── Loosely typed value helpers ───

func firstMatch(m map[string]any, fields []string) any {
	for _, f := range fields {
		if v, ok := m[f]; ok {
			return v
		}
	}
	return nil
}

func hasAny(m map[string]any, fields []string) bool {
	for _, f := range fields {
		if _, ok := m[f]; ok {
			return true
		}
	}
	return false
}

func firstPrice(m map[string]any, fields []string) *float64 {
	for _, f := range fields {
		v, ok := m[f]
		if !ok || v == nil {
			continue
		}
		if p := asFloat(v); p != nil {
			return p
		}
	}
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return trimmed(s)
	case float64:
		return trimmed(formatFloatCode(s))
	case json.Number:
		return trimmed(s.String())
	}
	return ""
}

func asFloat(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return f64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f64(f)
		}
	case string:
		return parsePrice(n)
	}
	return nil
}

// extractLarge streams the file through an incremental tokenizer,
// probing candidate item-array paths in priority order. If no probe
// succeeds the whole file is parsed in memory as a fallback.
func (e *JSON) extractLarge(ctx context.Context, h *catalog.Hospital) ([]Row, error) {
	path, err := e.Client.FetchToTempFile(ctx, h.FileURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	rows, found, err := streamFile(path, e.log())
	if err != nil {
		return nil, err
	}
	if found {
		return rows, nil
	}

	e.log().Warnw("no streamable item path, parsing in memory", "ccn", h.CCN)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return e.parseBytes(body)
}

func (e *JSON) log() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}
