package extract

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/archive"
	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
)

// csvChunkRows is the progress-log interval for the streamed large-file
// path.
const csvChunkRows = 50000

// CSV handles the CMS v2/v3 tabular schema plus the vendor dialects that
// orbit it (Craneware pipe files, lone-code exports, ZIPs served under
// .csv URLs).
type CSV struct {
	Client *httpfetch.Client
	Log    *zap.SugaredLogger
}

func (e *CSV) Name() string { return "csv" }

func (e *CSV) Extract(ctx context.Context, h *catalog.Hospital) ([]Row, error) {
	if n, err := e.Client.ProbeContentLength(ctx, h.FileURL); err == nil && n > httpfetch.LargeFileThreshold {
		e.log().Infow("large file, streaming", "ccn", h.CCN, "bytes", n)
		return e.extractLarge(ctx, h)
	}

	res, err := e.Client.Get(ctx, h.FileURL)
	if err != nil {
		return nil, err
	}
	body := res.Body

	// Some hospitals serve a ZIP under a .csv URL.
	if archive.IsZip(body) {
		name, member, err := archive.ExtractDataMember(body)
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(strings.ToLower(name), ".csv") {
			return nil, fault.New(fault.KindParserError, "zip under csv url carries %s, not csv", name)
		}
		e.log().Infow("csv url served zip", "ccn", h.CCN, "member", name)
		body = member
	}
	if archive.LooksLikeHTML(body) {
		return nil, fault.New(fault.KindHTMLInsteadOfData, "server returned HTML instead of csv")
	}

	text, enc := archive.DecodeText(body)
	if enc == "utf-8-replacement" {
		e.log().Warnw("lossy text decode", "ccn", h.CCN, "url", h.FileURL)
	}
	return e.parseText(text, h)
}

func (e *CSV) parseText(text string, h *catalog.Hospital) ([]Row, error) {
	delim := archive.DetectDelimiter(text)
	skip := headerSkip(text, delim)
	if h.SkipRows > 0 {
		skip = h.SkipRows
	}

	header, rows, err := parseTable(text, delim, skip)
	if err != nil {
		return nil, err
	}
	return extractRows(header, rows, h), nil
}

// headerSkip decides how many leading rows precede the column headers.
// CMS files put two metadata rows first; every vendor dialect starts with
// the headers.
func headerSkip(text string, delim rune) int {
	first := text
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	first = strings.ToLower(strings.TrimRight(first, "\r"))
	switch {
	case delim == '|':
		return 0
	case strings.Contains(first, "service_code") || strings.Contains(first, "hcpcs"):
		return 0
	case strings.Contains(first, "hospital_name"):
		return 2
	default:
		return 0
	}
}

// parseTable reads the whole table leniently: strings only, ragged rows
// tolerated. If the quoted parse fails (stray quotes are endemic), the
// text is re-split ignoring quoting entirely, with embedded CR normalized
// away first.
func parseTable(text string, delim rune, skip int) ([]string, [][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	all, err := r.ReadAll()
	if err != nil {
		all = splitNoQuotes(text, delim)
	}
	if len(all) <= skip {
		return nil, nil, fault.New(fault.KindParserError, "csv has %d rows, need headers after skipping %d", len(all), skip)
	}
	return all[skip], all[skip+1:], nil
}

func splitNoQuotes(text string, delim rune) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out [][]string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, strings.Split(line, string(delim)))
	}
	return out
}

// extractRows runs the three code-recognition modes over a parsed table.
func extractRows(header []string, rows [][]string, h *catalog.Hospital) []Row {
	cols := newColumnIndex(header)

	mode := cols.mode(h)
	var out []Row
	for _, row := range rows {
		codes := mode.codes(cols, row)
		if len(codes) == 0 {
			continue
		}
		gross, cash := cols.prices(row, h)
		for _, c := range codes {
			out = append(out, Row{
				VocabularyID: c.vocab,
				ConceptCode:  c.code,
				Gross:        gross,
				Cash:         cash,
			})
		}
	}
	return out
}

// ─── Column index and recognition modes ───

// columnIndex maps lowercased, pipe-collapsed header names to positions.
type columnIndex struct {
	header []string
	lower  map[string]int
}

func newColumnIndex(header []string) *columnIndex {
	ci := &columnIndex{
		header: make([]string, len(header)),
		lower:  make(map[string]int, len(header)),
	}
	for i, col := range header {
		norm := collapsePipes(strings.TrimSpace(col))
		ci.header[i] = norm
		key := strings.ToLower(norm)
		if _, seen := ci.lower[key]; !seen {
			ci.lower[key] = i
		}
	}
	return ci
}

func (ci *columnIndex) has(name string) bool {
	_, ok := ci.lower[name]
	return ok
}

func (ci *columnIndex) cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

type codeHit struct {
	code  string
	vocab string
}

type codeMode interface {
	codes(ci *columnIndex, row []string) []codeHit
}

func (ci *columnIndex) mode(h *catalog.Hospital) codeMode {
	if h != nil && h.CodeCol != "" {
		if idx, ok := ci.lower[strings.ToLower(h.CodeCol)]; ok {
			return hintMode{idx: idx}
		}
	}
	if ci.has("hcpcs") || ci.has("service_code") {
		return cranewareMode{}
	}
	if ci.has("code") && !ci.has("code|1") {
		return simpleMode{idx: ci.lower["code"]}
	}
	return cmsMode{}
}

// cmsMode walks code|N / code|N|type pairs for N=1..9.
type cmsMode struct{}

func (cmsMode) codes(ci *columnIndex, row []string) []codeHit {
	var hits []codeHit
	for n := '1'; n <= '9'; n++ {
		codeIdx, ok1 := ci.lower["code|"+string(n)]
		typeIdx, ok2 := ci.lower["code|"+string(n)+"|type"]
		if !ok1 || !ok2 {
			continue
		}
		code := ci.cell(row, codeIdx)
		if code == "" {
			continue
		}
		codeType := strings.ToUpper(ci.cell(row, typeIdx))
		if codeType != "CPT" && codeType != "CPT4" && codeType != "HCPCS" {
			continue
		}
		vocab := VocabHCPCS
		if codeType != "HCPCS" {
			vocab = VocabCPT
		}
		hits = append(hits, codeHit{code: code, vocab: vocab})
	}
	return hits
}

// cranewareMode reads vendor exports whose column name carries the
// vocabulary: hcpcs, medicare_hcpcs, cpt, cpt4.
type cranewareMode struct{}

func (cranewareMode) codes(ci *columnIndex, row []string) []codeHit {
	var hits []codeHit
	for _, name := range []string{"hcpcs", "medicare_hcpcs", "cpt", "cpt4"} {
		idx, ok := ci.lower[name]
		if !ok {
			continue
		}
		code := ci.cell(row, idx)
		if len(code) != 5 {
			continue
		}
		vocab := VocabHCPCS
		if strings.Contains(name, "cpt") {
			vocab = VocabCPT
		}
		hits = append(hits, codeHit{code: code, vocab: vocab})
	}
	return hits
}

// simpleMode handles a lone code column with five-digit numeric values;
// the vocabulary filter downstream sorts out what they really are.
type simpleMode struct{ idx int }

func (m simpleMode) codes(ci *columnIndex, row []string) []codeHit {
	code := ci.cell(row, m.idx)
	if len(code) != 5 || !allDigits(code) {
		return nil
	}
	return []codeHit{{code: code, vocab: VocabCPT}}
}

// hintMode trusts a curated per-file code column.
type hintMode struct{ idx int }

func (m hintMode) codes(ci *columnIndex, row []string) []codeHit {
	code := ci.cell(row, m.idx)
	if len(code) != 5 {
		return nil
	}
	return []codeHit{{code: code, vocab: VocabCPT}}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// prices picks one gross and one cash candidate per row by substring
// rules over the column names; the first numeric parse wins per kind.
// Catalog hints, when they name a real column, short-circuit the search.
func (ci *columnIndex) prices(row []string, h *catalog.Hospital) (gross, cash *float64) {
	if h != nil {
		if h.GrossCol != "" {
			if idx, ok := ci.lower[strings.ToLower(h.GrossCol)]; ok {
				gross = parsePrice(ci.cell(row, idx))
			}
		}
		if h.CashCol != "" {
			if idx, ok := ci.lower[strings.ToLower(h.CashCol)]; ok {
				cash = parsePrice(ci.cell(row, idx))
			}
		}
		if h.GrossCol != "" || h.CashCol != "" {
			return gross, cash
		}
	}

	for i, name := range ci.header {
		lower := strings.ToLower(name)
		if gross == nil && containsAny(lower, "gross", "price", "charge", "amount") &&
			!containsAny(lower, "cash", "discounted", "negotiated") {
			gross = parsePrice(ci.cell(row, i))
		}
		if cash == nil && containsAny(lower, "cash", "discounted", "self_pay") {
			cash = parsePrice(ci.cell(row, i))
		}
		if gross != nil && cash != nil {
			break
		}
	}
	return gross, cash
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ─── Large-file path ───

// extractLarge streams the response to a temp file and parses it row by
// row. The temp file is removed on every exit path.
func (e *CSV) extractLarge(ctx context.Context, h *catalog.Hospital) ([]Row, error) {
	path, err := e.Client.FetchToTempFile(ctx, h.FileURL)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 1<<20)

	// Sniff delimiter and header skip from the head of the file.
	head, _ := br.Peek(64 << 10)
	delim := archive.DetectDelimiter(string(head))
	skip := headerSkip(string(head), delim)
	if h.SkipRows > 0 {
		skip = h.SkipRows
	}

	r := csv.NewReader(br)
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	for i := 0; i < skip; i++ {
		if _, err := r.Read(); err != nil {
			return nil, fault.Wrap(fault.KindParserError, err, "reading csv preamble")
		}
	}
	header, err := r.Read()
	if err != nil {
		return nil, fault.Wrap(fault.KindParserError, err, "reading csv header")
	}
	cols := newColumnIndex(header)
	mode := cols.mode(h)

	var out []Row
	var n int
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Bad row; keep going, the file is huge and mostly fine.
			continue
		}
		n++
		codes := mode.codes(cols, row)
		if len(codes) == 0 {
			continue
		}
		gross, cash := cols.prices(row, h)
		for _, c := range codes {
			out = append(out, Row{VocabularyID: c.vocab, ConceptCode: c.code, Gross: gross, Cash: cash})
		}
		if n%csvChunkRows == 0 {
			e.log().Debugw("large csv progress", "ccn", h.CCN, "rows", n, "records", len(out))
		}
	}
	return out, nil
}

func (e *CSV) log() *zap.SugaredLogger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop().Sugar()
}
