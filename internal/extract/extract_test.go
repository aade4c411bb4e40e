package extract_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/extract"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
)

// cmsCSV is the canonical CMS v2 tabular fixture: two metadata rows, then
// headers, then data.
const cmsCSV = `hospital_name,last_updated_on,version
Example Hospital,2024-01-01,2.0.0
description,code|1,code|1|type,standard_charge|gross,standard_charge|discounted_cash
Office visit,99213,CPT,100,80
Office visit L4,99214,CPT,150,120
`

var cmsCSVRows = []extract.Row{
	{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(100), Cash: pf(80)},
	{VocabularyID: "cpt", ConceptCode: "99214", Gross: pf(150), Cash: pf(120)},
}

func pf(v float64) *float64 { return &v }

func serve(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func client() *httpfetch.Client {
	return httpfetch.New(httpfetch.Options{Timeout: 5 * time.Second, MaxRetries: 1})
}

func hospital(url string) *catalog.Hospital {
	return &catalog.Hospital{CCN: "470011", Name: "Example Hospital", State: "VT", FileURL: url}
}

func zipWith(t *testing.T, name string, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func assertRows(t *testing.T, got, want []extract.Row) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("rows mismatch:\ngot  %s\nwant %s", dumpRows(got), dumpRows(want))
	}
}

func dumpRows(rows []extract.Row) string {
	var b bytes.Buffer
	for _, r := range rows {
		fmt.Fprintf(&b, "\n  {%s %s gross=%v cash=%v}", r.VocabularyID, r.ConceptCode, deref(r.Gross), deref(r.Cash))
	}
	return b.String()
}

func deref(p *float64) any {
	if p == nil {
		return "<nil>"
	}
	return *p
}

// ─── CSV ───

func TestCSVExtractCMS(t *testing.T) {
	srv := serve(t, "text/csv", []byte(cmsCSV))
	ex := &extract.CSV{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/prices.csv"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	assertRows(t, got, cmsCSVRows)
}

func TestCSVExtractBOM(t *testing.T) {
	srv := serve(t, "text/csv", append([]byte{0xEF, 0xBB, 0xBF}, cmsCSV...))
	ex := &extract.CSV{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/prices.csv"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

func TestCSVExtractZipUnderCSVURL(t *testing.T) {
	srv := serve(t, "application/zip", zipWith(t, "prices.csv", []byte(cmsCSV)))
	ex := &extract.CSV{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/prices.csv"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

func TestCSVExtractHTML(t *testing.T) {
	srv := serve(t, "text/html", []byte("<!DOCTYPE html><html><body>moved</body></html>"))
	ex := &extract.CSV{Client: client()}
	_, err := ex.Extract(context.Background(), hospital(srv.URL+"/prices.csv"))
	if err == nil {
		t.Fatal("expected error for HTML response")
	}
	if kind := fault.KindOf(err); kind != fault.KindHTMLInsteadOfData {
		t.Errorf("kind = %q", kind)
	}
}

func TestCSVExtractCraneware(t *testing.T) {
	body := "service_code|hcpcs|description|price|cash_price\n123|99213|Visit|100|80\n456|E1234|Chair|50|40\n"
	srv := serve(t, "text/csv", []byte(body))
	ex := &extract.CSV{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/cdm.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "hcpcs", ConceptCode: "99213", Gross: pf(100), Cash: pf(80)},
		{VocabularyID: "hcpcs", ConceptCode: "E1234", Gross: pf(50), Cash: pf(40)},
	}
	assertRows(t, got, want)
}

func TestCSVExtractSimpleCode(t *testing.T) {
	body := "Code,Description,Price,Cash Discount Price\n99213,Visit,\"$1,234.56\",80\nnotacode,Junk,5,5\n"
	srv := serve(t, "text/csv", []byte(body))
	ex := &extract.CSV{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/codes.csv"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(1234.56), Cash: pf(80)},
	}
	assertRows(t, got, want)
}

func TestCSVColumnHints(t *testing.T) {
	body := "Px,Amt A,Amt B\n99213,100,80\n"
	srv := serve(t, "text/csv", []byte(body))
	h := hospital(srv.URL + "/odd.csv")
	h.CodeCol = "Px"
	h.GrossCol = "Amt A"
	h.CashCol = "Amt B"
	ex := &extract.CSV{Client: client()}
	got, err := ex.Extract(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(100), Cash: pf(80)},
	}
	assertRows(t, got, want)
}

// ─── JSON ───

func TestJSONExtractCMSV2(t *testing.T) {
	body := `{
	  "hospital_name": "Example Hospital",
	  "standard_charge_information": [
	    {
	      "description": "Office visit",
	      "code_information": [{"type": "CPT", "code": "99213"}],
	      "standard_charges": [{"gross_charge": 100, "discounted_cash": 80}]
	    }
	  ]
	}`
	srv := serve(t, "application/json", []byte(body))
	ex := &extract.JSON{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/mrf.json"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(100), Cash: pf(80)},
	}
	assertRows(t, got, want)
}

func TestJSONExtractRootArray(t *testing.T) {
	body := `[
	  {"code_information": [{"type": "CPT", "code": "99213"}],
	   "standard_charges": [{"gross_charge": 100, "discounted_cash": 80}]}
	]`
	srv := serve(t, "application/json", []byte(body))
	ex := &extract.JSON{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/mrf.json"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(100), Cash: pf(80)},
	}
	assertRows(t, got, want)
}

func TestJSONExtractAliases(t *testing.T) {
	body := `{
	  "charges": [
	    {"billing_code_information": [{"billing_code_type": "HCPC", "billing_code": "E1234"}],
	     "list_price": "1,500.00", "self_pay": "$900"}
	  ]
	}`
	srv := serve(t, "application/json", []byte(body))
	ex := &extract.JSON{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/mrf.json"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "hcpcs", ConceptCode: "E1234", Gross: pf(1500), Cash: pf(900)},
	}
	assertRows(t, got, want)
}

func TestJSONExtractDirectCodeFields(t *testing.T) {
	body := `{"items": [{"code": "99213", "gross_charge": 55}]}`
	srv := serve(t, "application/json", []byte(body))
	ex := &extract.JSON{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/mrf.json"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(55)},
	}
	assertRows(t, got, want)
}

func TestJSONExtractRejectsOtherCodeSystems(t *testing.T) {
	body := `{"standard_charge_information": [
	  {"code_information": [{"type": "ICD10", "code": "A0101"}], "gross_charge": 10}
	]}`
	srv := serve(t, "application/json", []byte(body))
	ex := &extract.JSON{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/mrf.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("ICD rows leaked through: %+v", got)
	}
}

func TestJSONExtractBadPayload(t *testing.T) {
	srv := serve(t, "application/json", []byte("{not json"))
	ex := &extract.JSON{Client: client()}
	_, err := ex.Extract(context.Background(), hospital(srv.URL+"/mrf.json"))
	if err == nil {
		t.Fatal("expected decode error")
	}
	if kind := fault.KindOf(err); kind != fault.KindJSONDecodeError {
		t.Errorf("kind = %q", kind)
	}
}

// ─── ZIP ───

func TestZIPExtractCSVMember(t *testing.T) {
	srv := serve(t, "application/zip", zipWith(t, "prices.csv", []byte(cmsCSV)))
	ex := &extract.ZIP{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/archive.zip"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

func TestZIPExtractJSONMember(t *testing.T) {
	member := `{"standard_charge_information": [
	  {"code_information": [{"type": "CPT", "code": "99213"}], "gross_charge": 100}
	]}`
	srv := serve(t, "application/zip", zipWith(t, "mrf.json", []byte(member)))
	ex := &extract.ZIP{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/archive.zip"))
	if err != nil {
		t.Fatal(err)
	}
	want := []extract.Row{
		{VocabularyID: "cpt", ConceptCode: "99213", Gross: pf(100)},
	}
	assertRows(t, got, want)
}

func TestZIPExtractPlainPayload(t *testing.T) {
	// A .zip URL serving bare CSV text.
	srv := serve(t, "text/csv", []byte(cmsCSV))
	ex := &extract.ZIP{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/archive.zip"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

func TestZIPExtractWorkbook(t *testing.T) {
	srv := serve(t, "application/zip", workbookBytes(t))
	ex := &extract.ZIP{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/archive.zip"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

// ─── XLSX ───

// workbookBytes builds a real OOXML workbook whose first sheet mirrors
// the canonical CSV fixture.
func workbookBytes(t *testing.T) []byte {
	t.Helper()
	wb := excelize.NewFile()
	rows := [][]any{
		{"hospital_name", "last_updated_on", "version"},
		{"Example Hospital", "2024-01-01", "2.0.0"},
		{"description", "code|1", "code|1|type", "standard_charge|gross", "standard_charge|discounted_cash"},
		{"Office visit", "99213", "CPT", 100, 80},
		{"Office visit L4", "99214", "CPT", 150, 120},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := wb.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := wb.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestXLSXExtractWorkbook(t *testing.T) {
	srv := serve(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", workbookBytes(t))
	ex := &extract.XLSX{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/prices.xlsx"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

func TestXLSXExtractMasqueradingCSV(t *testing.T) {
	srv := serve(t, "application/vnd.ms-excel", []byte(cmsCSV))
	ex := &extract.XLSX{Client: client()}
	got, err := ex.Extract(context.Background(), hospital(srv.URL+"/prices.xlsx"))
	if err != nil {
		t.Fatal(err)
	}
	assertRows(t, got, cmsCSVRows)
}

// ─── Registry ───

func TestRegistrySelect(t *testing.T) {
	r := extract.NewRegistry(client(), nil)
	tests := []struct {
		name string
		h    catalog.Hospital
		want string // extractor name, "" for nil
	}{
		{"explicit name", catalog.Hospital{Extractor: "json", FileURL: "https://x.example/a.csv"}, "json"},
		{"claraprice regex", catalog.Hospital{FileURL: "https://api.claraprice.net/v1/machine-readable/123"}, "json"},
		{"craneware serves csv", catalog.Hospital{FileURL: "https://portal.craneware.com/api-pricing-transparency/x"}, "csv"},
		{"panacea zip", catalog.Hospital{FileURL: "https://files.panaceainc.com/mrf/h.bin"}, "zip"},
		{"sun xlsx regex", catalog.Hospital{FileURL: "https://sundelaware.com/files/prices.xlsx"}, "xlsx"},
		{"kindred aspx is json", catalog.Hospital{FileURL: "https://www.hospitalpricedisclosure.com/file.aspx"}, "json"},
		{"drive is csv", catalog.Hospital{FileURL: "https://drive.google.com/file/d/abc/view"}, "csv"},
		{"idn label", catalog.Hospital{IDN: "Covenant Health", FileURL: "https://x.example/data"}, "json"},
		{"idn tennova", catalog.Hospital{IDN: "Tennova Healthcare", FileURL: "https://x.example/data"}, "csv"},
		{"extension json", catalog.Hospital{FileURL: "https://x.example/mrf.json"}, "json"},
		{"extension xls", catalog.Hospital{FileURL: "https://x.example/mrf.xls"}, "xlsx"},
		{"format hint", catalog.Hospital{Format: "ZIP", FileURL: "https://x.example/download?id=9"}, "zip"},
		{"xml unsupported", catalog.Hospital{FileURL: "https://x.example/mrf.xml"}, ""},
		{"nothing matches", catalog.Hospital{FileURL: "https://x.example/portal"}, ""},
	}
	for _, tt := range tests {
		got := r.Select(&tt.h)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("%s: got %s, want none", tt.name, got.Name())
		case tt.want != "" && got == nil:
			t.Errorf("%s: got none, want %s", tt.name, tt.want)
		case tt.want != "" && got != nil && got.Name() != tt.want:
			t.Errorf("%s: got %s, want %s", tt.name, got.Name(), tt.want)
		}
	}
}

func TestRegistryCCNOverride(t *testing.T) {
	r := extract.NewRegistry(client(), nil)
	r.RegisterCCN("440001", &extract.JSON{Client: client()})
	h := &catalog.Hospital{CCN: "440001", FileURL: "https://x.example/a.csv"}
	if got := r.Select(h); got == nil || got.Name() != "json" {
		t.Errorf("ccn override not honored: %v", got)
	}
}
