package archive_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/chargescope/chargescope/internal/archive"
	"github.com/chargescope/chargescope/internal/fault"
)

func buildZip(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIsZip(t *testing.T) {
	if !archive.IsZip(buildZip(t, map[string]string{"a.csv": "x"})) {
		t.Error("valid archive not recognized")
	}
	if !archive.IsZip([]byte("PK\x03\x04truncated garbage")) {
		t.Error("local-file-header magic alone should count")
	}
	if archive.IsZip([]byte("code,price\n")) {
		t.Error("CSV misdetected as ZIP")
	}
}

func TestClassify(t *testing.T) {
	workbook := buildZip(t, map[string]string{
		"[Content_Types].xml":      "<Types/>",
		"xl/workbook.xml":          "<workbook/>",
		"xl/worksheets/sheet1.xml": "<sheet/>",
	})
	kind, err := archive.Classify(workbook)
	if err != nil || kind != archive.ZipKindXLSX {
		t.Errorf("workbook classified as %v, err %v", kind, err)
	}

	data := buildZip(t, map[string]string{"prices.csv": "code,price\n"})
	kind, err = archive.Classify(data)
	if err != nil || kind != archive.ZipKindArchive {
		t.Errorf("data archive classified as %v, err %v", kind, err)
	}

	kind, err = archive.Classify([]byte("not a zip"))
	if err != nil || kind != archive.ZipKindNone {
		t.Errorf("plain text classified as %v, err %v", kind, err)
	}
}

func TestExtractDataMemberPrefersCSV(t *testing.T) {
	b := buildZip(t, map[string]string{
		"readme.txt": "ignore me",
		"mrf.json":   `{"x":1}`,
		"mrf.csv":    "code,price\n99213,100\n",
	})
	name, data, err := archive.ExtractDataMember(b)
	if err != nil {
		t.Fatal(err)
	}
	if name != "mrf.csv" {
		t.Errorf("picked %q, want the CSV member", name)
	}
	if !bytes.HasPrefix(data, []byte("code,price")) {
		t.Errorf("member body = %q", data)
	}
}

func TestExtractDataMemberJSONFallback(t *testing.T) {
	b := buildZip(t, map[string]string{"mrf.json": `{"x":1}`})
	name, _, err := archive.ExtractDataMember(b)
	if err != nil {
		t.Fatal(err)
	}
	if name != "mrf.json" {
		t.Errorf("picked %q", name)
	}
}

func TestExtractDataMemberEmpty(t *testing.T) {
	b := buildZip(t, map[string]string{"readme.txt": "nothing useful"})
	_, _, err := archive.ExtractDataMember(b)
	if err == nil {
		t.Fatal("expected error for archive without data members")
	}
	if kind := fault.KindOf(err); kind != fault.KindBadZipFile {
		t.Errorf("kind = %q", kind)
	}
}

func TestExtractDataMemberCorrupt(t *testing.T) {
	_, _, err := archive.ExtractDataMember([]byte("PK\x03\x04garbage"))
	if err == nil {
		t.Fatal("expected error for corrupt zip")
	}
	if kind := fault.KindOf(err); kind != fault.KindBadZipFile {
		t.Errorf("kind = %q", kind)
	}
}
