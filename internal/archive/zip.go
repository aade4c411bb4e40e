package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chargescope/chargescope/internal/fault"
)

// unzipTimeout bounds the system-unzip fallback for archives using
// compression methods archive/zip cannot decode (Deflate64 shows up in
// Windows-produced hospital archives).
const unzipTimeout = 300 * time.Second

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// ZipKind classifies an archive payload.
type ZipKind int

const (
	ZipKindNone    ZipKind = iota // not a ZIP at all
	ZipKindXLSX                   // Office Open XML workbook
	ZipKindArchive                // data archive wrapping CSV/JSON members
)

// IsZip reports whether b is a ZIP: either a structurally valid archive or
// anything starting with the local-file-header magic (truncated archives
// still count so they fail later as BadZipFile, not as garbage CSV).
func IsZip(b []byte) bool {
	if bytes.HasPrefix(b, zipMagic) {
		return true
	}
	_, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	return err == nil
}

// ooxmlMarkers identify an XLSX workbook masquerading as a plain ZIP.
var ooxmlMarkers = []string{"[Content_Types].xml", "_rels/.rels", "xl/workbook.xml"}

// Classify opens b as a ZIP and decides whether it is an Office workbook
// or a data archive.
func Classify(b []byte) (ZipKind, error) {
	if !IsZip(b) {
		return ZipKindNone, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return ZipKindNone, fault.Wrap(fault.KindBadZipFile, err, "corrupt zip")
	}
	for _, f := range zr.File {
		for _, marker := range ooxmlMarkers {
			if f.Name == marker {
				return ZipKindXLSX, nil
			}
		}
	}
	return ZipKindArchive, nil
}

// ExtractDataMember pulls the preferred data member out of a ZIP archive:
// the first CSV member if any, else the first JSON member. Returns the
// member name and its bytes.
func ExtractDataMember(b []byte) (string, []byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", nil, fault.Wrap(fault.KindBadZipFile, err, "corrupt zip")
	}

	var csvFile, jsonFile *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ToLower(f.Name)
		switch {
		case strings.HasSuffix(name, ".csv") && csvFile == nil:
			csvFile = f
		case strings.HasSuffix(name, ".json") && jsonFile == nil:
			jsonFile = f
		}
	}
	pick := csvFile
	if pick == nil {
		pick = jsonFile
	}
	if pick == nil {
		return "", nil, fault.New(fault.KindBadZipFile, "zip has no csv or json member")
	}

	data, err := readMember(pick)
	if err == nil {
		return pick.Name, data, nil
	}
	if errors.Is(err, zip.ErrAlgorithm) {
		data, uerr := systemUnzip(b, pick.Name)
		if uerr != nil {
			return "", nil, fault.Wrap(fault.KindUnsupportedCompression, uerr,
				"member %s uses unsupported compression and system unzip failed", pick.Name)
		}
		return pick.Name, data, nil
	}
	return "", nil, fault.Wrap(fault.KindBadZipFile, err, "reading member %s", pick.Name)
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// systemUnzip shells out to the host unzip as a last resort for
// compression methods archive/zip rejects.
func systemUnzip(archiveBytes []byte, member string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "chargescope-unzip-*.zip")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(archiveBytes); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), unzipTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "unzip", "-p", tmp.Name(), member).Output()
	if err != nil {
		return nil, err
	}
	return out, nil
}
