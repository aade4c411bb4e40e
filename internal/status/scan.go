package status

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chargescope/chargescope/internal/catalog"
)

// ScanState computes a state's status from the data files on disk, the
// authoritative view: a hospital is successful exactly when its JSONL
// output exists and holds at least one record. Run history does not
// enter into it.
func ScanState(dataDir, state string, hospitals []catalog.Hospital) (StateSummary, []Result) {
	state = strings.ToUpper(state)
	files := scanDataDir(filepath.Join(dataDir, state))

	sum := StateSummary{State: state}
	results := make([]Result, 0, len(hospitals))
	for _, h := range hospitals {
		r := Result{State: state, CCN: h.CCN, Hospital: h.Name, FileURL: h.FileURL}
		if info, ok := files[h.CCN]; ok && info.records > 0 {
			r.Status = Success
			r.Records = info.records
			sum.Success++
			sum.Records += info.records
		} else {
			r.Status = Failure
		}
		sum.Total++
		if r.Status != Success {
			sum.Failed++
		}
		results = append(results, r)
	}

	// Freshness comes from every data file present, matched or not.
	for _, info := range files {
		if info.mtime.After(sum.LastUpdated) {
			sum.LastUpdated = info.mtime
		}
	}
	return sum, results
}

type dataFile struct {
	records int
	mtime   time.Time
}

func scanDataDir(dir string) map[string]dataFile {
	files := map[string]dataFile{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return files
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ccn := strings.TrimSuffix(name, ".jsonl")
		files[ccn] = dataFile{
			records: countJSONLRecords(filepath.Join(dir, name)),
			mtime:   info.ModTime().UTC(),
		}
	}
	return files
}

// countJSONLRecords counts non-blank lines. Unreadable files count as
// empty rather than failing the scan.
func countJSONLRecords(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	if sc.Err() != nil {
		return 0
	}
	return n
}
