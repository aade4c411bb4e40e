package runledger_test

import (
	"path/filepath"
	"testing"

	"github.com/chargescope/chargescope/internal/runledger"
	"github.com/chargescope/chargescope/internal/status"
)

func TestLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	l, err := runledger.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	run := l.BeginRun("TX", "")
	if run == 0 {
		t.Fatal("BeginRun returned 0")
	}

	l.Record(run, status.Result{State: "TX", CCN: "450001", Hospital: "General", Status: status.Success, Records: 12, Duration: 1.5})
	l.Record(run, status.Result{State: "TX", CCN: "450001", Hospital: "General", Status: status.Failure, ErrorType: "Timeout"})
	l.FinishRun(run, []status.StateSummary{{State: "TX", Total: 2, Success: 1, Failed: 1, Records: 12}})

	hist, err := l.History("450001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d entries, want 2", len(hist))
	}
	if hist[0].Status != status.Failure || hist[0].ErrorType != "Timeout" {
		t.Errorf("newest entry = %+v", hist[0])
	}
	if hist[1].Records != 12 {
		t.Errorf("oldest entry = %+v", hist[1])
	}
}

func TestNilLedgerIsInert(t *testing.T) {
	var l *runledger.Ledger
	if run := l.BeginRun("", ""); run != 0 {
		t.Errorf("BeginRun on nil = %d", run)
	}
	l.Record(0, status.Result{})
	l.FinishRun(0, nil)
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil = %v", err)
	}
	if hist, err := l.History("x", 1); err != nil || hist != nil {
		t.Errorf("History on nil = %v, %v", hist, err)
	}
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	l, err := runledger.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	run := l.BeginRun("", "")
	l.Record(run, status.Result{State: "OK", CCN: "370001", Status: status.Success, Records: 3})
	l.Close()

	l2, err := runledger.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	hist, err := l2.History("370001", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Records != 3 {
		t.Errorf("history after reopen = %+v", hist)
	}
}
