package scrape

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/status"
)

func TestParseResultLine(t *testing.T) {
	out := []byte("some stray print\n{\"state\":\"TX\",\"ccn\":\"450001\",\"status\":\"SUCCESS\",\"records\":7}\n")
	r, ok := parseResultLine(out)
	if !ok {
		t.Fatal("parse failed")
	}
	if r.CCN != "450001" || r.Status != "SUCCESS" || r.Records != 7 {
		t.Errorf("result = %+v", r)
	}
}

func TestParseResultLineEmpty(t *testing.T) {
	if _, ok := parseResultLine(nil); ok {
		t.Error("empty stdout parsed")
	}
	if _, ok := parseResultLine([]byte("   \n\n")); ok {
		t.Error("blank stdout parsed")
	}
}

func TestParseResultLineGarbled(t *testing.T) {
	if _, ok := parseResultLine([]byte("panic: runtime error")); ok {
		t.Error("garbage parsed as result")
	}
	// JSON but not a result document.
	if _, ok := parseResultLine([]byte(`{"foo": 1}`)); ok {
		t.Error("statusless document parsed as result")
	}
}

func TestWorkerArgs(t *testing.T) {
	o := &Orchestrator{Opts: Options{
		Timeout:      90 * time.Second,
		ValidateOnly: true,
		MaxAgeDays:   7,
		JSONLogs:     true,
	}}
	got := o.workerArgs()
	want := []string{"worker", "--timeout", "90", "--validate-only", "--max-age-days", "7", "--json-logs"}
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// stubWorker writes a shell script that stands in for the re-exec'd
// worker binary, so child lifecycle handling is testable without a
// build step.
func stubWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testHospital() catalog.Hospital {
	return catalog.Hospital{CCN: "450001", State: "TX", Name: "General", FileURL: "https://x/a.csv"}
}

func TestRunChildTimeoutKill(t *testing.T) {
	o := &Orchestrator{
		Log:  zap.NewNop().Sugar(),
		Opts: Options{Parallel: 1, Timeout: 200 * time.Millisecond},
		exe:  stubWorker(t, "sleep 30\n"),
	}

	start := time.Now()
	r := o.runChild(context.Background(), testHospital())
	elapsed := time.Since(start)

	if r.Status != status.Failure || r.ErrorType != fault.KindTimeoutKilled {
		t.Fatalf("result = %+v", r)
	}
	if !strings.Contains(r.ErrorMessage, "timeout") {
		t.Errorf("error message = %q", r.ErrorMessage)
	}
	if r.Duration != o.Opts.Timeout.Seconds() {
		t.Errorf("duration = %v, want %v", r.Duration, o.Opts.Timeout.Seconds())
	}
	// SIGTERM should end the child well inside the escalation graces.
	if elapsed > 5*time.Second {
		t.Errorf("kill took %v", elapsed)
	}
}

func TestRunChildNoResultIsWorkerCrashed(t *testing.T) {
	o := &Orchestrator{
		Log:  zap.NewNop().Sugar(),
		Opts: Options{Parallel: 1, Timeout: 10 * time.Second},
		exe:  stubWorker(t, "exit 0\n"),
	}
	r := o.runChild(context.Background(), testHospital())

	if r.Status != status.Failure || r.ErrorType != fault.KindWorkerCrashed {
		t.Fatalf("result = %+v", r)
	}
	// Identifiers come from the catalog record when the child says nothing.
	if r.CCN != "450001" || r.State != "TX" || r.FileURL != "https://x/a.csv" {
		t.Errorf("identifiers = %+v", r)
	}
}

func TestRunChildGarbledStdoutIsWorkerCrashed(t *testing.T) {
	o := &Orchestrator{
		Log:  zap.NewNop().Sugar(),
		Opts: Options{Parallel: 1, Timeout: 10 * time.Second},
		exe:  stubWorker(t, "echo 'panic: runtime error'\nexit 2\n"),
	}
	r := o.runChild(context.Background(), testHospital())

	if r.Status != status.Failure || r.ErrorType != fault.KindWorkerCrashed {
		t.Errorf("result = %+v", r)
	}
}

func TestRunChildResultPassthrough(t *testing.T) {
	o := &Orchestrator{
		Log:  zap.NewNop().Sugar(),
		Opts: Options{Parallel: 1, Timeout: 10 * time.Second},
		exe: stubWorker(t,
			`echo '{"state":"TX","ccn":"450001","hospital":"General","status":"SUCCESS","file_url":"https://x/a.csv","records":7,"duration":1.5}'`+"\n"),
	}
	r := o.runChild(context.Background(), testHospital())

	if r.Status != status.Success || r.Records != 7 {
		t.Fatalf("result = %+v", r)
	}
}

func TestRunChildFailureResultWithNonzeroExit(t *testing.T) {
	// A worker that reports a failure exits nonzero; the result line
	// still wins over exit-code interpretation.
	o := &Orchestrator{
		Log:  zap.NewNop().Sugar(),
		Opts: Options{Parallel: 1, Timeout: 10 * time.Second},
		exe: stubWorker(t,
			`echo '{"state":"TX","ccn":"450001","status":"FAILURE","error_type":"NoCharges","error_message":"no valid charges after normalization"}'`+"\nexit 1\n"),
	}
	r := o.runChild(context.Background(), testHospital())

	if r.Status != status.Failure || r.ErrorType != fault.KindNoCharges {
		t.Fatalf("result = %+v", r)
	}
	// Back-fill for fields the child left out.
	if r.Hospital != "General" || r.FileURL != "https://x/a.csv" {
		t.Errorf("identifiers = %+v", r)
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	if o.Parallel != 1 {
		t.Errorf("Parallel = %d", o.Parallel)
	}
	if o.Timeout != defaultTaskTimeout {
		t.Errorf("Timeout = %v", o.Timeout)
	}
}
