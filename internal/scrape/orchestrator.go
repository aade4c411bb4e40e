package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/config"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
	"github.com/chargescope/chargescope/internal/metrics"
	"github.com/chargescope/chargescope/internal/runledger"
	"github.com/chargescope/chargescope/internal/status"
)

const (
	// defaultTaskTimeout is the per-hospital hard limit. Twenty minutes
	// sounds generous until you meet a 4 GB CSV behind a 200 KB/s CDN.
	defaultTaskTimeout = 1200 * time.Second

	termGrace = 5 * time.Second
	killGrace = 2 * time.Second
)

// Options are the orchestrator run knobs, mirroring the CLI flags.
type Options struct {
	StateFilter  string
	CCNFilter    string
	Parallel     int
	Timeout      time.Duration
	ValidateOnly bool
	DryRun       bool
	MaxAgeDays   int
	Verbose      bool
	JSONLogs     bool
}

func (o *Options) applyDefaults() {
	if o.Parallel < 1 {
		o.Parallel = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTaskTimeout
	}
}

// Stats is the run roll-up the CLI prints and exits on.
type Stats struct {
	Total   int
	Success int
	Failed  int
	Skipped int
	Records int
}

// Orchestrator fans hospitals out to child worker processes and
// aggregates their results into per-state status files.
type Orchestrator struct {
	Config *config.Config
	Log    *zap.SugaredLogger
	Ledger *runledger.Ledger
	Opts   Options

	// exe overrides the worker executable; empty means self re-exec.
	exe string
}

// Run processes every hospital and writes status artifacts. The error
// return covers orchestration problems only; per-hospital failures are
// counted in Stats, not returned.
func (o *Orchestrator) Run(ctx context.Context, hospitals []catalog.Hospital) (Stats, error) {
	o.Opts.applyDefaults()
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	// Children killed mid-download leave temp files behind; only the
	// parent survives to clean up.
	defer httpfetch.SweepTempFiles()

	var runID int64
	if !o.Opts.DryRun {
		runID = o.Ledger.BeginRun(o.Opts.StateFilter, o.Opts.CCNFilter)
	}

	jobs := make(chan catalog.Hospital)
	var (
		mu      sync.Mutex
		byState = map[string][]status.Result{}
	)

	var wg sync.WaitGroup
	for i := 0; i < o.Opts.Parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range jobs {
				r := o.runChild(ctx, h)
				o.observe(r)
				if !o.Opts.DryRun {
					o.Ledger.Record(runID, r)
				}
				mu.Lock()
				byState[r.State] = append(byState[r.State], r)
				mu.Unlock()
			}
		}()
	}
	for _, h := range hospitals {
		jobs <- h
	}
	close(jobs)
	wg.Wait()

	var stats Stats
	var summaries []status.StateSummary
	states := make([]string, 0, len(byState))
	for s := range byState {
		states = append(states, s)
	}
	sort.Strings(states)

	for _, state := range states {
		results := byState[state]
		sort.Slice(results, func(i, j int) bool { return results[i].CCN < results[j].CCN })
		if !o.Opts.DryRun {
			if err := status.WriteRunCSV(o.Config.StatusPath(state), results); err != nil {
				return stats, fmt.Errorf("write status for %s: %w", state, err)
			}
		}
		sum := status.Summarize(state, results)
		summaries = append(summaries, sum)
		stats.Total += sum.Total
		stats.Success += sum.Success
		stats.Failed += sum.Failed
		stats.Skipped += sum.Skipped
		stats.Records += sum.Records
	}
	if !o.Opts.DryRun {
		o.Ledger.FinishRun(runID, summaries)
	}

	o.Log.Infow("run complete",
		"total", stats.Total, "success", stats.Success,
		"failed", stats.Failed, "skipped", stats.Skipped,
		"records", stats.Records)
	return stats, nil
}

func (o *Orchestrator) observe(r status.Result) {
	metrics.Hospitals.WithLabelValues(r.Status).Inc()
	if r.Duration > 0 {
		metrics.ExtractDuration.Observe(r.Duration)
	}
	switch r.Status {
	case status.Success:
		metrics.Records.WithLabelValues(r.State).Add(float64(r.Records))
		o.Log.Infow("hospital done", "ccn", r.CCN, "state", r.State, "records", r.Records)
	case status.Skipped:
		o.Log.Infow("hospital skipped", "ccn", r.CCN, "reason", r.ErrorMessage)
	default:
		o.Log.Warnw("hospital failed", "ccn", r.CCN, "error_type", r.ErrorType, "error", r.ErrorMessage)
	}
}

// runChild executes one hospital in a subprocess. The child gets the
// hospital record on stdin and must print exactly one JSON result line
// on stdout; its logs go to stderr, which we pass straight through.
func (o *Orchestrator) runChild(ctx context.Context, h catalog.Hospital) status.Result {
	crashed := func(format string, args ...any) status.Result {
		return status.Result{
			State: h.State, CCN: h.CCN, Hospital: h.Name, FileURL: h.FileURL,
			Status:       status.Failure,
			ErrorType:    fault.KindWorkerCrashed,
			ErrorMessage: status.TruncateError(fmt.Sprintf(format, args...)),
		}
	}

	exe := o.exe
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return crashed("resolve executable: %v", err)
		}
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return crashed("encode hospital record: %v", err)
	}

	cmd := exec.Command(exe, o.workerArgs()...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return crashed("start worker: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		o.terminate(cmd, done)
		return status.Result{
			State: h.State, CCN: h.CCN, Hospital: h.Name, FileURL: h.FileURL,
			Status:       status.Failure,
			ErrorType:    fault.KindTimeoutKilled,
			ErrorMessage: "run canceled",
		}
	case <-time.After(o.Opts.Timeout):
		o.Log.Warnw("worker timed out", "ccn", h.CCN, "timeout", o.Opts.Timeout)
		o.terminate(cmd, done)
		return status.Result{
			State: h.State, CCN: h.CCN, Hospital: h.Name, FileURL: h.FileURL,
			Status:       status.Failure,
			ErrorType:    fault.KindTimeoutKilled,
			ErrorMessage: fmt.Sprintf("Killed after %ds timeout", int(o.Opts.Timeout.Seconds())),
			Duration:     o.Opts.Timeout.Seconds(),
		}
	}

	r, ok := parseResultLine(stdout.Bytes())
	if !ok {
		if waitErr != nil {
			return crashed("worker exited without a result: %v", waitErr)
		}
		return crashed("worker exited without a result")
	}
	// The child echoes identifiers, but never trust a crashed write.
	if r.CCN == "" {
		r.CCN = h.CCN
	}
	if r.State == "" {
		r.State = h.State
	}
	if r.Hospital == "" {
		r.Hospital = h.Name
	}
	if r.FileURL == "" {
		r.FileURL = h.FileURL
	}
	return r
}

func (o *Orchestrator) workerArgs() []string {
	args := []string{"worker", "--timeout", strconv.Itoa(int(o.Opts.Timeout.Seconds()))}
	if o.Opts.ValidateOnly {
		args = append(args, "--validate-only")
	}
	if o.Opts.DryRun {
		args = append(args, "--dry-run")
	}
	if o.Opts.MaxAgeDays > 0 {
		args = append(args, "--max-age-days", strconv.Itoa(o.Opts.MaxAgeDays))
	}
	if o.Opts.Verbose {
		args = append(args, "--verbose")
	}
	if o.Opts.JSONLogs {
		args = append(args, "--json-logs")
	}
	return args
}

// terminate escalates: SIGTERM, grace, SIGKILL, grace. After that the
// child is the kernel's problem.
func (o *Orchestrator) terminate(cmd *exec.Cmd, done <-chan error) {
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(termGrace):
	}
	cmd.Process.Kill()
	select {
	case <-done:
	case <-time.After(killGrace):
	}
}

// parseResultLine extracts the result from worker stdout: the last
// non-empty line must be a JSON result document.
func parseResultLine(out []byte) (status.Result, bool) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var r status.Result
		if err := json.Unmarshal([]byte(line), &r); err == nil && r.Status != "" {
			return r, true
		}
		return status.Result{}, false
	}
	return status.Result{}, false
}
