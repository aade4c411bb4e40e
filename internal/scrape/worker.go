// Package scrape runs the fleet: a parent orchestrator that fans
// hospitals out to isolated child processes, and the worker pipeline
// that each child executes.
package scrape

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/config"
	"github.com/chargescope/chargescope/internal/extract"
	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/httpfetch"
	"github.com/chargescope/chargescope/internal/normalize"
	"github.com/chargescope/chargescope/internal/status"
	"github.com/chargescope/chargescope/internal/vocab"
)

// WorkerOptions are the per-run knobs the child needs. The parent
// forwards them as flags on the worker subcommand.
type WorkerOptions struct {
	ValidateOnly bool
	DryRun       bool
	MaxAgeDays   int
	HTTPTimeout  time.Duration
}

// RunWorker executes the full pipeline for one hospital and returns the
// result. It never panics outward: every error becomes a failure result
// with a classified error type, because the parent can only act on what
// crosses the stdout boundary.
func RunWorker(ctx context.Context, cfg *config.Config, h *catalog.Hospital, opts WorkerOptions, log *zap.SugaredLogger) status.Result {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	start := time.Now()
	res := status.Result{
		State:    h.State,
		CCN:      h.CCN,
		Hospital: h.Name,
		FileURL:  h.FileURL,
	}
	fail := func(err error) status.Result {
		res.Status = status.Failure
		res.ErrorType = fault.KindOf(err)
		res.ErrorMessage = status.TruncateError(err.Error())
		res.Duration = time.Since(start).Seconds()
		return res
	}

	// Incremental skip, checked before any network traffic.
	if opts.MaxAgeDays > 0 && !opts.ValidateOnly {
		if age, ok := dataAgeDays(cfg.OutputPath(h.State, h.CCN)); ok && age < float64(opts.MaxAgeDays) {
			res.Status = status.Skipped
			res.ErrorMessage = fmt.Sprintf("Data is %.1f days old (max age: %d)", age, opts.MaxAgeDays)
			return res
		}
	}

	httpTimeout := opts.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = cfg.HTTPTimeout
	}
	client := httpfetch.New(httpfetch.Options{
		Timeout:       httpTimeout,
		MaxRetries:    cfg.MaxRetries,
		HostRateLimit: cfg.HostRateLimit,
		Logger:        log,
	})

	if opts.ValidateOnly {
		ok, msg := client.CheckURL(ctx, h.FileURL)
		if ok {
			res.Status = status.Success
		} else {
			res.Status = status.Failure
			res.ErrorMessage = msg
		}
		res.Duration = time.Since(start).Seconds()
		return res
	}

	vocabSet, err := vocab.Load(cfg.ConceptPath())
	if err != nil {
		return fail(fmt.Errorf("load vocabulary: %w", err))
	}

	reg := extract.NewRegistry(client, log)
	ex := reg.Select(h)
	if ex == nil {
		res.Status = status.Skipped
		res.ErrorType = fault.KindNoExtractor
		res.ErrorMessage = fmt.Sprintf("No extractor for format: %s", h.Format)
		return res
	}

	log.Infow("scraping", "ccn", h.CCN, "hospital", h.Name, "extractor", ex.Name())
	rows, err := ex.Extract(ctx, h)
	if err != nil {
		return fail(err)
	}

	charges := normalize.Normalize(rows, vocabSet)
	if len(charges) == 0 {
		return fail(fault.New(fault.KindNoCharges, "no valid charges after normalization"))
	}

	if !opts.DryRun {
		if err := normalize.WriteJSONL(cfg.OutputPath(h.State, h.CCN), charges); err != nil {
			return fail(err)
		}
	}

	res.Status = status.Success
	res.Records = len(charges)
	res.Duration = time.Since(start).Seconds()
	log.Infow("scraped", "ccn", h.CCN, "records", res.Records, "duration", fmt.Sprintf("%.1fs", res.Duration))
	return res
}

// dataAgeDays returns the age of the output file in days, or ok=false
// when it does not exist.
func dataAgeDays(path string) (float64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()).Hours() / 24, true
}
