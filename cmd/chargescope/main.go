// Command chargescope scrapes hospital price-transparency files into
// normalized CPT/HCPCS charge tables.
//
//	scrape      Run the fleet: fetch, extract, normalize, write data + status
//	worker      Internal: process one hospital (record on stdin, result on stdout)
//	summary     Scan data files on disk and write summary.csv + badge.json
//	check-urls  Probe catalog URLs and report accessibility
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/catalog"
	"github.com/chargescope/chargescope/internal/config"
	"github.com/chargescope/chargescope/internal/httpfetch"
	"github.com/chargescope/chargescope/internal/logging"
	"github.com/chargescope/chargescope/internal/metrics"
	"github.com/chargescope/chargescope/internal/runledger"
	"github.com/chargescope/chargescope/internal/scrape"
	"github.com/chargescope/chargescope/internal/status"
)

func main() {
	scrapeCmd := flag.NewFlagSet("scrape", flag.ExitOnError)
	scrapeState := scrapeCmd.String("state", "", "Scrape only hospitals from this state (e.g. VT)")
	scrapeCCN := scrapeCmd.String("ccn", "", "Scrape only the hospital with this CCN")
	scrapeValidate := scrapeCmd.Bool("validate-only", false, "Only validate URLs, don't scrape")
	scrapeDryRun := scrapeCmd.Bool("dry-run", false, "Fetch and parse but don't save files")
	scrapeMaxAge := scrapeCmd.Int("max-age-days", 0, "Skip hospitals with data newer than N days (0 = always scrape)")
	scrapeParallel := scrapeCmd.Int("parallel", 1, "Number of parallel workers (1 = sequential)")
	scrapeTimeout := scrapeCmd.Int("timeout", 1200, "Timeout per hospital in seconds")
	scrapeVerbose := scrapeCmd.Bool("verbose", false, "Enable debug logging")
	scrapeJSONLogs := scrapeCmd.Bool("json-logs", false, "Output logs in JSON format")

	workerCmd := flag.NewFlagSet("worker", flag.ExitOnError)
	workerTimeout := workerCmd.Int("timeout", 1200, "HTTP timeout in seconds")
	workerValidate := workerCmd.Bool("validate-only", false, "Only validate the URL")
	workerDryRun := workerCmd.Bool("dry-run", false, "Don't save output")
	workerMaxAge := workerCmd.Int("max-age-days", 0, "Skip when existing data is newer than N days")
	workerVerbose := workerCmd.Bool("verbose", false, "Enable debug logging")
	workerJSONLogs := workerCmd.Bool("json-logs", false, "Output logs in JSON format")

	summaryCmd := flag.NewFlagSet("summary", flag.ExitOnError)
	summaryStateFiles := summaryCmd.Bool("write-state-files", false, "Also write per-state status CSV files")

	checkCmd := flag.NewFlagSet("check-urls", flag.ExitOnError)
	checkState := checkCmd.String("state", "", "Check only hospitals from this state")
	checkCCN := checkCmd.String("ccn", "", "Check only the hospital with this CCN")
	checkOutput := checkCmd.String("output", "", "Export results to this CSV file")
	checkVerbose := checkCmd.Bool("verbose", false, "Enable debug logging")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <scrape|worker|summary|check-urls> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  scrape      Run the fleet and write data + status files\n")
		fmt.Fprintf(os.Stderr, "  summary     Scan data files, write summary.csv + badge.json\n")
		fmt.Fprintf(os.Stderr, "  check-urls  Probe catalog URLs and report accessibility\n")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scrape":
		scrapeCmd.Parse(os.Args[2:])
		log := logging.New(logging.Options{Verbose: *scrapeVerbose, JSONLogs: *scrapeJSONLogs})
		code := runScrape(cfg, log, scrape.Options{
			StateFilter:  strings.ToUpper(*scrapeState),
			CCNFilter:    *scrapeCCN,
			Parallel:     *scrapeParallel,
			Timeout:      time.Duration(*scrapeTimeout) * time.Second,
			ValidateOnly: *scrapeValidate,
			DryRun:       *scrapeDryRun,
			MaxAgeDays:   *scrapeMaxAge,
			Verbose:      *scrapeVerbose,
			JSONLogs:     *scrapeJSONLogs,
		})
		log.Sync()
		os.Exit(code)

	case "worker":
		workerCmd.Parse(os.Args[2:])
		log := logging.New(logging.Options{Verbose: *workerVerbose, JSONLogs: *workerJSONLogs})
		code := runWorker(cfg, log, scrape.WorkerOptions{
			ValidateOnly: *workerValidate,
			DryRun:       *workerDryRun,
			MaxAgeDays:   *workerMaxAge,
			HTTPTimeout:  time.Duration(*workerTimeout) * time.Second,
		})
		log.Sync()
		os.Exit(code)

	case "summary":
		summaryCmd.Parse(os.Args[2:])
		log := logging.New(logging.Options{})
		code := runSummary(cfg, log, *summaryStateFiles)
		log.Sync()
		os.Exit(code)

	case "check-urls":
		checkCmd.Parse(os.Args[2:])
		log := logging.New(logging.Options{Verbose: *checkVerbose})
		code := runCheckURLs(cfg, log, strings.ToUpper(*checkState), *checkCCN, *checkOutput)
		log.Sync()
		os.Exit(code)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func runScrape(cfg *config.Config, log *zap.SugaredLogger, opts scrape.Options) int {
	hospitals, err := catalog.Load(cfg.URLsDir(), opts.StateFilter, opts.CCNFilter, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		return 1
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Warnw("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	var ledger *runledger.Ledger
	if cfg.RunLedger && !opts.DryRun {
		ledger, err = runledger.Open(filepath.Join(cfg.StatusDir, "runs.db"), log)
		if err != nil {
			log.Warnw("run ledger unavailable", "error", err)
			ledger = nil
		}
		defer ledger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := &scrape.Orchestrator{Config: cfg, Log: log, Ledger: ledger, Opts: opts}
	stats, err := orch.Run(ctx, hospitals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scrape: %v\n", err)
		return 1
	}

	fmt.Printf("\nScraped %d hospitals: %d succeeded, %d failed, %d skipped (%d records)\n",
		stats.Total, stats.Success, stats.Failed, stats.Skipped, stats.Records)
	if stats.Failed > 0 {
		return 1
	}
	return 0
}

// runWorker is the child half of the orchestrator protocol: hospital
// record on stdin, logs on stderr, exactly one result line on stdout.
func runWorker(cfg *config.Config, log *zap.SugaredLogger, opts scrape.WorkerOptions) int {
	in, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Errorw("read hospital record", "error", err)
		return 1
	}
	var h catalog.Hospital
	if err := json.Unmarshal(in, &h); err != nil {
		log.Errorw("decode hospital record", "error", err)
		return 1
	}

	res := scrape.RunWorker(context.Background(), cfg, &h, opts, log)

	out, err := json.Marshal(res)
	if err != nil {
		log.Errorw("encode result", "error", err)
		return 1
	}
	fmt.Println(string(out))
	if res.Status == status.Failure {
		return 1
	}
	return 0
}

func runSummary(cfg *config.Config, log *zap.SugaredLogger, writeStateFiles bool) int {
	entries, err := os.ReadDir(cfg.URLsDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", cfg.URLsDir(), err)
		return 1
	}

	var summaries []status.StateSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		state := strings.ToUpper(strings.TrimSuffix(name, ".json"))
		if !status.IsValidState(state) {
			continue
		}
		hospitals, err := catalog.Load(cfg.URLsDir(), state, "", log)
		if err != nil {
			log.Warnw("skipping state", "state", state, "error", err)
			continue
		}
		sum, rows := status.ScanState(cfg.DataDir, state, hospitals)
		summaries = append(summaries, sum)
		if writeStateFiles {
			if err := status.WriteScanCSV(cfg.StatusPath(state), rows); err != nil {
				fmt.Fprintf(os.Stderr, "write %s status: %v\n", state, err)
				return 1
			}
		}
	}
	if len(summaries) == 0 {
		fmt.Fprintln(os.Stderr, "no state catalog files found")
		return 1
	}

	if err := status.WriteSummaryCSV(filepath.Join(cfg.StatusDir, "summary.csv"), summaries); err != nil {
		fmt.Fprintf(os.Stderr, "write summary: %v\n", err)
		return 1
	}
	if err := status.WriteBadge(filepath.Join(cfg.StatusDir, "badge.json"), summaries); err != nil {
		fmt.Fprintf(os.Stderr, "write badge: %v\n", err)
		return 1
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].State < summaries[j].State })
	fmt.Printf("%-6s %8s %8s %8s %8s %12s\n", "State", "Total", "Success", "Failed", "Rate", "Records")
	total, success, records := 0, 0, 0
	for _, s := range summaries {
		fmt.Printf("%-6s %8d %8d %8d %7.1f%% %12d\n",
			s.State, s.Total, s.Success, s.Failed, s.SuccessRate(), s.Records)
		total += s.Total
		success += s.Success
		records += s.Records
	}
	fmt.Printf("%-6s %8d %8d %8d %7.1f%% %12d\n",
		"TOTAL", total, success, total-success, pct(success, total), records)
	return 0
}

func runCheckURLs(cfg *config.Config, log *zap.SugaredLogger, state, ccn, output string) int {
	hospitals, err := catalog.Load(cfg.URLsDir(), state, ccn, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		return 1
	}

	client := httpfetch.New(httpfetch.Options{
		Timeout:       cfg.HTTPTimeout,
		MaxRetries:    1,
		HostRateLimit: cfg.HostRateLimit,
		Logger:        log,
	})

	type checkRow struct {
		h   catalog.Hospital
		ok  bool
		msg string
	}
	rows := make([]checkRow, 0, len(hospitals))
	bad := 0
	for _, h := range hospitals {
		ok, msg := client.CheckURL(context.Background(), h.FileURL)
		symbol := "+"
		if !ok {
			symbol = "x"
			bad++
		}
		fmt.Printf("%s %s %-40s %s\n", symbol, h.CCN, truncateName(h.Name, 40), msg)
		rows = append(rows, checkRow{h: h, ok: ok, msg: msg})
	}
	fmt.Printf("\n%d/%d URLs accessible\n", len(rows)-bad, len(rows))

	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", output, err)
			return 1
		}
		w := csv.NewWriter(f)
		w.Write([]string{"ccn", "hospital", "accessible", "status", "file_url"})
		for _, r := range rows {
			w.Write([]string{r.h.CCN, r.h.Name, strconv.FormatBool(r.ok), r.msg, r.h.FileURL})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", output, err)
			return 1
		}
		f.Close()
		fmt.Printf("Wrote %s\n", output)
	}
	if bad > 0 {
		return 1
	}
	return 0
}

func pct(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

func truncateName(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
