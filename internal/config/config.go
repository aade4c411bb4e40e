// Package config resolves runtime settings from the environment.
//
// Every knob has a CHARGESCOPE_-prefixed variable; a .env file in the
// working directory is loaded first so deployments can pin values without
// touching the service environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the resolved settings for a run.
type Config struct {
	// RootDir anchors the repo-layout directories below. Defaults to the
	// current working directory.
	RootDir string

	DataDir   string // data/<STATE>/<CCN>.jsonl outputs
	DimDir    string // dim/urls/<state>.json catalogs + dim/CONCEPT.csv.gz
	StatusDir string // status/<STATE>.csv, summary.csv, badge.json

	// HTTPTimeout bounds each fetch attempt end to end.
	HTTPTimeout time.Duration

	// MaxRetries is the attempt budget for retryable transport failures.
	MaxRetries int

	// HostRateLimit caps requests per second per host. Zero disables the
	// limiter entirely.
	HostRateLimit float64

	// MetricsAddr, when non-empty, serves Prometheus metrics on that
	// address for the lifetime of the run.
	MetricsAddr string

	// RunLedger toggles the sqlite run-history database under StatusDir.
	RunLedger bool
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	LoadEnvFile(".env")

	root := getEnv("CHARGESCOPE_ROOT", "")
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}

	cfg := &Config{
		RootDir:       root,
		DataDir:       getEnv("CHARGESCOPE_DATA_DIR", filepath.Join(root, "data")),
		DimDir:        getEnv("CHARGESCOPE_DIM_DIR", filepath.Join(root, "dim")),
		StatusDir:     getEnv("CHARGESCOPE_STATUS_DIR", filepath.Join(root, "status")),
		HTTPTimeout:   getEnvDuration("CHARGESCOPE_HTTP_TIMEOUT", 60*time.Second),
		MaxRetries:    getEnvInt("CHARGESCOPE_MAX_RETRIES", 3),
		HostRateLimit: getEnvFloat("CHARGESCOPE_HOST_RATE_LIMIT", 0),
		MetricsAddr:   getEnv("CHARGESCOPE_METRICS_ADDR", ""),
		RunLedger:     getEnvBool("CHARGESCOPE_RUN_LEDGER", true),
	}
	return cfg, nil
}

// URLsDir is where the per-state hospital catalogs live.
func (c *Config) URLsDir() string { return filepath.Join(c.DimDir, "urls") }

// ConceptPath is the gzipped CPT/HCPCS vocabulary table.
func (c *Config) ConceptPath() string { return filepath.Join(c.DimDir, "CONCEPT.csv.gz") }

// OutputPath is the normalized JSONL output for one hospital.
func (c *Config) OutputPath(state, ccn string) string {
	return filepath.Join(c.DataDir, state, ccn+".jsonl")
}

// StatusPath is the per-state status CSV.
func (c *Config) StatusPath(state string) string {
	return filepath.Join(c.StatusDir, state+".csv")
}

// ─── Env helpers ───

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts either a Go duration string ("90s") or a bare
// integer, read as seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
