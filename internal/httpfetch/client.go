// Package httpfetch is the resilient download layer in front of hospital
// price-file servers. Those servers are a hostile mix: legacy TLS stacks,
// browser-sniffing CDNs, rate limits, and Google Drive download gates. The
// client absorbs transient failures with bounded exponential backoff and
// classifies everything else into the fault taxonomy.
package httpfetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/metrics"
)

// LargeFileThreshold is the content length above which responses are
// streamed to disk instead of buffered.
const LargeFileThreshold int64 = 100 << 20 // 100 MiB

const (
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	curlUA = "curl/8.5.0"

	maxBackoffInterval = 30 * time.Second
)

// curlOnlyHosts block requests that carry browser headers; they get the
// minimal curl profile instead.
var curlOnlyHosts = []string{
	"sundelaware.com",
	"sunbehavioral.com",
}

// Options configure a Client.
type Options struct {
	Timeout    time.Duration // per-attempt budget for buffered gets
	MaxRetries int           // attempt budget for retryable failures
	// HostRateLimit caps requests per second per host; zero disables.
	HostRateLimit float64
	Logger        *zap.SugaredLogger
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Client fetches price files with retries, host-aware headers, and
// content-encoding decode.
type Client struct {
	opts     Options
	hc       *http.Client // buffered gets, overall timeout
	streamHC *http.Client // streaming gets, header timeout only
	limiter  *hostLimiter
	log      *zap.SugaredLogger
}

// New builds a Client. The transport deliberately tolerates ancient
// hospital TLS stacks: self-signed chains, TLS 1.0, and mid-connection
// renegotiation all occur in the wild.
func New(opts Options) *Client {
	opts.applyDefaults()
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 30 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS10,
			Renegotiation:      tls.RenegotiateFreelyAsClient,
		},
		DisableCompression: true, // Accept-Encoding is set per request
	}
	c := &Client{
		opts: opts,
		hc: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		streamHC: &http.Client{
			Transport: cloneWithHeaderTimeout(transport, opts.Timeout),
		},
		log: opts.Logger,
	}
	if opts.HostRateLimit > 0 {
		c.limiter = newHostLimiter(opts.HostRateLimit)
	}
	return c
}

func cloneWithHeaderTimeout(t *http.Transport, d time.Duration) *http.Transport {
	t2 := t.Clone()
	t2.ResponseHeaderTimeout = d
	return t2
}

// Result is a buffered fetch outcome.
type Result struct {
	Body        []byte
	FinalURL    string
	ContentType string
}

// Get fetches url fully into memory, retrying transient failures. Google
// Drive viewer links are rewritten to the direct-download form first, and
// the virus-scan interstitial is bypassed transparently.
func (c *Client) Get(ctx context.Context, url string) (*Result, error) {
	url = RewriteDriveURL(url)

	res, err := c.getOnce(ctx, url)
	if err != nil {
		return nil, err
	}
	if confirmURL, ok := driveScanGate(url, res); ok {
		c.log.Debugw("drive download gate", "url", url, "confirm", confirmURL)
		return c.getOnce(ctx, confirmURL)
	}
	return res, nil
}

func (c *Client) getOnce(ctx context.Context, url string) (*Result, error) {
	resp, err := c.do(ctx, c.hc, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classifyTransport(err, url)
	}
	metrics.BytesFetched.Add(float64(len(data)))
	return &Result{
		Body:        data,
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// getStream issues a GET whose body the caller streams and closes. The
// returned reader is already content-decoded.
func (c *Client) getStream(ctx context.Context, url string) (*http.Response, io.ReadCloser, error) {
	resp, err := c.do(ctx, c.streamHC, http.MethodGet, url)
	if err != nil {
		return nil, nil, err
	}
	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, nil, err
	}
	return resp, body, nil
}

// do runs one request through the retry schedule. Retryable: 429, any 5xx,
// connection errors, timeouts. Permanent: every other 4xx.
func (c *Client) do(ctx context.Context, hc *http.Client, method, url string) (*http.Response, error) {
	attempt := 0
	op := func() (*http.Response, error) {
		if c.limiter != nil {
			if err := c.limiter.wait(ctx, url); err != nil {
				return nil, backoff.Permanent(err)
			}
		}
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, backoff.Permanent(fault.Wrap(fault.KindConnectionError, err, "bad url %s", url))
		}
		c.setHeaders(req)

		resp, err := hc.Do(req)
		if err != nil {
			metrics.FetchAttempts.WithLabelValues("retry").Inc()
			return nil, classifyTransport(err, url)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			metrics.FetchAttempts.WithLabelValues("success").Inc()
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			drain(resp)
			metrics.FetchAttempts.WithLabelValues("retry").Inc()
			return nil, fault.New(fault.KindRetryableHTTPError, "server returned %d for %s", resp.StatusCode, url)
		default:
			drain(resp)
			metrics.FetchAttempts.WithLabelValues("failure").Inc()
			return nil, backoff.Permanent(fault.New(fault.KindPermanentHTTPError, "server returned %d for %s", resp.StatusCode, url))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = maxBackoffInterval

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.opts.MaxRetries)),
	)
	if err != nil {
		c.log.Debugw("fetch failed", "url", url, "attempts", attempt, "error", err)
		metrics.FetchAttempts.WithLabelValues("failure").Inc()
		return nil, err
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if hostMatches(req.URL.Hostname(), curlOnlyHosts) {
		req.Header.Set("User-Agent", curlUA)
		req.Header.Set("Accept", "*/*")
		return
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
}

func hostMatches(host string, suffixes []string) bool {
	host = strings.ToLower(host)
	for _, s := range suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// decodeBody unwraps the response body per Content-Encoding. The transport
// has transparent decompression off, so everything lands here.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fault.Wrap(fault.KindConnectionError, err, "gzip response from %s", resp.Request.URL)
		}
		return &wrappedBody{Reader: zr, closer: resp.Body}, nil
	case "deflate":
		return &wrappedBody{Reader: flate.NewReader(resp.Body), closer: resp.Body}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	default:
		resp.Body.Close()
		return nil, fault.New(fault.KindConnectionError, "unknown content-encoding %q from %s",
			resp.Header.Get("Content-Encoding"), resp.Request.URL)
	}
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error { return w.closer.Close() }

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

// classifyTransport maps a raw transport error onto the fault taxonomy.
// Timeouts and connection failures stay retryable.
func classifyTransport(err error, url string) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fault.Wrap(fault.KindTimeout, err, "request timed out for %s", url)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err, "request timed out for %s", url)
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	return fault.Wrap(fault.KindConnectionError, err, "connection error for %s", url)
}
