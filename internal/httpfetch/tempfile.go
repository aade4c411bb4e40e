package httpfetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/chargescope/chargescope/internal/fault"
	"github.com/chargescope/chargescope/internal/metrics"
)

// TempPrefix names every temp file this process creates so the
// orchestrator can sweep leftovers from killed workers.
const TempPrefix = "chargescope-"

// FetchToTempFile streams url to a file in the OS temp directory and
// returns its path. The caller owns the file and must remove it. The file
// is removed here if the download itself fails partway.
func (c *Client) FetchToTempFile(ctx context.Context, url string) (string, error) {
	url = RewriteDriveURL(url)

	resp, body, err := c.getStream(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	defer body.Close()

	f, err := os.CreateTemp("", TempPrefix+"*"+guessExt(url, resp.Header.Get("Content-Type")))
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", classifyTransport(err, url)
	}
	metrics.BytesFetched.Add(float64(n))
	c.log.Debugw("streamed to temp file", "url", url, "path", f.Name(), "bytes", n)
	return f.Name(), nil
}

// SweepTempFiles removes stray temp files left by killed workers.
func SweepTempFiles() {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), TempPrefix) {
			os.Remove(path.Join(os.TempDir(), e.Name()))
		}
	}
}

// guessExt picks a file extension for a temp download, preferring the URL
// path over the Content-Type.
func guessExt(rawURL, contentType string) string {
	p := strings.ToLower(rawURL)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch ext := path.Ext(p); ext {
	case ".csv", ".json", ".zip", ".xlsx", ".txt":
		return ext
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "csv"):
		return ".csv"
	case strings.Contains(ct, "json"):
		return ".json"
	case strings.Contains(ct, "zip"):
		return ".zip"
	}
	return ".dat"
}

// ProbeContentLength asks the server how big url is, in bytes. Returns -1
// when the server will not say. HEAD first; servers that reject HEAD get a
// streamed GET whose body is discarded after the headers.
func (c *Client) ProbeContentLength(ctx context.Context, url string) (int64, error) {
	url = RewriteDriveURL(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1, err
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return -1, classifyTransport(err, url)
	}
	drain(resp)
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.ContentLength, nil
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusForbidden:
		// fall through to GET
	default:
		return -1, fault.New(fault.KindPermanentHTTPError, "HEAD returned %d for %s", resp.StatusCode, url)
	}

	gresp, body, err := c.getStream(ctx, url)
	if err != nil {
		return -1, err
	}
	body.Close()
	gresp.Body.Close()
	return gresp.ContentLength, nil
}

// CheckURL reports whether url answers 200 to a cheap request. Used by
// validate-only runs and the check-urls command.
func (c *Client) CheckURL(ctx context.Context, url string) (bool, string) {
	url = RewriteDriveURL(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, "bad URL"
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, truncate(classifyTransport(err, url).Error(), 50)
	}
	drain(resp)
	if resp.StatusCode == http.StatusOK {
		return true, "OK"
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		return false, "HTTP " + strconv.Itoa(resp.StatusCode)
	}

	// HEAD not allowed; a streamed GET closed after the headers costs
	// almost nothing.
	gresp, body, err := c.getStream(ctx, url)
	if err != nil {
		return false, truncate(err.Error(), 50)
	}
	body.Close()
	gresp.Body.Close()
	return true, "OK"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
