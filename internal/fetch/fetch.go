// Package fetch downloads remote files into a local cache, using
// conditional requests so unchanged files are never transferred twice.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/skylightwx/skylight/internal/log"
)

// FetchError wraps a network or HTTP failure that survived all retry
// attempts.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher performs cache-backed conditional downloads. The zero value
// is not usable; use New.
type Fetcher struct {
	cacheDir      string
	keepDownloads bool
	retries       int
	client        *http.Client
}

// New returns a Fetcher writing into cacheDir. retries is the number
// of attempts before giving up with a FetchError.
func New(cacheDir string, keepDownloads bool, retries int) *Fetcher {
	if retries < 1 {
		retries = 1
	}
	return &Fetcher{
		cacheDir:      cacheDir,
		keepDownloads: keepDownloads,
		retries:       retries,
		client:        &http.Client{Timeout: 5 * time.Minute},
	}
}

// CachePath maps a URL to its cache location: <cacheDir>/<host>/<path>.
// The mapping is stable and one-to-one so concurrent workers agree on
// the location.
func (f *Fetcher) CachePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	return filepath.Join(f.cacheDir, u.Host, filepath.FromSlash(u.Path)), nil
}

// Fetch downloads rawURL into the cache and returns the local path.
// When a cached copy exists an If-Modified-Since request is issued and
// a 304 answer short-circuits to the existing file. Fresh content is
// written to a temp file and renamed into place so readers never see a
// partial file; the file's mtime is set to the server's Last-Modified.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	path, err := f.CachePath(rawURL)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < f.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Warnf("retrying %s in %s (attempt %d/%d): %v",
				rawURL, backoff, attempt+1, f.retries, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		done, err := f.fetchOnce(ctx, rawURL, path)
		if err == nil {
			return path, nil
		}
		if done {
			return "", err
		}
		lastErr = err
	}
	return "", &FetchError{URL: rawURL, Err: lastErr}
}

// fetchOnce returns done=true for errors that retrying cannot fix.
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return true, err
	}
	if info, err := os.Stat(path); err == nil {
		req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		log.Debugf("%s not modified, using cached copy", rawURL)
		return true, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return true, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return true, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return true, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return true, err
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			os.Chtimes(path, t, t)
		}
	}
	log.Debugf("downloaded %s to %s", rawURL, path)
	return true, nil
}

// Discard removes a downloaded file unless the fetcher was configured
// to keep its downloads. Parsers call this after a successful parse.
func (f *Fetcher) Discard(path string) {
	if f.keepDownloads {
		return
	}
	log.Debugf("removing %s", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("removing %s: %v", path, err)
	}
}
