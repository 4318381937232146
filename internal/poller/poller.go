// Package poller walks the open-data directory index, compares each
// file's fingerprint against the ledger of parsed files, and emits a
// parse job for everything new or changed.
package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/parser"
)

// DefaultURLs are the seed directories polled in production: the
// MOSMIX_S forecast product, the POI current observations, and the
// hourly climate observation trees.
var DefaultURLs = func() []string {
	urls := []string{
		"https://opendata.dwd.de/weather/local_forecasts/mos/MOSMIX_S/all_stations/kml/",
		"https://opendata.dwd.de/weather/weather_reports/poi/",
	}
	for _, subfolder := range []string{"air_temperature", "precipitation", "pressure", "sun", "wind"} {
		urls = append(urls,
			"https://opendata.dwd.de/climate_environment/CDC/observations_germany/climate/hourly/"+subfolder+"/")
	}
	return urls
}()

// Fingerprint is the cheap change-detection pair for a remote file.
type Fingerprint struct {
	LastModified time.Time
	FileSize     int64
}

// Job names one changed remote file and the parser responsible for it.
type Job struct {
	URL          string    `json:"url"`
	Parser       string    `json:"parser"`
	LastModified time.Time `json:"last_modified"`
	FileSize     int64     `json:"file_size"`
}

// Poller enumerates the configured index trees. It never writes the
// ledger; persistence does that after a successful parse.
type Poller struct {
	urls   []string
	env    parser.Env
	client *http.Client
}

func New(urls []string, env parser.Env) *Poller {
	if len(urls) == 0 {
		urls = DefaultURLs
	}
	return &Poller{
		urls:   urls,
		env:    env,
		client: &http.Client{Timeout: time.Minute},
	}
}

// Poll walks all seed URLs depth-first and yields a Job for every file
// whose fingerprint differs from its ledger entry.
func (p *Poller) Poll(ctx context.Context, ledger map[string]Fingerprint, yield func(Job) error) error {
	log.Info("polling for updated files")
	for _, url := range p.urls {
		if err := p.pollURL(ctx, url, ledger, yield); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) pollURL(ctx context.Context, url string, ledger map[string]Fingerprint, yield func(Job) error) error {
	log.Debugf("loading %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetching index %s: unexpected status %s", url, resp.Status)
	}

	files, directories, err := p.parseIndex(url, resp.Body)
	if err != nil {
		return err
	}
	log.Debugf("found %d files and %d directories at %s", len(files), len(directories), url)

	for _, job := range files {
		entry, ok := ledger[job.URL]
		if ok && entry.LastModified.Equal(job.LastModified) && entry.FileSize == job.FileSize {
			continue
		}
		if err := yield(job); err != nil {
			return err
		}
	}
	for _, dir := range directories {
		if err := p.pollURL(ctx, dir, ledger, yield); err != nil {
			return err
		}
	}
	return nil
}

var fingerprintRe = regexp.MustCompile(`\s*(\d+-\w+-\d+ \d+:\d+)\s+(\d+)`)

// parseIndex scans an HTML directory listing. Entries ending in "/"
// are subdirectories; self references starting with "." are skipped.
// Each file anchor is followed by a text node carrying its
// modification time and size.
func (p *Poller) parseIndex(baseURL string, body io.Reader) (files []Job, directories []string, err error) {
	tokenizer := html.NewTokenizer(body)
	pendingHref := ""
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if tokenizer.Err() == io.EOF {
				return files, directories, nil
			}
			return nil, nil, tokenizer.Err()

		case html.StartTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key != "href" || strings.HasPrefix(attr.Val, ".") {
					continue
				}
				if strings.HasSuffix(attr.Val, "/") {
					directories = append(directories, baseURL+attr.Val)
				} else {
					pendingHref = attr.Val
				}
			}

		case html.TextToken:
			if pendingHref == "" {
				continue
			}
			m := fingerprintRe.FindStringSubmatch(string(tokenizer.Text()))
			if m == nil {
				continue
			}
			job, ok, err := p.makeJob(baseURL, pendingHref, m[1], m[2])
			pendingHref = ""
			if err != nil {
				return nil, nil, err
			}
			if ok {
				files = append(files, job)
			}
		}
	}
}

func (p *Poller) makeJob(baseURL, href, modified, size string) (Job, bool, error) {
	lastModified, err := parseIndexTime(modified)
	if err != nil {
		return Job{}, false, fmt.Errorf("index entry %s: %w", href, err)
	}
	fileSize, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return Job{}, false, fmt.Errorf("index entry %s: %w", href, err)
	}
	url := baseURL + href
	pars, name, ok := parser.ForFilename(href, p.env, href, url)
	if !ok {
		return Job{}, false, nil
	}
	if pars.ShouldSkip() {
		log.Debugf("skipping %s", url)
		return Job{}, false, nil
	}
	return Job{
		URL:          url,
		Parser:       name,
		LastModified: lastModified,
		FileSize:     fileSize,
	}, true, nil
}

var indexTimeLayouts = []string{"02-Jan-2006 15:04", "2006-Jan-02 15:04"}

func parseIndexTime(value string) (time.Time, error) {
	for _, layout := range indexTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized index timestamp %q", value)
}
