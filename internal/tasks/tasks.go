// Package tasks wires the pipeline together: it connects the poller,
// the downloader, the parsers and the persistence layer, and applies
// the per-error retry policy.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/skylightwx/skylight/internal/config"
	"github.com/skylightwx/skylight/internal/database"
	"github.com/skylightwx/skylight/internal/fetch"
	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/parser"
	"github.com/skylightwx/skylight/internal/poller"
	"github.com/skylightwx/skylight/internal/record"
)

const fetchRetries = 3

// Runner executes the pipeline's tasks against one database and one
// download cache.
type Runner struct {
	settings *config.Settings
	db       *database.Client
	fetcher  *fetch.Fetcher
	env      parser.Env
}

func New(settings *config.Settings, db *database.Client) (*Runner, error) {
	ignored, err := record.LoadIgnoredValues(settings.IgnoredValuesPath)
	if err != nil {
		return nil, err
	}
	return &Runner{
		settings: settings,
		db:       db,
		fetcher:  fetch.New(settings.CacheDir, settings.KeepDownloads, fetchRetries),
		env: parser.Env{
			MinDate:   settings.MinDate,
			MaxDate:   settings.MaxDate,
			Ignored:   ignored,
			Locations: db,
		},
	}, nil
}

// resolve builds the parser for a local path or a remote URL,
// downloading when only the URL is given. downloaded reports whether
// the file came out of the fetcher's cache, so callers only discard
// files they own.
func (r *Runner) resolve(ctx context.Context, localPath, fileURL string) (parser.Parser, string, bool, error) {
	if localPath == "" && fileURL == "" {
		return nil, "", false, fmt.Errorf("either a path or a URL is required")
	}
	downloaded := false
	filename := filepath.Base(localPath)
	if localPath == "" {
		u, err := url.Parse(fileURL)
		if err != nil {
			return nil, "", false, fmt.Errorf("invalid URL %q: %w", fileURL, err)
		}
		filename = path.Base(u.Path)
		if localPath, err = r.fetcher.Fetch(ctx, fileURL); err != nil {
			return nil, "", false, err
		}
		downloaded = true
	}
	p, name, ok := parser.ForFilename(filename, r.env, localPath, fileURL)
	if !ok {
		return nil, "", false, fmt.Errorf("no parser matches %q", filename)
	}
	log.Debugf("parsing %s with %s", localPath, name)
	return p, localPath, downloaded, nil
}

// Parse handles the one-shot `parse` command: records are pushed to
// yield, or persisted when export is set. No ledger entry is written;
// the regular polling cycle stays authoritative for deduplication.
func (r *Runner) Parse(
	ctx context.Context, localPath, fileURL string, export bool,
	yield func(record.Record) error,
) error {
	p, localPath, downloaded, err := r.resolve(ctx, localPath, fileURL)
	if err != nil {
		return err
	}
	if export {
		err = r.db.SaveRecords(ctx, nil, p.Parse)
	} else {
		err = p.Parse(yield)
	}
	if err != nil {
		return err
	}
	if downloaded {
		r.fetcher.Discard(localPath)
	}
	return nil
}

// Poll enumerates changed remote files and hands each job to yield.
func (r *Runner) Poll(ctx context.Context, yield func(poller.Job) error) error {
	ledger, err := r.db.ParsedFiles(ctx)
	if err != nil {
		return err
	}
	return poller.New(nil, r.env).Poll(ctx, ledger, yield)
}

// ProcessJob ingests one changed file end to end. The error policy:
//   - fetch failures abandon the job for this cycle; the next poll
//     retries it
//   - malformed files are recorded in the ledger so they are not
//     refetched until their fingerprint changes
//   - a missing forecast station leaves the ledger untouched so a
//     later forecast ingest enables a retry
func (r *Runner) ProcessJob(ctx context.Context, job poller.Job) error {
	localPath, err := r.fetcher.Fetch(ctx, job.URL)
	if err != nil {
		return err
	}
	p, ok := parser.ByName(job.Parser, r.env, localPath, job.URL)
	if !ok {
		return fmt.Errorf("unknown parser %q for %s", job.Parser, job.URL)
	}

	file := &database.ParsedFile{
		URL:          job.URL,
		LastModified: job.LastModified,
		FileSize:     job.FileSize,
	}
	err = r.db.SaveRecords(ctx, file, p.Parse)

	var parseErr *parser.ParseError
	var missingStation *parser.MissingStationError
	switch {
	case err == nil:
	case errors.As(err, &parseErr):
		log.Errorf("giving up on malformed file %s: %v", job.URL, err)
		if err := r.db.WriteLedger(ctx, file); err != nil {
			return err
		}
	case errors.As(err, &missingStation):
		log.Warnf("deferring %s: %v", job.URL, err)
	default:
		return err
	}

	r.fetcher.Discard(localPath)
	return nil
}

// Clean applies the retention policy.
func (r *Runner) Clean(ctx context.Context) error {
	_, err := r.db.Clean(ctx, r.settings.RetentionDays)
	return err
}

// Enqueuer accepts parse jobs for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job poller.Job) error
}

// PollLoop polls and enqueues on every tick, and runs the retention
// deletion once a day. It blocks until the context is cancelled.
func (r *Runner) PollLoop(ctx context.Context, queue Enqueuer) error {
	poll := time.NewTicker(r.settings.PollInterval)
	defer poll.Stop()
	clean := time.NewTicker(24 * time.Hour)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			err := r.Poll(ctx, func(job poller.Job) error {
				return queue.Enqueue(ctx, job)
			})
			if err != nil {
				log.Errorf("poll cycle failed: %v", err)
			}
		case <-clean.C:
			if err := r.Clean(ctx); err != nil {
				log.Errorf("clean failed: %v", err)
			}
		}
	}
}
