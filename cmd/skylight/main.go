package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/skylightwx/skylight/internal/api"
	"github.com/skylightwx/skylight/internal/config"
	"github.com/skylightwx/skylight/internal/database"
	"github.com/skylightwx/skylight/internal/log"
	"github.com/skylightwx/skylight/internal/poller"
	"github.com/skylightwx/skylight/internal/query"
	"github.com/skylightwx/skylight/internal/record"
	"github.com/skylightwx/skylight/internal/tasks"
	"github.com/skylightwx/skylight/internal/units"
	"github.com/skylightwx/skylight/internal/worker"
	"github.com/skylightwx/skylight/migrations"
	"github.com/skylightwx/skylight/pkg/migrate"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

const usageText = `usage: skylight [-debug] [-migrate] <command> [options]

Commands:
  migrate                      Apply all pending database migrations
  parse --path P | --url U     Parse a forecast or observations file
  poll [--enqueue]             Detect updated files on the open data server
  clean                        Remove expired forecasts from the database
  work                         Run the poll loop and parse workers
  serve [--bind HOST:PORT]     Run the HTTP API server
  query DATE [LAT LON [LAST_DATE]]   Retrieve weather records
  sources [LAT LON]            Retrieve observation sources
`

// Exit codes: 0 on success, 1 on usage errors, 2 on runtime errors.
const (
	exitOK = iota
	exitUsage
	exitRuntime
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	globals := flag.NewFlagSet("skylight", flag.ContinueOnError)
	applyMigrations := globals.Bool("migrate", false, "Migrate database before running the command")
	debug := globals.Bool("debug", false, "Turn on debugging output")
	showVersion := globals.Bool("version", false, "Show version and exit")
	globals.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	if err := globals.Parse(args); err != nil {
		return exitUsage
	}

	if *showVersion {
		fmt.Printf("skylight %s\n", version)
		return exitOK
	}

	if err := log.Init(*debug); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitRuntime
	}
	defer log.Sync()

	settings, err := config.Load()
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		return exitRuntime
	}

	rest := globals.Args()
	if len(rest) == 0 {
		globals.Usage()
		return exitUsage
	}
	command, commandArgs := rest[0], rest[1:]

	if *applyMigrations || command == "migrate" {
		if err := runMigrations(settings); err != nil {
			log.Errorf("Migration failed: %v", err)
			return exitRuntime
		}
		if command == "migrate" {
			return exitOK
		}
	}

	switch command {
	case "parse":
		return cmdParse(settings, commandArgs)
	case "poll":
		return cmdPoll(settings, commandArgs)
	case "clean":
		return cmdClean(settings)
	case "work":
		return cmdWork(settings)
	case "serve":
		return cmdServe(settings, commandArgs)
	case "query":
		return cmdQuery(settings, commandArgs)
	case "sources":
		return cmdSources(settings, commandArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		globals.Usage()
		return exitUsage
	}
}

func runMigrations(settings *config.Settings) error {
	db, err := sql.Open("postgres", settings.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	provider := migrate.NewFSProvider(migrations.FS, "")
	return migrate.NewMigrator(db, provider).MigrateUp()
}

func newRunner(settings *config.Settings) (*tasks.Runner, error) {
	db := database.NewClient(settings.DatabaseURL, log.GetSugaredLogger())
	if err := db.Connect(); err != nil {
		return nil, err
	}
	return tasks.New(settings, db)
}

func newQueryService(settings *config.Settings) (*query.Service, error) {
	db := database.NewClient(settings.DatabaseURL, log.GetSugaredLogger())
	if err := db.Connect(); err != nil {
		return nil, err
	}
	return query.New(db), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdParse(settings *config.Settings, args []string) int {
	flags := flag.NewFlagSet("parse", flag.ContinueOnError)
	path := flags.String("path", "", "Local file path to observations file")
	url := flags.String("url", "", "URL of observations file")
	export := flags.Bool("export", false, "Export parsed records to database")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	if *path == "" && *url == "" {
		fmt.Fprintln(os.Stderr, "parse: provide either --path or --url")
		return exitUsage
	}

	runner, err := newRunner(settings)
	if err != nil {
		return exitRuntime
	}
	encoder := json.NewEncoder(os.Stdout)
	err = runner.Parse(context.Background(), *path, *url, *export, func(r record.Record) error {
		return encoder.Encode(r)
	})
	if err != nil {
		log.Errorf("parse failed: %v", err)
		return exitRuntime
	}
	return exitOK
}

func cmdPoll(settings *config.Settings, args []string) int {
	flags := flag.NewFlagSet("poll", flag.ContinueOnError)
	enqueue := flags.Bool("enqueue", false, "Enqueue updated files for processing by the worker")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	runner, err := newRunner(settings)
	if err != nil {
		return exitRuntime
	}
	ctx := context.Background()

	var yield func(poller.Job) error
	if *enqueue {
		queue, err := worker.NewQueue(settings.RedisURL)
		if err != nil {
			log.Errorf("connecting to Redis: %v", err)
			return exitRuntime
		}
		yield = func(job poller.Job) error { return queue.Enqueue(ctx, job) }
	} else {
		encoder := json.NewEncoder(os.Stdout)
		yield = func(job poller.Job) error { return encoder.Encode(job) }
	}
	if err := runner.Poll(ctx, yield); err != nil {
		log.Errorf("poll failed: %v", err)
		return exitRuntime
	}
	return exitOK
}

func cmdClean(settings *config.Settings) int {
	runner, err := newRunner(settings)
	if err != nil {
		return exitRuntime
	}
	if err := runner.Clean(context.Background()); err != nil {
		log.Errorf("clean failed: %v", err)
		return exitRuntime
	}
	return exitOK
}

func cmdWork(settings *config.Settings) int {
	runner, err := newRunner(settings)
	if err != nil {
		return exitRuntime
	}
	queue, err := worker.NewQueue(settings.RedisURL)
	if err != nil {
		log.Errorf("connecting to Redis: %v", err)
		return exitRuntime
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := queue.Flush(ctx); err != nil {
		log.Errorf("flushing queue: %v", err)
		return exitRuntime
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(ctx, 2*runtime.NumCPU()+1, runner.ProcessJob)
	})
	g.Go(func() error {
		return runner.PollLoop(ctx, queue)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("worker stopped: %v", err)
		return exitRuntime
	}
	log.Info("shutdown complete")
	return exitOK
}

func cmdServe(settings *config.Settings, args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := flags.String("bind", "127.0.0.1:5000", "Bind address")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	svc, err := newQueryService(settings)
	if err != nil {
		return exitRuntime
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := api.NewServer(svc).ListenAndServe(ctx, *bind); err != nil {
		log.Errorf("server stopped: %v", err)
		return exitRuntime
	}
	return exitOK
}

// criteriaFlags registers the station selection flags shared by the
// query and sources commands.
func criteriaFlags(flags *flag.FlagSet) (dwd, wmo *string, sourceID *int64, maxDist *int) {
	dwd = flags.String("dwd-station-id", "", "Query by DWD station ID instead of lat/lon")
	wmo = flags.String("wmo-station-id", "", "Query by WMO station ID instead of lat/lon")
	sourceID = flags.Int64("source-id", 0, "Query by source ID instead of lat/lon")
	maxDist = flags.Int("max-dist", query.DefaultMaxDist, "Maximum distance to observation location, in meters")
	return
}

func makeCriteria(positional []string, dwd, wmo string, sourceID int64, maxDist int) (query.Criteria, []string, error) {
	c := query.Criteria{DWDStationID: dwd, WMOStationID: wmo, MaxDist: maxDist}
	if sourceID != 0 {
		c.SourceID = &sourceID
	}
	if len(positional) >= 2 {
		var lat, lon float64
		if _, err := fmt.Sscanf(positional[0], "%f", &lat); err != nil {
			return c, nil, fmt.Errorf("invalid latitude %q", positional[0])
		}
		if _, err := fmt.Sscanf(positional[1], "%f", &lon); err != nil {
			return c, nil, fmt.Errorf("invalid longitude %q", positional[1])
		}
		c.Lat, c.Lon = &lat, &lon
		return c, positional[2:], nil
	}
	return c, positional, nil
}

func cmdQuery(settings *config.Settings, args []string) int {
	flags := flag.NewFlagSet("query", flag.ContinueOnError)
	dwd, wmo, sourceID, maxDist := criteriaFlags(flags)
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	positional := flags.Args()
	date := time.Now().UTC().Truncate(24 * time.Hour)
	if len(positional) > 0 {
		var err error
		if date, err = units.ParseTimestamp(positional[0]); err != nil {
			fmt.Fprintf(os.Stderr, "query: invalid date %q\n", positional[0])
			return exitUsage
		}
		positional = positional[1:]
	}
	criteria, positional, err := makeCriteria(positional, *dwd, *wmo, *sourceID, *maxDist)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query: %v\n", err)
		return exitUsage
	}
	var lastDate time.Time
	if len(positional) > 0 {
		if lastDate, err = units.ParseTimestamp(positional[0]); err != nil {
			fmt.Fprintf(os.Stderr, "query: invalid last date %q\n", positional[0])
			return exitUsage
		}
	}

	svc, err := newQueryService(settings)
	if err != nil {
		return exitRuntime
	}
	result, err := svc.Weather(context.Background(), date, lastDate, criteria, true)
	if err != nil {
		if errors.Is(err, query.ErrMissingCriteria) {
			fmt.Fprintf(os.Stderr, "query: %v\n", err)
			return exitUsage
		}
		log.Errorf("query failed: %v", err)
		return exitRuntime
	}
	return dumpJSON(result)
}

func cmdSources(settings *config.Settings, args []string) int {
	flags := flag.NewFlagSet("sources", flag.ContinueOnError)
	dwd, wmo, sourceID, maxDist := criteriaFlags(flags)
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	criteria, _, err := makeCriteria(flags.Args(), *dwd, *wmo, *sourceID, *maxDist)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sources: %v\n", err)
		return exitUsage
	}

	svc, err := newQueryService(settings)
	if err != nil {
		return exitRuntime
	}
	rows, err := svc.Sources(context.Background(), criteria)
	if err != nil {
		if errors.Is(err, query.ErrMissingCriteria) {
			fmt.Fprintf(os.Stderr, "sources: %v\n", err)
			return exitUsage
		}
		log.Errorf("sources query failed: %v", err)
		return exitRuntime
	}
	return dumpJSON(map[string]interface{}{"sources": rows})
}

func dumpJSON(payload interface{}) int {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		log.Errorf("encoding output: %v", err)
		return exitRuntime
	}
	return exitOK
}
