package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"gigcal/internal/config"
	"gigcal/internal/feed"
	"gigcal/internal/ics"
	appLog "gigcal/internal/log"
	"gigcal/internal/metrics"
	"gigcal/internal/store"
	"gigcal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	device     string
	out        string
	inspect    string
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	if flags.inspect != "" {
		return runInspect(flags.inspect, os.Stdout)
	}

	appLog.Info("gigcal starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return 1
	}
	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone", err, "timezone", conf.Timezone)
		return 1
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"store_driver", conf.Store.Driver,
		"refresh", conf.RefreshCron,
		"feed_cache_seconds", conf.FeedCacheSeconds,
		"metrics", conf.Metrics,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, fileStore, err := openStore(ctx, conf)
	if err != nil {
		appLog.Error("failed to open store", err, "driver", conf.Store.Driver)
		return 1
	}
	defer source.Close()

	feeds := feed.NewService(source, feed.ProducerFor(conf.App), loc)

	if flags.once {
		return runOnce(ctx, feeds, flags.device, flags.out)
	}

	srv := web.NewServer(conf, source, feeds)

	if fileStore != nil {
		scheduler, err := startReloader(conf.RefreshCron, fileStore, srv)
		if err != nil {
			appLog.Error("failed to schedule store reload", err, "refresh", conf.RefreshCron)
			return 1
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	return serve(ctx, conf.Listen, srv.Handler())
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/gigcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Render one device feed and exit (requires -device)")
	flag.StringVar(&cfg.device, "device", "", "Device token to render with -once")
	flag.StringVar(&cfg.out, "out", "", "Write the -once feed to this file instead of stdout")
	flag.StringVar(&cfg.inspect, "inspect", "", "Parse an .ics file and print its entries")

	flag.Parse()

	return cfg
}

// openStore returns the configured source. For the file driver the concrete
// store is also returned so it can be reloaded on a schedule.
func openStore(ctx context.Context, conf *config.Config) (store.Source, *store.FileStore, error) {
	switch conf.Store.Driver {
	case config.StoreDriverFile:
		fs, err := store.OpenFile(conf.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	case config.StoreDriverPostgres:
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pg, err := store.OpenPostgres(openCtx, conf.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownStoreDriver, conf.Store.Driver)
	}
}

// startReloader re-reads the data file on schedule and drops cached feeds after
// every successful reload.
func startReloader(schedule string, fs *store.FileStore, srv *web.Server) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		err := fs.Reload()
		metrics.ObserveReload(err)
		if err != nil {
			appLog.Error("scheduled store reload failed; keeping previous data", err)
			return
		}
		srv.InvalidateFeeds()
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	appLog.Info("store reload scheduled", "refresh", schedule)
	return c, nil
}

func serve(ctx context.Context, listen string, h http.Handler) int {
	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+listen)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
		return 1
	}
	appLog.Info("gigcal exiting")
	return 0
}

// runOnce renders a single device feed to out, or stdout when out is empty.
func runOnce(ctx context.Context, feeds *feed.Service, token, out string) int {
	if token == "" {
		appLog.Error("-once requires -device", errors.New("missing device token"))
		return 2
	}

	res, err := feeds.Generate(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			appLog.Error("unknown device token", err)
			return 1
		}
		appLog.Error("feed generation failed", err)
		return 1
	}

	if out == "" {
		if _, err := io.WriteString(os.Stdout, res.Body); err != nil {
			appLog.Error("write feed", err)
			return 1
		}
		return 0
	}
	if err := os.WriteFile(out, []byte(res.Body), 0o644); err != nil {
		appLog.Error("write feed", err, "out", out)
		return 1
	}
	appLog.Info("feed written", "out", out, "event_count", res.EventCount, "etag", res.ETag)
	return 0
}

// runInspect parses an .ics file and prints a short summary of each entry.
func runInspect(path string, w io.Writer) int {
	f, err := os.Open(path)
	if err != nil {
		appLog.Error("open ics file", err, "path", path)
		return 1
	}
	defer f.Close()

	parsed, err := ics.ParseFeed(f)
	if err != nil {
		appLog.Error("parse ics file", err, "path", path)
		return 1
	}

	fmt.Fprintf(w, "calendar: %s\n", parsed.Name)
	fmt.Fprintf(w, "prodid:   %s\n", parsed.ProductID)
	fmt.Fprintf(w, "timezone: %s (%s)\n", parsed.TZID, parsed.OffsetTo)
	fmt.Fprintf(w, "events:   %d\n", len(parsed.Entries))
	for _, e := range parsed.Entries {
		when := "undated"
		if e.Start != nil {
			when = e.Start.Format(time.RFC3339)
			if e.End != nil {
				when += " - " + e.End.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "  %s  %s  [%s]\n", e.UID, e.Summary, when)
	}
	return 0
}
