package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"deskcal/internal/config"
	"deskcal/internal/event"
	"deskcal/internal/ics"
	appLog "deskcal/internal/log"
	"deskcal/internal/remind"
	"deskcal/internal/store"
	"deskcal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	appLog.Info("deskcal starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	// CLI --listen overrides the config file if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"log_level", conf.LogLevel,
		"data_path", conf.DataPath,
		"backups", conf.Backups,
		"categories", len(conf.Categories),
		"feeds", len(conf.Feeds),
		"refresh_cron", conf.RefreshCron,
		"once", flags.once,
	)

	sched := remind.NewCronScheduler()
	deps := event.Deps{
		Categories: config.NewRegistry(conf),
		Scheduler:  sched,
		Notify: func(ev *event.Event, at time.Time) {
			appLog.Info("reminder fired",
				"event_id", ev.ID(),
				"summary", ev.Summary(),
				"at", at.Format(event.TimeLayout),
			)
		},
	}

	st, err := store.Open(conf.DataPath, conf.Backups, deps)
	if err != nil {
		appLog.Error("failed to open event store", err, "path", conf.DataPath)
		os.Exit(1)
	}

	fetcher := ics.NewFetcher(conf.CacheDir)

	if flags.once {
		syncFeeds(context.Background(), st, conf, fetcher)
		if err := st.Flush(); err != nil {
			appLog.Error("final flush failed", err)
			os.Exit(1)
		}
		appLog.Info("deskcal exiting", "mode", "once")
		return
	}

	sched.Start()
	defer sched.Stop()

	if err := st.RefreshAllReminders(); err != nil {
		appLog.Error("reminder refresh had errors at boot", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	var feedCron *cron.Cron
	if len(conf.Feeds) > 0 {
		feedCron = cron.New()
		_, err := feedCron.AddFunc(conf.RefreshCron, func() {
			syncFeeds(ctx, st, conf, fetcher)
		})
		if err != nil {
			appLog.Error("invalid refresh_cron expression", err, "expr", conf.RefreshCron)
			os.Exit(1)
		}
		feedCron.Start()
		defer feedCron.Stop()

		// Prime the feeds immediately instead of waiting out the
		// first cron interval.
		go syncFeeds(ctx, st, conf, fetcher)
	}

	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, st).Handler(),
	}

	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}

	if err := st.Flush(); err != nil {
		appLog.Error("final flush failed", err)
	}
	appLog.Info("deskcal exiting")
}

func syncFeeds(ctx context.Context, st *store.Store, conf *config.Config, fetcher *ics.Fetcher) {
	for _, feed := range conf.Feeds {
		if ctx.Err() != nil {
			return
		}
		res, err := fetcher.Fetch(ctx, feed)
		if err != nil {
			appLog.Error("feed fetch failed", err, "feed", feed.ID)
			continue
		}
		if res.FromCache {
			appLog.Debug("feed served from cache", "feed", feed.ID)
		}
		if err := ics.SyncFeed(st, feed, res.Body); err != nil {
			appLog.Error("feed sync had errors", err, "feed", feed.ID)
		}
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Sync feeds once and exit without serving")

	flag.Parse()

	return cfg
}
