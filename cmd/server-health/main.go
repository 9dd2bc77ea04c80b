package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"server-health/internal/action"
	"server-health/internal/config"
	"server-health/internal/handlers"
	"server-health/internal/monitor"
	"server-health/internal/notify"
	"server-health/internal/snapshot"
	"server-health/internal/store"

	"github.com/davecgh/go-spew/spew"
	"github.com/gravitational/trace"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

const userAgent = "server-health/1.0"

func main() {
	if err := run(); err != nil {
		log.Errorf("Failed to run: '%v'", trace.DebugReport(err))
		os.Exit(1)
	}
}

func run() error {
	var (
		app        = kingpin.New("server-health", "Watch HTTP servers and run remediation actions when they go down.")
		debug      = app.Flag("debug", "Enable debug logging").Bool()
		listen     = app.Flag("listen", "Address of the status API, e.g. 127.0.0.1:8080. Disabled when empty").OverrideDefaultFromEnvar("SERVER_HEALTH_LISTEN").String()
		envFile    = app.Flag("env-file", "Optional dotenv file with secrets").Default(".env").String()
		configPath = app.Arg("config", "Path to the YAML (or JSON) configuration file").String()
	)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed parsing command line arguments: %s.\nTry server-health --help\n", err.Error())
		return trace.Wrap(err)
	}
	if *configPath == "" {
		app.Usage(nil)
		return nil
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err, "failed to load %v", *envFile)
	}

	source := config.FileSource{Path: *configPath}
	cfg, err := source.Load()
	if err != nil {
		return trace.Wrap(err)
	}
	log.WithField("targets", len(cfg.Targets)).Infof("Watching targets from %v.", source)
	if *debug {
		log.Debugf("Configuration:\n%s", spew.Sdump(cfg.Redacted()))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Checks dial every time so a server refusing new connections is seen
	// as down. Webhook actions may reuse connections.
	checkClient, err := monitor.NewHTTPClient(monitor.HTTPClientConfig{
		Client:            monitor.ClientCheck,
		UserAgent:         userAgent,
		DisableKeepAlives: true,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	actionClient, err := monitor.NewHTTPClient(monitor.HTTPClientConfig{
		Client:    monitor.ClientAction,
		UserAgent: userAgent,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	notifier, err := newNotifier()
	if err != nil {
		return trace.Wrap(err)
	}

	var (
		recorder monitor.Recorder
		uptime   handlers.UptimeStore
	)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := store.Connect(ctx, dbURL)
		if err != nil {
			return trace.Wrap(err)
		}
		defer db.Close()
		recorder, uptime = db, db
		log.Info("Recording history to the database.")
	}

	engine, err := monitor.NewEngine(monitor.EngineConfig{
		Probe:    monitor.NewHTTPProbe(checkClient),
		Runner:   action.NewRunner(actionClient),
		Notifier: notifier,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	snapshots := snapshot.New()
	loop, err := monitor.NewLoop(monitor.LoopConfig{
		Source:    source,
		Engine:    engine,
		Notifier:  notifier,
		Recorder:  recorder,
		Snapshots: snapshots,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trace.Wrap(loop.Run(ctx))
	})
	if *listen != "" {
		srv := &http.Server{
			Addr:              *listen,
			Handler:           handlers.New(snapshots, uptime).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.WithField("addr", *listen).Info("Serving status API.")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return trace.Wrap(err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return trace.Wrap(srv.Shutdown(shutdownCtx))
		})
	}
	return trace.Wrap(g.Wait())
}

// newNotifier mails every message and mirrors it to Telegram when configured.
func newNotifier() (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewMailer()}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return notifiers, nil
	}
	chatID, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("TELEGRAM_CHAT_ID must be a numeric chat id when TELEGRAM_BOT_TOKEN is set")
	}
	tg, err := notify.NewTelegram(token, chatID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.Info("Mirroring notifications to Telegram.")
	return append(notifiers, tg), nil
}
