// Command optiondesk launches the reconciliation and risk engine.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quanterra/optiondesk/config"
	"github.com/quanterra/optiondesk/internal/engine"
	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/persistence/migrations"
	"github.com/quanterra/optiondesk/internal/persistence/postgres"
	"github.com/quanterra/optiondesk/internal/quotes"
	"github.com/quanterra/optiondesk/internal/reconcile"
	"github.com/quanterra/optiondesk/internal/risk"
	"github.com/quanterra/optiondesk/internal/schema"
	"github.com/quanterra/optiondesk/internal/telemetry"
	"github.com/quanterra/optiondesk/internal/venue"
)

const (
	defaultConfigPath        = "config/optiondesk.yaml"
	alarmLogCapacity         = 256
	loginTimeout             = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewTextLogger("optiondesk ", *verbose)
	observability.SetLogger(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(logger, "load config", err)
	}

	meterProvider, shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}
	observability.SetMetrics(telemetry.NewCollector(meterProvider))

	if cfg.Database.RunMigrations {
		migrateLog := log.New(os.Stderr, "migrate ", log.LstdFlags)
		if err := migrations.Apply(ctx, cfg.Database.DSN, migrateLog); err != nil {
			fatal(logger, "apply migrations", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		fatal(logger, "parse database dsn", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fatal(logger, "connect database", err)
	}
	defer pool.Close()

	store := postgres.New(pool)
	alarms := observability.NewAlarmLog(alarmLogCapacity, logger)
	quoteTable := quotes.NewTable()

	httpClient := &http.Client{Timeout: cfg.Venue.HTTPTimeout}
	session := venue.NewSession(cfg.Venue.PullBaseURL, venue.Credentials{
		Login:    cfg.Venue.Login,
		Password: cfg.Venue.Password,
	}, httpClient, alarms)

	loginCtx, loginCancel := context.WithTimeout(ctx, loginTimeout)
	err = session.Login(loginCtx)
	loginCancel()
	if err != nil {
		fatal(logger, "venue login", err)
	}

	// The coordinator backfills through the pull client while the pull client
	// delivers into the coordinator, so the handler closes over the latter.
	var coord *reconcile.Coordinator
	handler := func(ctx context.Context, evt schema.Event) {
		if err := coord.Process(ctx, evt); err != nil {
			logger.Warn("event rejected",
				observability.F("entity", evt.Entity),
				observability.F("seq", evt.Seq),
				observability.F("error", err))
		}
	}

	pull := venue.NewPullClient(venue.PullConfig{
		BaseURL:      cfg.Venue.PullBaseURL,
		PollInterval: cfg.Venue.PollInterval,
		Timeout:      cfg.Venue.HTTPTimeout,
	}, session, httpClient, handler)

	coord = reconcile.New(reconcile.Config{
		GapTimeout:              cfg.Reconcile.GapTimeout,
		RetryBudget:             cfg.Reconcile.RetryBudget,
		RetryInitialInterval:    cfg.Reconcile.RetryInitialInterval,
		RetryMaxInterval:        cfg.Reconcile.RetryMaxInterval,
		MaxGapBuffer:            cfg.Reconcile.MaxGapBuffer,
		MaxOutstandingBackfills: cfg.Reconcile.MaxOutstandingBackfills,
		BackfillPerSecond:       cfg.Reconcile.BackfillPerSecond,
	}, store, quoteTable, alarms, pull.FetchRange, time.Now)

	calc := risk.New(risk.Config{QuoteStaleAfter: cfg.Risk.QuoteStaleAfter}, coord, quoteTable, time.Now)

	push := venue.NewPushClient(venue.PushConfig{
		URL:     cfg.Venue.PushURL,
		Symbols: cfg.Venue.Symbols,
	}, session, handler, pull.Resync, alarms)

	eng := engine.New(engine.Config{
		GapFlushInterval:     cfg.Engine.GapFlushInterval,
		SnapshotInterval:     cfg.Engine.SnapshotInterval,
		SessionRenewInterval: cfg.Engine.SessionRenewInterval,
	}, coord, calc, push, pull, session, store, pull)

	logger.Info("engine started",
		observability.F("symbols", len(cfg.Venue.Symbols)),
		observability.F("gap_timeout", cfg.Reconcile.GapTimeout),
		observability.F("snapshot_interval", cfg.Engine.SnapshotInterval))

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped", observability.F("error", err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", observability.F("error", err))
	}
	logger.Info("shutdown complete")
}

func fatal(logger observability.Logger, msg string, err error) {
	logger.Error(msg, observability.F("error", err))
	os.Exit(1)
}
