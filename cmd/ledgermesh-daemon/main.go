package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/rawblock/ledgermesh/internal/api"
	"github.com/rawblock/ledgermesh/internal/clock"
	"github.com/rawblock/ledgermesh/internal/config"
	"github.com/rawblock/ledgermesh/internal/importer"
	"github.com/rawblock/ledgermesh/internal/logging"
	"github.com/rawblock/ledgermesh/internal/ops"
	smsparser "github.com/rawblock/ledgermesh/internal/parser/sms"
	"github.com/rawblock/ledgermesh/internal/reconcile"
	"github.com/rawblock/ledgermesh/internal/scheduler"
	"github.com/rawblock/ledgermesh/internal/store"
	"github.com/rawblock/ledgermesh/internal/store/inmem"
	"github.com/rawblock/ledgermesh/internal/store/postgres"
)

func main() {
	_ = godotenv.Load() // local dev convenience; a missing .env is not an error

	log := logging.New("ledgermesh-daemon")
	log.Info().Msg("starting ledgermesh daemon")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	var st store.Store
	pg, err := postgres.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to PostgreSQL, falling back to in-memory store")
		st = inmem.New()
	} else {
		defer pg.Close()
		if err := pg.InitSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("schema init failed")
		}
		st = pg
	}

	newID := func() string { return uuid.NewString() }
	clk := clock.System{}

	reconcilerCfg := reconcile.Config{
		AmountToleranceCents: int64(cfg.Reconciler.AmountToleranceCents),
		TimeWindowHours:      cfg.Reconciler.TimeWindowHours,
		ConfidenceThreshold:  cfg.Reconciler.ConfidenceThreshold,
	}
	reconciler := reconcile.New(st, reconcilerCfg, clk, newID, log)
	im := importer.New(st, reconciler, clk, newID, log)
	opsLayer := ops.New(st, clk, newID)

	// SMS profiles are data, hot-swapped at runtime via a future admin
	// endpoint (spec §7 "single writable slot replaced atomically");
	// the daemon starts with an empty set.
	smsRegistry := smsparser.NewRegistry(nil)

	hub := api.NewHub(log)
	go hub.Run()

	server := api.NewServer(st, im, opsLayer, smsRegistry, hub, cfg.APIAuthToken, cfg.Reconciler.ConfidenceThreshold, log)
	rateLimiter := api.NewRateLimiter(120, 30)
	router := api.NewRouter(server, rateLimiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slot := scheduler.NewSlot(ctx, log)
	smsScan := scheduler.NewSMSScanScheduler(slot, cfg.Reconciler.ScanIntervalMinutes, nil, func(ctx context.Context) error {
		// No device-level SMS source is wired in this deployment; the
		// periodic scan is a no-op until a platform SMS bridge is added.
		return nil
	}, log)
	go smsScan.Run(ctx)

	log.Info().Str("port", cfg.Port).Msg("http server listening")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

