package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"reclaim/asset"
	"reclaim/auth"
	"reclaim/clock"
	"reclaim/db"
	"reclaim/escrow"
	"reclaim/events"
	"reclaim/match"
	"reclaim/metrics"
	"reclaim/wallet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	tickStep := 10 * time.Minute
	if raw := os.Getenv("CLOCK_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse CLOCK_INTERVAL: %v", err)
		}
		tickStep = parsed
	}
	clk := clock.NewInterval(time.Unix(0, 0).UTC(), tickStep)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	m := metrics.New()
	outbox := events.NewOutbox()

	walletRepo := wallet.NewRepository(pool)
	walletService := wallet.NewService(walletRepo)
	authService := auth.NewService(auth.NewRepository(pool), walletService, jwtSecret)
	assetRepo := asset.NewRepository(pool)
	assetService := asset.NewService(pool, assetRepo, clk, outbox)
	matchService := match.NewService(pool, match.NewRepository(pool), assetRepo, clk, outbox)
	escrowRepo := escrow.NewRepository(pool)
	escrowService := escrow.NewService(pool, escrowRepo, walletRepo, clk, outbox)

	// Ops provisioning: registration never grants the arbitrator role.
	if email := os.Getenv("ARBITRATOR_EMAIL"); email != "" {
		if err := authService.PromoteArbitrator(ctx, email); err != nil && !errors.Is(err, auth.ErrUserNotFound) {
			log.Fatalf("promote arbitrator: %v", err)
		}
	}

	worker := events.NewWorker(pool, outbox, events.LogSink{Logger: logger}, logger)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox worker stopped", "error", err)
		}
	}()
	go refreshGauges(ctx, pool, escrowRepo, m, logger)

	server := &Server{
		logger:        logger,
		metrics:       m,
		authService:   authService,
		assetService:  assetService,
		matchService:  matchService,
		escrowService: escrowService,
		walletService: walletService,
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
}

// refreshGauges polls the slow-moving gauges. The counters are authoritative
// in the database; the gauges are a cheap read-only mirror for dashboards.
func refreshGauges(ctx context.Context, pool *pgxpool.Pool, escrows *escrow.PGRepository, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, err := escrows.Total(ctx)
			if err != nil {
				logger.WarnContext(ctx, "read custodied total", "error", err)
				continue
			}
			m.CustodiedTotal.Set(float64(total))

			var pending int64
			if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
				logger.WarnContext(ctx, "read outbox depth", "error", err)
				continue
			}
			m.OutboxPending.Set(float64(pending))
		}
	}
}
