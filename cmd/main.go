package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"atelier/internal/config"
	httpapi "atelier/internal/http"
	"atelier/internal/notify"
	"atelier/internal/obs"
	"atelier/internal/repository"
	"atelier/internal/service"

	_ "atelier/docs"
)

func main() {
	cfg := config.Load()

	logger, err := obs.NewLogger(cfg.Development)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	var (
		products     repository.ProductRepository
		variants     repository.VariantRepository
		customers    repository.CustomerRepository
		reservations repository.ReservationRepository
		adjustments  repository.AdjustmentRepository
		admins       repository.AdminRepository
		tokens       repository.TokenRepository
		otps         repository.OTPRepository
		tx           repository.TxManager
	)

	switch cfg.StoreDriver {
	case "sqlite":
		store, err := repository.NewSQLiteStore(repository.DefaultSQLiteDSN(cfg.SQLitePath))
		if err != nil {
			logger.Fatal("sqlite init", zap.Error(err))
		}
		defer store.Close()
		products, variants, customers = store, store, store
		adjustments, admins, tokens, otps = store, store, store, store
		reservations = repository.NewSQLiteReservations(store)
		tx = repository.NewSQLiteTx(store)
	default:
		store := repository.NewMemoryStore()
		products, variants, customers = store, store, store
		adjustments, admins, tokens, otps = store, store, store, store
		reservations = repository.NewMemoryReservations(store)
		tx = repository.NewMemoryTx(store)
	}

	clock := service.SystemClock()

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	notifier := notify.New(logger, notify.NewLogMailer(logger), sinks...)

	ledger := service.NewLedger(variants, adjustments, clock)
	productsSvc := service.NewProductService(products, variants, ledger, tx, notifier)
	reservationsSvc := service.NewReservationService(reservations, customers, ledger, tx, clock, notifier, logger)
	authSvc := service.NewAuthService(customers, admins, tokens, otps, tx, clock, notifier,
		cfg.CustomerTokenTTL, cfg.AdminTokenTTL, cfg.AdminRefreshTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AdminPassword != "" {
		if err := authSvc.SeedAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName); err != nil {
			logger.Fatal("seed admin", zap.Error(err))
		}
	}

	sweeper := service.NewSweeper(reservationsSvc, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)
	go purgeTokens(ctx, authSvc, cfg.TokenPurgeInterval, logger)

	srv := httpapi.NewServer(productsSvc, reservationsSvc, authSvc, ledger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Engine(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func purgeTokens(ctx context.Context, auth *service.AuthService, interval time.Duration, logger *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := auth.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.Error("token purge", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired tokens purged", zap.Int64("count", n))
			}
		}
	}
}
