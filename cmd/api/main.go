package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/giftledger/internal/api"
	"github.com/punchamoorthee/giftledger/internal/config"
	"github.com/punchamoorthee/giftledger/internal/processor"
	"github.com/punchamoorthee/giftledger/internal/service"
	"github.com/punchamoorthee/giftledger/internal/store"
	"github.com/punchamoorthee/giftledger/internal/webhook"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Unable to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	// Initialize Layers
	opts := service.Options{GADSMax: cfg.GADSMax, DefaultCurrency: cfg.DefaultCurrency}
	pc := processor.NewStripeClient(cfg.StripeSecretKey)

	giftAid := service.NewGiftAidService(st, opts, logger.Named("giftaid"))
	donations := service.NewDonationService(st, giftAid, opts, logger.Named("donations"))
	subscriptions := service.NewSubscriptionService(st, pc, donations, opts, logger.Named("subscriptions"))
	organizations := service.NewOrganizationService(st, pc, opts, logger.Named("organizations"))

	dispatcher := webhook.NewDispatcher(webhook.Config{
		Secret:    cfg.StripeWebhookSecret,
		Tolerance: cfg.WebhookTolerance,
		Lease:     cfg.IdempotencyLease,
	}, st, webhook.NewReconciler(donations, subscriptions, organizations, logger.Named("webhook")), logger.Named("webhook"))

	handler := api.NewHandler(dispatcher, donations, subscriptions, giftAid, organizations, st, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.AuthJWTSecret, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverDynamo:
		return store.NewDynamoStoreFromEnv(ctx, cfg.AWSRegion, cfg.DynamoEndpoint, cfg.DynamoTablePrefix)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
}
