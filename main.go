package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/redlytic/analyzer-bot/internal/config"
	"github.com/redlytic/analyzer-bot/internal/handlers"
	"github.com/redlytic/analyzer-bot/internal/ledger"
	"github.com/redlytic/analyzer-bot/internal/middleware"
	"github.com/redlytic/analyzer-bot/internal/payments"
	"github.com/redlytic/analyzer-bot/internal/scheduler"
	"github.com/redlytic/analyzer-bot/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseDSN())
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()

	rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	costCache := store.NewCostCache(rdb, pgStore, 5*time.Minute)
	dedup := store.NewUpdateDedup(rdb, 24*time.Hour)

	ledgerSvc := ledger.NewService(pgStore, costCache, cfg.InitialFreeCoins, cfg.CoinsExpiryDays)
	processor := payments.NewProcessor(pgStore, ledgerSvc)

	h := handlers.NewHandlers(pgStore, ledgerSvc, processor, costCache, cfg.InitialFreeCoins, cfg.PaymentProviderToken)
	// Metered analysis commands plug in here via h.RegisterRunner; the
	// analyzer backends live in their own services.

	middlewares := middleware.New(pgStore, ledgerSvc, dedup, cfg.AdminIDs)

	httpClient := &http.Client{
		Timeout: 2 * time.Minute,
	}
	pollTimeout := 50 * time.Second

	b, err := bot.New(
		cfg.BotToken,
		bot.WithHTTPClient(pollTimeout, httpClient),
	)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	jobs := scheduler.New(pgStore)
	if err := jobs.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer jobs.Stop()

	handlerChain := middlewares.DedupMiddleware(
		middlewares.ResolveUserMiddleware(
			h.MainHandler,
		),
	)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)

	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, handlerChain)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.PreCheckoutQuery != nil
	}, handlerChain)

	log.Info("Bot started")
	b.Start(ctx)
}
