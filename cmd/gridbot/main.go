package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/internal/api"
	"gridbot/internal/bot"
	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/repository"
	"gridbot/internal/service"
	signals "gridbot/internal/signal"
	"gridbot/internal/websocket"
	"gridbot/pkg/utils"
)

// Параметры случайного блуждания цены paper-биржи
const (
	paperWalkInterval = time.Second
	paperWalkSigma    = 0.0005
)

// store - хранилище, которое нужно и движку, и журналу сделок
type store interface {
	bot.Persistence
	service.TradeLogReader
}

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Хранилище
	st, db, err := initStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to init storage", utils.Err(err))
	}
	if db != nil {
		defer db.Close()
		log.Info("connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))
	}

	// Paper-биржа за ограничителем запросов
	paper, err := exchange.NewPaperExchange(
		cfg.Exchange.Name,
		cfg.Exchange.Pair,
		cfg.Exchange.PaperStartPrice,
		paperBalances(cfg.Exchange),
	)
	if err != nil {
		log.Fatal("failed to create exchange", utils.Err(err))
	}
	go paper.RunRandomWalk(ctx, paperWalkInterval, paperWalkSigma)

	exch := exchange.NewRateLimited(paper, cfg.Exchange.OrdersRate, cfg.Exchange.MarketDataRate, cfg.Exchange.AccountRate)

	// WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	// Движок
	engine, err := bot.NewEngine(cfg, exch, st, hub)
	if err != nil {
		log.Fatal("failed to create engine", utils.Err(err))
	}
	if cfg.Signal.URL != "" {
		engine.SetSignalSource(signals.NewHTTPProvider(cfg.Signal.URL, cfg.Signal.Timeout))
		log.Info("signal source enabled", utils.String("url", cfg.Signal.URL))
	}
	if err := engine.Restore(ctx); err != nil {
		log.Fatal("failed to restore engine state", utils.Err(err))
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped with error", utils.Err(err))
		}
	}()

	// HTTP сервер
	router := api.SetupRoutes(&api.Dependencies{
		ControlService: service.NewControlService(engine, st),
		Hub:            hub,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", utils.String("addr", server.Addr), utils.Pair(cfg.Exchange.Pair))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", utils.Err(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", utils.Err(err))
	}

	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		log.Warn("engine did not stop in time")
	}

	log.Info("server exited")
}

// initStore выбирает хранилище по cfg.Database.Driver
func initStore(ctx context.Context, cfg *config.Config) (store, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		return repository.NewMemoryStore(), nil, nil
	}

	db, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	s := repository.NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, db, nil
}

// paperBalances - стартовые балансы paper-биржи по активам пары
func paperBalances(cfg config.ExchangeConfig) map[string]float64 {
	base, quote, err := exchange.ParsePair(cfg.Pair)
	if err != nil {
		return nil
	}
	return map[string]float64{
		quote: cfg.PaperQuoteBalance,
		base:  cfg.PaperBaseBalance,
	}
}
