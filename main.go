package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridbot/api"
	"gridbot/config"
	"gridbot/exchange"
	"gridbot/fund"
	"gridbot/grid"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
	"gridbot/risk"
	"gridbot/scheduler"
	"gridbot/store"
	"gridbot/trader"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("configuration: %v", err)
	}
	logger.Infof("grid bot starting for %s (%s/%s)", cfg.Symbol, cfg.BaseAsset, cfg.QuoteAsset)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ex := exchange.NewBinanceClient(cfg.APIKey, cfg.SecretKey, cfg.Testnet, cfg.RequestTimeout)

	ctx := context.Background()
	filters, err := ex.GetFilters(ctx, cfg.Symbol)
	if err != nil {
		logger.Fatalf("load symbol filters: %v", err)
	}
	logger.Infof("filters: tick=%v step=%v minNotional=%v", filters.TickSize, filters.StepSize, filters.MinNotional)

	notifier := buildNotifier(cfg)

	ledger := fund.NewLedger()
	metrics := market.NewEngine(ex, cfg.Symbol, cfg.ATRPeriod, cfg.MetricsTTL)
	rebalancer := trader.NewExchangeRebalancer(cfg, ex, filters)
	engine := grid.NewEngine(cfg, filters, rebalancer, st.Cooldown().ForSymbol(cfg.Symbol))
	manager := trader.NewManager(cfg, ex, ledger, engine, metrics, notifier, st.Trade())

	controller := risk.NewController(cfg, ex, manager, metrics, st.Bracket().ForSymbol(cfg.Symbol), notifier, filters)
	if err := controller.Adopt(ctx); err != nil {
		logger.Fatalf("adopt bracket: %v", err)
	}

	if err := manager.RefreshBalances(ctx); err != nil {
		logger.Fatalf("initial balance load: %v", err)
	}
	if err := manager.Recalculate(ctx); err != nil {
		logger.Fatalf("initial grid placement: %v", err)
	}
	if err := controller.Ensure(ctx); err != nil {
		logger.Errorf("arm bracket: %v", err)
	}

	stream := market.NewPriceStream(cfg.Symbol, cfg.Testnet)
	if err := stream.Connect(); err != nil {
		logger.Warnf("price stream connect: %v", err)
	}
	go trailLoop(stream, controller)

	sched := scheduler.New()
	sched.Register(scheduler.Task{Name: "recalculate", Interval: cfg.RecalcInterval, Run: manager.Recalculate})
	sched.Register(scheduler.Task{Name: "reconcile", Interval: cfg.ReconcileInterval, Run: manager.Reconcile})
	sched.Register(scheduler.Task{Name: "integrity", Interval: cfg.IntegrityInterval, Run: manager.CheckIntegrity})
	sched.Register(scheduler.Task{Name: "balances", Interval: cfg.BalanceInterval, Run: manager.RefreshBalances})
	sched.Register(scheduler.Task{Name: "bracket", Interval: cfg.ReconcileInterval, Run: controller.CheckTriggered})
	sched.Register(scheduler.Task{Name: "protect", Interval: cfg.ReconcileInterval, Run: controller.Ensure})
	sched.Register(scheduler.Task{Name: "trail", Interval: cfg.ReconcileInterval, Run: func(ctx context.Context) error {
		// covers trailing while the websocket stream is down
		price, err := ex.GetPrice(ctx, cfg.Symbol)
		if err != nil {
			return err
		}
		return controller.Trail(ctx, price)
	}})
	sched.Register(scheduler.Task{Name: "volatility", Interval: time.Hour, Run: controller.AdjustVolatility})
	sched.Start()

	server := api.NewServer(manager, ledger, metrics, controller, st.Trade(), cfg.Symbol, cfg.APIServerPort)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("received %v, shutting down", sig)

	manager.Halt()
	sched.Stop()
	stream.Close()
	if err := server.Shutdown(); err != nil {
		logger.Warnf("API shutdown: %v", err)
	}
	if t, ok := notifier.(*notify.Telegram); ok {
		t.Close()
	}
	logger.Info("shutdown complete")
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		logger.Info("Telegram not configured, notifications disabled")
		return notify.Nop{}
	}
	t, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		logger.Warnf("Telegram init failed, notifications disabled: %v", err)
		return notify.Nop{}
	}
	return t
}

// trailLoop feeds live ticks into the trailing bracket. The controller's
// own gates keep update frequency bounded.
func trailLoop(stream *market.PriceStream, controller *risk.Controller) {
	for tick := range stream.Ticks() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := controller.Trail(ctx, tick.Price); err != nil {
			logger.Warnf("trail: %v", err)
		}
		cancel()
	}
}
