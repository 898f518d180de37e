package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"broker-core/internal/account"
	"broker-core/internal/api"
	"broker-core/internal/book"
	"broker-core/internal/compliance"
	"broker-core/internal/engine"
	"broker-core/internal/events"
	"broker-core/internal/ledger"
	"broker-core/internal/marketdata"
	"broker-core/internal/monitor"
	"broker-core/internal/notify"
	"broker-core/internal/order"
	"broker-core/internal/pipeline"
	"broker-core/internal/reconciliation"
	"broker-core/internal/risk"
	"broker-core/pkg/config"
	"broker-core/pkg/db"
	"broker-core/pkg/nodeid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	setupLogger(cfg)

	node := nodeid.ID()
	log.WithField("node", node).Info("broker core starting")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("database open failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	provider := marketdata.NewCachedProvider(ctx, bus, cfg.StalenessWindow)
	if cfg.UseMockFeed {
		feed := &marketdata.MockFeed{
			Bus:        bus,
			Symbols:    cfg.Symbols,
			StartPrice: cfg.MockStartPrice,
			Interval:   cfg.MockTickInterval,
		}
		feed.Start(ctx)
	}

	accounts := account.NewRegistry(database, cfg.MarginLeverage)

	riskEngine, err := risk.NewEngine(database)
	if err != nil {
		log.WithError(err).Fatal("risk engine init failed")
	}
	policy, err := compliance.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.WithError(err).Fatal("compliance policy load failed")
	}
	gate := compliance.NewGate(policy, riskEngine)

	books := book.NewRegistry()
	if err := restoreBooks(ctx, database, books); err != nil {
		log.WithError(err).Fatal("book restore failed")
	}

	metrics := monitor.NewSystemMetrics()
	emitter := notify.NewEmitter(bus)
	updater := ledger.NewUpdater(database, bus, node, cfg.StorageRetries, cfg.StorageBackoffBase)

	var intake pipeline.Intake
	var wal *pipeline.PersistentQueue
	if cfg.EnableOrderWAL {
		wal, err = pipeline.NewPersistentQueue(cfg.OrderWALPath, cfg.QueueSize)
		if err != nil {
			log.WithError(err).Fatal("order WAL init failed")
		}
		if err := wal.Recover(); err != nil {
			log.WithError(err).Fatal("order WAL recovery failed")
		}
		intake = wal
	} else {
		intake = pipeline.NewQueue(cfg.QueueSize)
	}

	pipe := pipeline.New(pipeline.Deps{
		Store:    database,
		Accounts: accounts,
		Gate:     gate,
		Books:    books,
		Ledger:   updater,
		Emitter:  emitter,
		Prices:   provider,
		Bus:      bus,
		Metrics:  metrics,
		Intake:   intake,
		Workers:  cfg.Workers,
	})
	pipe.Start(ctx)

	recon := reconciliation.NewService(database, accounts, cfg.ReconcileInterval)
	recon.Start(ctx)

	go sampleGauges(ctx, metrics, accounts, books, intake, cfg.AccountIdleTTL)

	core := engine.NewCore(database, accounts, books, pipe, metrics, node)
	server := api.NewServer(core, database, bus, metrics, cfg.JWTSecret, cfg.InitialCash)
	httpSrv := server.HTTPServer(":" + cfg.Port)

	go func() {
		log.WithField("addr", httpSrv.Addr).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}

	cancel()
	pipe.Shutdown()
	if wal != nil {
		wal.Close()
	}
	log.Info("broker core stopped")
}

func setupLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// restoreBooks puts open GTC limit orders back on their books after a
// restart. Market and IOC/FOK orders never rest, so WORKING rows are always
// restorable.
func restoreBooks(ctx context.Context, database *db.Database, books *book.Registry) error {
	rows, err := database.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.OrderType != order.TypeLimit {
			continue
		}
		books.Get(row.Symbol).Restore(order.FromRow(row, ""))
	}
	if len(rows) > 0 {
		log.WithField("count", len(rows)).Info("restored open orders to books")
	}
	return nil
}

// sampleGauges periodically refreshes the gauge metrics shown on the status
// endpoint and evicts account managers idle past their TTL.
func sampleGauges(ctx context.Context, metrics *monitor.SystemMetrics,
	accounts *account.Registry, books *book.Registry, intake pipeline.Intake,
	idleTTL time.Duration) {
	type lenner interface{ Len() int }

	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			resting := 0
			for _, sym := range books.Symbols() {
				resting += books.Get(sym).Len()
			}
			depth := 0
			if l, ok := intake.(lenner); ok {
				depth = l.Len()
			}
			metrics.SetGauges(accounts.Count(), resting, depth)
			accounts.CleanupIdle(idleTTL)
		}
	}
}
