package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/homeledger/internal/api"
	"github.com/example/homeledger/internal/config"
	"github.com/example/homeledger/internal/engine"
	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/events"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/receipt"
	"github.com/example/homeledger/internal/recurring"
	"github.com/example/homeledger/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, cleanup, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	auditor := audit.NewChainLogger()

	dispatcher := events.NewDispatcher(logger)
	dispatcher.Subscribe(func(ev events.Event) {
		auditor.Append(string(ev.Type), "", events.MarshalPayload(ev))
	})

	eng := engine.New(store, dispatcher, logger)
	envelopes := envelope.NewService(store, logger)
	materializer := recurring.NewService(store, recurring.PosterFuncs{
		Post: func(ctx context.Context, entry *ledger.JournalEntry) error {
			_, err := eng.PostEntry(ctx, entry)
			return err
		},
		Draft:  eng.SaveDraft,
		Drafts: store.DraftsForTemplate,
	}, logger)

	router := api.NewRouter(api.Dependencies{
		Logger:    logger,
		Engine:    eng,
		Envelopes: envelopes,
		Recurring: materializer,
		Receipts:  newReceiptMapper(cfg, store),
		Auditor:   auditor,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("ledger daemon listening", "addr", cfg.ListenAddr, "backend", backendName(cfg))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func backendName(cfg *config.Config) string {
	if cfg.UsePostgres() {
		return "postgres"
	}
	return "sqlite"
}

func openStore(cfg *config.Config) (engine.Store, func(), error) {
	ctx := context.Background()

	if cfg.UsePostgres() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := engine.NewPostgresStore(pool)
		if err := store.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, store.Close, nil
	}

	db, err := sql.Open("sqlite3", cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, err
	}
	store := engine.NewSQLiteStore(db)
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

// newReceiptMapper builds a mapper resolving accounts through the store at
// request time, with its category and payment routes taken from config.
func newReceiptMapper(cfg *config.Config, store engine.Store) *receipt.Mapper {
	m := receipt.NewMapper(store)
	for category, number := range cfg.ReceiptCategories {
		m.MapCategory(category, number)
	}
	for method, number := range cfg.ReceiptPayments {
		m.MapPaymentMethod(method, number)
	}
	if cfg.ReceiptTaxAccount != "" {
		m.SetTaxAccount(cfg.ReceiptTaxAccount)
	}
	if cfg.ReceiptDefaultExpense != "" {
		m.SetDefaultExpense(cfg.ReceiptDefaultExpense)
	}
	return m
}
