// migrate applies the relational schema to the configured SQL backend
// and exits. Safe to run repeatedly; every statement is idempotent.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))

	store, err := storage.NewSQLStore(&cfg.SQL, logger)
	if err != nil {
		return fmt.Errorf("opening sql store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema up to date", "provider", cfg.SQL.Provider)
	return nil
}
