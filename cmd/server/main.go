// server is the long-term memory service binary. It wires the four
// storage backends, the coordination core and the HTTP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oldnordic/ltmc/internal/api"
	"github.com/oldnordic/ltmc/internal/chunking"
	"github.com/oldnordic/ltmc/internal/config"
	"github.com/oldnordic/ltmc/internal/consistency"
	"github.com/oldnordic/ltmc/internal/contextinfer"
	"github.com/oldnordic/ltmc/internal/coordinator"
	"github.com/oldnordic/ltmc/internal/documents"
	"github.com/oldnordic/ltmc/internal/embeddings"
	"github.com/oldnordic/ltmc/internal/ingest"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/operations"
	"github.com/oldnordic/ltmc/internal/retrieval"
	"github.com/oldnordic/ltmc/internal/safety"
	"github.com/oldnordic/ltmc/internal/storage"
	"github.com/oldnordic/ltmc/internal/thoughts"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set, closers, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if cerr := c(); cerr != nil {
				logger.Warn("closing backend", "error", cerr.Error())
			}
		}
	}()

	guards := storage.NewGuardSet(logger)
	coord := coordinator.New(guards, cfg.Coordinator, logger)
	defer coord.Close()

	embedder, err := embeddings.NewLocalHashEmbedder(cfg.Embedding.Model, cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("building embedder: %w", err)
	}

	core := operations.New(set,
		documents.New(set, coord, embedder, cfg.Coordinator.DefaultCacheTTL, cfg.Redis.EventChannel, logger),
		ingest.New(set, coord, chunking.New(chunking.Config{}), embedder, logger),
		retrieval.New(set, embedder, logger),
		thoughts.New(set, coord, embedder, logger),
		consistency.New(set, coord, embedder, logger),
		safety.New(cfg.Safety, logger),
		contextinfer.New(set.Transactional, logger),
		logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewServer(cfg, core, set, logger).Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openBackends connects all four stores and returns them in the
// canonical commit order plus their close functions.
func openBackends(ctx context.Context, cfg *config.Config, logger logging.Logger) (*storage.Set, []func() error, error) {
	var closers []func() error

	sqlStore, err := storage.NewSQLStore(&cfg.SQL, logger)
	if err != nil {
		return nil, closers, fmt.Errorf("opening sql store: %w", err)
	}
	closers = append(closers, sqlStore.Close)
	if err := sqlStore.Migrate(ctx); err != nil {
		return nil, closers, fmt.Errorf("migrating sql store: %w", err)
	}

	vector, err := storage.NewQdrantIndex(ctx, &cfg.Qdrant, cfg.Embedding.Dimension, logger)
	if err != nil {
		return nil, closers, fmt.Errorf("opening vector index: %w", err)
	}
	closers = append(closers, vector.Close)

	graph, err := storage.NewNeo4jStore(ctx, &cfg.Neo4j, logger)
	if err != nil {
		return nil, closers, fmt.Errorf("opening graph store: %w", err)
	}
	closers = append(closers, graph.Close)

	cache, err := storage.NewRedisCache(ctx, &cfg.Redis, cfg.Coordinator.DefaultCacheTTL, logger)
	if err != nil {
		return nil, closers, fmt.Errorf("opening cache: %w", err)
	}
	closers = append(closers, cache.Close)

	return &storage.Set{
		Transactional: sqlStore,
		Vector:        vector,
		Graph:         graph,
		Cache:         cache,
	}, closers, nil
}
