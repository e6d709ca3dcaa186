package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/config"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/health"
	middleware "github.com/mohammed-shakir/ngd-catalyst/internal/core/middleware"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/router"
)

// Deps are the handlers' collaborators.
type Deps struct {
	Query   router.Querier
	Catalog router.Catalog
	// Metrics is nil when metrics are disabled.
	Metrics http.Handler
	Ready   []health.Check
}

// Routes builds the HTTP handler tree.
func Routes(cfg config.Config, logger *slog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.NotFound(router.NotFound(logger))
	r.MethodNotAllowed(router.MethodNotAllowed(logger))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, deps.Ready...))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/catalyst/features", func(r chi.Router) {
		r.Use(middleware.AcceptJSON())

		r.Get("/latest-collections", router.HandleLatestCollections(logger, deps.Catalog, cfg.Catalog.RecentUpdateDays))
		r.Get("/latest-collections/{collection}", router.HandleLatestCollection(logger, deps.Catalog))

		r.Get("/"+router.MultiCollection+"/items/{extensions}", router.HandleItems(logger, deps.Query, true))
		r.Get("/{collection}/items", router.HandleItems(logger, deps.Query, false))
		r.Get("/{collection}/items/{extensions}", router.HandleItems(logger, deps.Query, false))
	})
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Routes(cfg, logger, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
