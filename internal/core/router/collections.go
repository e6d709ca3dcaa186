package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/ngd-catalyst/internal/catalog"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
)

// Catalog answers latest-version lookups.
type Catalog interface {
	Latest(ctx context.Context) (map[string]catalog.Collection, error)
	Recent(ctx context.Context, days int) ([]catalog.Collection, error)
}

// HandleLatestCollections maps every base name to its latest versioned id.
// With flag-recent-updates (default true) the collections whose latest
// version started within recent-update-days are listed too.
func HandleLatestCollections(logger *slog.Logger, cat Catalog, defaultDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, routePattern(r), sw.code, time.Since(start).Seconds())
		}()

		vals := r.URL.Query()
		flag := true
		if vals.Has("flag-recent-updates") {
			v, err := boolParam(vals, "flag-recent-updates")
			if err != nil {
				writeError(r.Context(), logger, sw, err)
				return
			}
			flag = v
		}
		days := defaultDays
		if vals.Has("recent-update-days") {
			n, err := intParam(vals, "recent-update-days", 0)
			if err != nil {
				writeError(r.Context(), logger, sw, err)
				return
			}
			days = n
		}

		latest, err := cat.Latest(r.Context())
		if err != nil {
			writeError(r.Context(), logger, sw, err)
			return
		}
		lookup := make(map[string]string, len(latest))
		for base, c := range latest {
			lookup[base] = c.ID
		}
		if !flag {
			writeJSON(sw, http.StatusOK, lookup)
			return
		}

		recent, err := cat.Recent(r.Context(), days)
		if err != nil {
			writeError(r.Context(), logger, sw, err)
			return
		}
		ids := make([]string, 0, len(recent))
		for _, c := range recent {
			ids = append(ids, c.ID)
		}
		writeJSON(sw, http.StatusOK, map[string]any{
			"collection-lookup":            lookup,
			"recent-update-threshold-days": days,
			"recent-collection-updates":    ids,
		})
	}
}

// HandleLatestCollection resolves one base name.
func HandleLatestCollection(logger *slog.Logger, cat Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, routePattern(r), sw.code, time.Since(start).Seconds())
		}()

		base := chi.URLParam(r, "collection")
		latest, err := cat.Latest(r.Context())
		if err != nil {
			writeError(r.Context(), logger, sw, err)
			return
		}
		c, ok := latest[base]
		if !ok {
			writeError(r.Context(), logger, sw, &Error{
				Status: http.StatusNotFound,
				Description: "Collection '" + base + "' is not a supported Collection base name. " +
					"The name must not include a version suffix. Please refer to the documentation for a list of supported Collections.",
				Help: collectionsHelp,
			})
			return
		}
		writeJSON(sw, http.StatusOK, map[string]string{base: c.ID})
	}
}
