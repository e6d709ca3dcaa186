// Package catalog resolves collection base names to their latest version
// using the upstream /collections document.
package catalog

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/ngd-catalyst/internal/cache"
	"github.com/mohammed-shakir/ngd-catalyst/internal/cache/keys"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
)

var ErrNotFound = errors.New("not a supported Collection base name")

// Source fetches the raw /collections document.
type Source interface {
	FetchCollections(ctx context.Context) (json.RawMessage, error)
}

type Collection struct {
	ID      string    `json:"id"`
	Base    string    `json:"base"`
	Version int       `json:"version"`
	Title   string    `json:"title,omitempty"`
	Updated time.Time `json:"updated,omitzero"` // start of the temporal extent
}

type Options struct {
	TTL   time.Duration
	Size  int
	Store cache.Store // optional shared cache
}

type Catalog struct {
	logger *slog.Logger
	src    Source
	key    string
	ttl    time.Duration
	lru    *expirable.LRU[string, []Collection]
	store  cache.Store
	group  singleflight.Group
	now    func() time.Time
}

func New(logger *slog.Logger, src Source, baseURL string, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.Size <= 0 {
		opts.Size = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger: logger,
		src:    src,
		key:    keys.CollectionsKey(baseURL),
		ttl:    opts.TTL,
		lru:    expirable.NewLRU[string, []Collection](opts.Size, nil, opts.TTL),
		store:  opts.Store,
		now:    time.Now,
	}
}

// Collections returns every versioned collection, from memory, then the
// shared store, then the upstream.
func (c *Catalog) Collections(ctx context.Context) ([]Collection, error) {
	if cols, ok := c.lru.Get(c.key); ok {
		observability.IncCacheResult("memory", true)
		return cols, nil
	}
	observability.IncCacheResult("memory", false)

	v, err, _ := c.group.Do(c.key, func() (any, error) {
		if c.store != nil {
			raw, ok, err := c.store.Get(ctx, c.key)
			if err != nil {
				c.logger.WarnContext(ctx, "catalogue store read failed", "err", err)
			} else if ok {
				cols, perr := Parse(raw)
				if perr == nil {
					c.lru.Add(c.key, cols)
					return cols, nil
				}
				c.logger.WarnContext(ctx, "catalogue store entry unreadable", "err", perr)
			}
		}

		raw, err := c.src.FetchCollections(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch collections: %w", err)
		}
		cols, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		c.lru.Add(c.key, cols)
		if c.store != nil {
			if err := c.store.Set(ctx, c.key, raw, c.ttl); err != nil {
				c.logger.WarnContext(ctx, "catalogue store write failed", "err", err)
			}
		}
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Collection), nil
}

// Latest maps each base name to its highest-versioned collection.
func (c *Catalog) Latest(ctx context.Context) (map[string]Collection, error) {
	cols, err := c.Collections(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Collection, len(cols))
	for _, col := range cols {
		if cur, ok := out[col.Base]; !ok || col.Version > cur.Version {
			out[col.Base] = col
		}
	}
	return out, nil
}

// Resolve returns id unchanged when it carries a version, otherwise the
// latest versioned id for the base name.
func (c *Catalog) Resolve(ctx context.Context, id string) (string, error) {
	if model.HasVersion(id) {
		return id, nil
	}
	latest, err := c.Latest(ctx)
	if err != nil {
		return "", err
	}
	col, ok := latest[id]
	if !ok {
		return "", fmt.Errorf("%q is %w", id, ErrNotFound)
	}
	return col.ID, nil
}

// Recent lists latest-version collections whose temporal extent starts
// within the last days days, ordered by base name.
func (c *Catalog) Recent(ctx context.Context, days int) ([]Collection, error) {
	latest, err := c.Latest(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := c.now().AddDate(0, 0, -days)
	var out []Collection
	for _, col := range latest {
		if !col.Updated.IsZero() && !col.Updated.Before(cutoff) {
			out = append(out, col)
		}
	}
	slices.SortFunc(out, func(a, b Collection) int { return cmp.Compare(a.Base, b.Base) })
	return out, nil
}

type collectionsDoc struct {
	Collections []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Extent struct {
			Temporal struct {
				Interval [][]*string `json:"interval"`
			} `json:"temporal"`
		} `json:"extent"`
	} `json:"collections"`
}

// Parse reads a /collections document. Ids without a version suffix are
// skipped.
func Parse(raw []byte) ([]Collection, error) {
	var doc collectionsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse collections: %w", err)
	}
	out := make([]Collection, 0, len(doc.Collections))
	for _, d := range doc.Collections {
		base, ver, ok := model.SplitVersion(d.ID)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(ver)
		if err != nil {
			continue
		}
		col := Collection{ID: d.ID, Base: base, Version: n, Title: d.Title}
		if iv := d.Extent.Temporal.Interval; len(iv) > 0 && len(iv[0]) > 0 && iv[0][0] != nil {
			if ts, err := time.Parse(time.RFC3339, *iv[0][0]); err == nil {
				col.Updated = ts
			}
		}
		out = append(out, col)
	}
	return out, nil
}
