// Package composer runs one logical query: it resolves collections, splits
// the search geometry, dispatches every (collection, area) leaf against a
// shared request budget and shapes the merged response.
package composer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate"
	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate/geojsonagg"
	"github.com/mohammed-shakir/ngd-catalyst/internal/budget"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/observability"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
	"github.com/mohammed-shakir/ngd-catalyst/internal/fanout"
	mylog "github.com/mohammed-shakir/ngd-catalyst/internal/logger"
	"github.com/mohammed-shakir/ngd-catalyst/internal/searcharea"
)

const DefaultSource = "Compiled from code by Geovation from Ordnance Survey"

// ErrSingleCollection is returned when a call without the col extension
// names more than one collection.
var ErrSingleCollection = errors.New("exactly one collection is required without the col extension")

// Pager collects one leaf.
type Pager interface {
	Collect(ctx context.Context, d model.RequestDescriptor, b *budget.Budget) (aggregate.Bucket, error)
	Single(ctx context.Context, d model.RequestDescriptor, b *budget.Budget) (aggregate.Bucket, error)
}

// TokenSource is asked once per call when the auth extension is active.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	MaxConcurrency int
	// DefaultRequestLimit is the budget for limit requests without request-limit.
	DefaultRequestLimit int
	// BudgetCap bounds calls that do not use the limit extension.
	BudgetCap int
	Source    string
}

type Composer struct {
	logger   *slog.Logger
	pager    Pager
	resolver fanout.Resolver
	tokens   TokenSource
	cfg      Config
	now      func() time.Time
}

func New(logger *slog.Logger, pager Pager, resolver fanout.Resolver, tokens TokenSource, cfg Config) *Composer {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.DefaultRequestLimit <= 0 {
		cfg.DefaultRequestLimit = 50
	}
	if cfg.BudgetCap <= 0 {
		cfg.BudgetCap = 500
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		logger:   logger,
		pager:    pager,
		resolver: resolver,
		tokens:   tokens,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Response is the shaped result of one call.
type Response struct {
	Doc      Document
	Requests int
	Returned int
	Partial  bool
}

func (r *Response) MarshalJSON() ([]byte, error) { return r.Doc.MarshalJSON() }

type leaf struct {
	col  int // index into collections
	desc model.RequestDescriptor
}

// plan is the resolved call tree.
type plan struct {
	d           model.RequestDescriptor
	collections []string
	areas       []model.SearchArea
	leaves      []leaf
	// per-collection area mergers, filled by leaves as they finish; nil
	// unless the output is a flat geom merge
	merged []*geojsonagg.Aggregator
}

// Budget returns the request budget a descriptor runs under.
func (c *Composer) Budget(d model.RequestDescriptor) *budget.Budget {
	if d.Extensions.Has(model.ExtLimit) {
		if d.RequestLimit > 0 {
			return budget.New(d.RequestLimit)
		}
		return budget.New(c.cfg.DefaultRequestLimit)
	}
	return budget.New(c.cfg.BudgetCap)
}

// Run executes the query described by d.
func (c *Composer) Run(ctx context.Context, d model.RequestDescriptor) (*Response, error) {
	ctx = mylog.WithExtensions(ctx, d.Extensions.String())
	b := c.Budget(d)

	if d.Extensions.Has(model.ExtAuth) {
		if c.tokens == nil {
			return nil, &upstream.Error{Kind: upstream.KindAuth, Description: "no client credentials are configured for the auth extension"}
		}
		if _, err := c.tokens.Token(ctx); err != nil {
			return nil, &upstream.Error{Kind: upstream.KindAuth, Description: "could not obtain an access token", Err: err}
		}
	}

	p, err := c.plan(ctx, d)
	if err != nil {
		return nil, err
	}

	buckets, err := c.dispatch(ctx, p, b)
	if err != nil {
		return nil, err
	}
	if err := allTimedOut(buckets); err != nil {
		return nil, err
	}

	resp := c.shape(p, buckets)
	c.logger.InfoContext(ctx, "query composed",
		"collections", len(p.collections),
		"areas", len(p.areas),
		"leaves", len(p.leaves),
		"requests", resp.Requests,
		"budget_remaining", b.Remaining(),
		"returned", resp.Returned,
		"partial", resp.Partial)
	return resp, nil
}

func (c *Composer) plan(ctx context.Context, d model.RequestDescriptor) (plan, error) {
	p := plan{d: d}

	cols, err := fanout.Resolve(ctx, c.resolver, d.Collections, d.UseLatestCollection)
	if err != nil {
		return p, err
	}
	if !d.Extensions.Has(model.ExtCol) && len(cols) != 1 {
		return p, ErrSingleCollection
	}
	p.collections = cols

	if d.Extensions.Has(model.ExtGeom) {
		areas, err := searcharea.Decompose(d.Geometry)
		if err != nil {
			return p, err
		}
		p.areas = areas
	}

	if len(p.areas) > 0 && !d.Hierarchical {
		p.merged = make([]*geojsonagg.Aggregator, len(cols))
		for i := range p.merged {
			p.merged[i] = geojsonagg.New()
		}
	}

	for ci, col := range cols {
		cd := d.WithCollection(col)
		if len(p.areas) == 0 {
			p.leaves = append(p.leaves, leaf{col: ci, desc: cd})
			continue
		}
		for _, nd := range searcharea.Narrow(cd, p.areas) {
			p.leaves = append(p.leaves, leaf{col: ci, desc: nd})
		}
	}
	return p, nil
}

// dispatch runs every leaf with bounded concurrency. Results keep leaf
// order. In-flight leaves are never cancelled; after a fatal error leaves
// that have not started are skipped.
func (c *Composer) dispatch(ctx context.Context, p plan, b *budget.Budget) ([]aggregate.Bucket, error) {
	results := make([]aggregate.Bucket, len(p.leaves))
	var stop atomic.Bool

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, lf := range p.leaves {
		g.Go(func() error {
			bucket, err := c.runLeaf(ctx, lf, b, &stop)
			results[i] = bucket
			if err != nil && policyFor(err) == abortCall {
				stop.Store(true)
				return err
			}
			if p.merged != nil {
				p.merged[lf.col].Add(bucket.Collection, bucket.Area, bucket.Features)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Composer) runLeaf(ctx context.Context, lf leaf, b *budget.Budget, stop *atomic.Bool) (aggregate.Bucket, error) {
	bucket := aggregate.Bucket{Collection: lf.desc.Collection()}
	if lf.desc.Area != nil {
		bucket.Area = lf.desc.Area.Number
	}
	if stop.Load() {
		bucket.Reason = aggregate.Skipped
		return bucket, nil
	}
	if b.Exhausted() {
		bucket.Reason = aggregate.BudgetExhausted
		bucket.Partial = true
		observability.ObserveLeaf(bucket.Reason.String())
		return bucket, nil
	}

	ctx = mylog.WithCollection(ctx, bucket.Collection)
	ctx = mylog.WithSearchArea(ctx, bucket.Area)

	var err error
	if lf.desc.Extensions.Has(model.ExtLimit) {
		bucket, err = c.pager.Collect(ctx, lf.desc, b)
	} else {
		bucket, err = c.pager.Single(ctx, lf.desc, b)
	}
	if bucket.Reason != 0 {
		observability.ObserveLeaf(bucket.Reason.String())
	}
	if err != nil {
		c.logger.WarnContext(ctx, "leaf failed", "err", err, "policy", policyFor(err).String())
	}
	return bucket, err
}

// allTimedOut returns the first timeout when every leaf timed out without
// returning a feature.
func allTimedOut(buckets []aggregate.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	var first error
	for _, b := range buckets {
		if b.Reason != aggregate.TimedOut || b.Returned() > 0 {
			return nil
		}
		if first == nil {
			first = b.Err
		}
	}
	if first == nil {
		first = &upstream.Error{Kind: upstream.KindTimeout, Status: http.StatusGatewayTimeout,
			Description: "OS NGD API timed out"}
	}
	return first
}
