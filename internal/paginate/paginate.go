// Package paginate collects features from one collection across several
// upstream pages, bounded by a feature limit and the shared request budget.
package paginate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate"
	"github.com/mohammed-shakir/ngd-catalyst/internal/budget"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
)

// DefaultNativeCap is the upstream's maximum page size.
const DefaultNativeCap = 100

var ErrOffsetNotAllowed = errors.New("offset is not supported with the limit extension; request features by limit only")

// Fetcher issues one items request.
type Fetcher interface {
	FetchPage(ctx context.Context, b *budget.Budget, d model.RequestDescriptor) (model.Page, error)
}

type Engine struct {
	logger    *slog.Logger
	fetcher   Fetcher
	nativeCap int
}

func New(logger *slog.Logger, f Fetcher, nativeCap int) *Engine {
	if nativeCap <= 0 {
		nativeCap = DefaultNativeCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, fetcher: f, nativeCap: nativeCap}
}

func (e *Engine) NativeCap() int { return e.nativeCap }

// Collect follows the upstream cursor until d.Limit features are gathered,
// the upstream has no next page, or the budget runs out. Without a limit it
// pages at the native cap until the cursor or the budget ends. A page error ends
// the leaf as partial; the bucket keeps what was gathered and the error is
// returned for the caller's policy to judge.
func (e *Engine) Collect(ctx context.Context, d model.RequestDescriptor, b *budget.Budget) (aggregate.Bucket, error) {
	bucket := newBucket(d)
	if d.HasOffset {
		return bucket, ErrOffsetNotAllowed
	}
	// -1: unbounded
	limit := d.Limit
	if limit <= 0 {
		limit = -1
	}

	offset := 0
	for limit < 0 || len(bucket.Features) < limit {
		pageSize := e.nativeCap
		if limit > 0 {
			pageSize = min(limit-len(bucket.Features), e.nativeCap)
		}
		pd := d
		pd.Limit = pageSize
		pd.Offset, pd.HasOffset = offset, offset > 0

		page, err := e.fetcher.FetchPage(ctx, b, pd)
		bucket.Requests += page.Requests
		if done, err := e.settle(ctx, &bucket, err); done {
			return bucket, err
		}
		if bucket.Members == nil {
			bucket.Members = page.Members
		}
		if err := appendFeatures(&bucket, page.Features, limit); err != nil {
			return bucket, err
		}
		if !page.HasNext || len(page.Features) == 0 {
			bucket.Reason = aggregate.UpstreamExhausted
			break
		}
		offset = nextOffset(page.Next, offset+len(page.Features))
	}
	if bucket.Reason == 0 {
		bucket.Reason = aggregate.LimitReached
	}
	e.logger.DebugContext(ctx, "leaf collected",
		"returned", len(bucket.Features),
		"requests", bucket.Requests,
		"reason", bucket.Reason.String())
	return bucket, nil
}

// Single issues exactly one request passing the caller's limit and offset
// through unchanged.
func (e *Engine) Single(ctx context.Context, d model.RequestDescriptor, b *budget.Budget) (aggregate.Bucket, error) {
	bucket := newBucket(d)
	page, err := e.fetcher.FetchPage(ctx, b, d)
	bucket.Requests = page.Requests
	if done, err := e.settle(ctx, &bucket, err); done {
		return bucket, err
	}
	bucket.Members = page.Members
	if err := appendFeatures(&bucket, page.Features, -1); err != nil {
		return bucket, err
	}
	bucket.Reason = aggregate.UpstreamExhausted
	if page.HasNext {
		bucket.Reason = aggregate.LimitReached
	}
	return bucket, nil
}

// settle turns a page error into a terminal bucket state. done is false when
// err is nil and collection should continue.
func (e *Engine) settle(ctx context.Context, bucket *aggregate.Bucket, err error) (done bool, out error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, budget.ErrExhausted) {
		// only reached before the leaf's limit is met
		bucket.Reason = aggregate.BudgetExhausted
		bucket.Partial = true
		return true, nil
	}
	if k, ok := upstream.KindOf(err); ok && k == upstream.KindTimeout {
		e.logger.WarnContext(ctx, "leaf timed out", "returned", len(bucket.Features), "err", err)
		bucket.Reason = aggregate.TimedOut
		bucket.Partial = true
		bucket.Err = err
		return true, err
	}
	bucket.Partial = true
	return true, err
}

func newBucket(d model.RequestDescriptor) aggregate.Bucket {
	b := aggregate.Bucket{Collection: d.Collection()}
	if d.Area != nil {
		b.Area = d.Area.Number
	}
	return b
}

// appendFeatures parses and appends raw features, stopping at limit when
// limit >= 0.
func appendFeatures(bucket *aggregate.Bucket, raw []json.RawMessage, limit int) error {
	for _, r := range raw {
		if limit >= 0 && len(bucket.Features) >= limit {
			break
		}
		f, err := model.ParseFeature(r, bucket.Collection)
		if err != nil {
			return &upstream.Error{Kind: upstream.KindUnavailable, Collection: bucket.Collection,
				Description: "malformed feature in upstream response", Err: err}
		}
		if bucket.Area > 0 {
			f.Areas = []int{bucket.Area}
		}
		bucket.Features = append(bucket.Features, f)
	}
	return nil
}

func nextOffset(cursor string, fallback int) int {
	if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
		return n
	}
	return fallback
}
