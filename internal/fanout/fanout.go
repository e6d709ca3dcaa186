// Package fanout prepares a query for several target collections and keeps
// per-collection bookkeeping in caller order.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/ngd-catalyst/internal/aggregate"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
)

var (
	ErrNoCollections       = errors.New("at least one collection is required")
	ErrDuplicateCollection = errors.New("collection listed more than once")
)

// Resolver maps an unversioned collection id to its latest version.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// ParseList splits a comma-separated collection parameter.
func ParseList(raw string) ([]string, error) {
	var out []string
	for part := range strings.SplitSeq(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCollections
	}
	return out, nil
}

// Resolve returns the collections in caller order. With useLatest, ids
// without a version suffix are resolved; ids with one are never changed.
// Without useLatest ids pass through untouched.
func Resolve(ctx context.Context, r Resolver, collections []string, useLatest bool) ([]string, error) {
	if len(collections) == 0 {
		return nil, ErrNoCollections
	}
	out := make([]string, 0, len(collections))
	seen := make(map[string]struct{}, len(collections))
	for _, id := range collections {
		resolved := id
		if useLatest && !model.HasVersion(id) {
			if r == nil {
				return nil, fmt.Errorf("resolve %q: no collection catalogue configured", id)
			}
			var err error
			resolved, err = r.Resolve(ctx, id)
			if err != nil {
				return nil, err
			}
		}
		if _, dup := seen[resolved]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCollection, resolved)
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
	}
	return out, nil
}

// Breakdown holds per-collection request and feature counts in caller order.
type Breakdown struct {
	Order    []string
	Requests map[string]int
	Returned map[string]int
}

// Tally sums buckets per collection. returned overrides the feature count
// for collections whose buckets were merged (deduplicated) afterwards.
func Tally(order []string, buckets []aggregate.Bucket, returned map[string]int) Breakdown {
	b := Breakdown{
		Order:    append([]string(nil), order...),
		Requests: make(map[string]int, len(order)),
		Returned: make(map[string]int, len(order)),
	}
	for _, c := range order {
		b.Requests[c] = 0
		b.Returned[c] = 0
	}
	for _, bk := range buckets {
		b.Requests[bk.Collection] += bk.Requests
		b.Returned[bk.Collection] += bk.Returned()
	}
	for c, n := range returned {
		b.Returned[c] = n
	}
	return b
}
