// Package aggregate defines the per-leaf result bucket and the merge
// interface used to reduce buckets into flat output.
package aggregate

import (
	"encoding/json"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/model"
)

// Reason records why a leaf stopped collecting features.
type Reason int

const (
	LimitReached Reason = iota + 1
	UpstreamExhausted
	BudgetExhausted
	TimedOut
	// Skipped leaves never started because the call was already failing.
	Skipped
)

func (r Reason) String() string {
	switch r {
	case LimitReached:
		return "limit_reached"
	case UpstreamExhausted:
		return "upstream_exhausted"
	case BudgetExhausted:
		return "budget_exhausted"
	case TimedOut:
		return "timed_out"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Bucket is the result of one (collection, search area) leaf.
type Bucket struct {
	Collection string
	Area       int // 0 when the geometry was not split
	Features   []model.Feature
	// Members are the top-level members of the first upstream page, used to
	// shape hierarchical leaves and plain pass-through responses.
	Members  map[string]json.RawMessage
	Requests int
	Reason   Reason
	Partial  bool
	Err      error // set when Reason is TimedOut
}

func (b Bucket) Returned() int { return len(b.Features) }

// Satisfied reports whether the leaf reached its feature limit.
func (b Bucket) Satisfied() bool { return b.Reason == LimitReached }

// Interface reduces leaf buckets into one flat feature list.
type Interface interface {
	Merge(buckets []Bucket) []model.Feature
}

// Requests sums upstream requests over buckets.
func Requests(buckets []Bucket) int {
	n := 0
	for _, b := range buckets {
		n += b.Requests
	}
	return n
}

// AnyPartial reports whether any bucket stopped short because of a failure.
func AnyPartial(buckets []Bucket) bool {
	for _, b := range buckets {
		if b.Partial {
			return true
		}
	}
	return false
}
