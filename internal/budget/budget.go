// Package budget implements the request budget shared by every upstream call
// made on behalf of one logical query.
package budget

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrExhausted is returned when no upstream request may be issued.
var ErrExhausted = errors.New("request budget exhausted")

// Budget counts the upstream requests still allowed for one call. It is
// safe for concurrent use; TryAcquire never lets the count go below zero.
type Budget struct {
	limit     int64
	remaining atomic.Int64
	used      atomic.Int64
}

// New returns a budget permitting n upstream requests. n < 0 is treated as 0.
func New(n int) *Budget {
	if n < 0 {
		n = 0
	}
	b := &Budget{limit: int64(n)}
	b.remaining.Store(int64(n))
	return b
}

// Unlimited returns a budget that never runs out in practice.
func Unlimited() *Budget { return New(math.MaxInt32) }

// TryAcquire takes one request from the budget. It never lets concurrent
// callers overshoot the limit.
func (b *Budget) TryAcquire() bool {
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			b.used.Add(1)
			return true
		}
	}
}

func (b *Budget) Remaining() int { return int(b.remaining.Load()) }

func (b *Budget) Used() int { return int(b.used.Load()) }

func (b *Budget) Limit() int { return int(b.limit) }

func (b *Budget) Exhausted() bool { return b.remaining.Load() <= 0 }
