package composer

import (
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
)

// action is what a leaf failure does to the whole call.
type action int

const (
	// abortCall fails the call; no partial body is returned.
	abortCall action = iota
	// markPartial keeps the leaf's features, flags it partial and lets
	// sibling leaves continue.
	markPartial
)

func (a action) String() string {
	if a == markPartial {
		return "mark_partial"
	}
	return "abort"
}

var policies = map[upstream.Kind]action{
	upstream.KindAuth:        abortCall,
	upstream.KindRequest:     abortCall,
	upstream.KindUnavailable: abortCall,
	upstream.KindTimeout:     markPartial,
}

// policyFor classifies a leaf error. Errors that are not upstream failures
// (bad input, malformed responses) abort.
func policyFor(err error) action {
	k, ok := upstream.KindOf(err)
	if !ok {
		return abortCall
	}
	if a, ok := policies[k]; ok {
		return a
	}
	return abortCall
}
