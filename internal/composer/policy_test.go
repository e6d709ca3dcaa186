package composer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
)

func TestPolicyFor(t *testing.T) {
	cases := []struct {
		err  error
		want action
	}{
		{&upstream.Error{Kind: upstream.KindAuth}, abortCall},
		{&upstream.Error{Kind: upstream.KindRequest, Status: 404}, abortCall},
		{&upstream.Error{Kind: upstream.KindUnavailable}, abortCall},
		{&upstream.Error{Kind: upstream.KindTimeout}, markPartial},
		{fmt.Errorf("leaf: %w", &upstream.Error{Kind: upstream.KindTimeout}), markPartial},
		{errors.New("bad geometry"), abortCall},
	}
	for _, tc := range cases {
		if got := policyFor(tc.err); got != tc.want {
			t.Fatalf("%v: got %s want %s", tc.err, got, tc.want)
		}
	}
}
