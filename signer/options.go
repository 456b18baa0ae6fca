package signer

import (
	"time"

	"github.com/lestrrat-go/option"
)

// Option is the functional-option type consumed by NewVerifier.
type Option = option.Interface

type identClock struct{}

func (identClock) String() string { return "WithClock" }

type identSkew struct{}

func (identSkew) String() string { return "WithSkew" }

// WithClock overrides the clock used for expiry checks. Defaults to
// SystemClock.
func WithClock(clock Clock) Option {
	return option.New(identClock{}, clock)
}

// WithSkew allows verification to tolerate a small amount of clock drift
// between issuer and gateway: a request is accepted until
// date+expires+skew, per the "maximum clock skew tolerance" configuration
// parameter. Defaults to 0.
func WithSkew(skew time.Duration) Option {
	return option.New(identSkew{}, skew)
}
