package ratelimit

import (
	"context"
	"fmt"
	"net/http"
)

// Limiter is the part of TokenBucket that Transport needs.
type Limiter interface {
	Acquire(ctx context.Context, n int) error
}

// Transport is an http.RoundTripper that debits one token per request before
// handing it to the wrapped transport. Placed under a retrying client, every
// retry attempt is charged as well.
type Transport struct {
	Limiter Limiter
	Base    http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Acquire(req.Context(), 1); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
