/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// NotifyRate describes how often decision callbacks may fire per identifier.
type NotifyRate struct {
	Count    int
	Duration time.Duration
}

// notifyThrottler suppresses repeat decision callbacks per identifier so that
// alerting hooks are not flooded by a single hot client. It implements GCRA
// (Generic Cell Rate Algorithm), a leaky bucket variant, over a bounded
// in-memory store. More details and good explanation of this alg is provided
// here: https://brandur.org/rate-limiting#gcra.
type notifyThrottler struct {
	limiter *throttled.GCRARateLimiterCtx
}

func newNotifyThrottler(rate NotifyRate, maxKeys int) (*notifyThrottler, error) {
	if rate.Count < 1 {
		return nil, fmt.Errorf("notify rate count should be >= 1, got %d", rate.Count)
	}
	if rate.Duration <= 0 {
		return nil, fmt.Errorf("notify rate duration should be positive, got %s", rate.Duration)
	}
	gcraStore, err := memstore.NewCtx(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(rate.Count, rate.Duration),
		MaxBurst: rate.Count - 1,
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, quota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &notifyThrottler{gcraLimiter}, nil
}

// allow reports whether one more callback may fire for the identifier.
func (t *notifyThrottler) allow(ctx context.Context, identifier string) (bool, error) {
	limited, _, err := t.limiter.RateLimitCtx(ctx, identifier, 1)
	if err != nil {
		return false, err
	}
	return !limited, nil
}
