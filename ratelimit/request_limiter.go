/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/acronis/go-ratelimit/log"
)

// NotifyFunc is a callback fired when a request is rate-limited or blocked.
// Callbacks are best-effort side effects: errors and panics are logged and
// counted in metrics but never alter the decision.
type NotifyFunc func(ctx context.Context, identifier string) error

// Outcome is the decision made for a request.
type Outcome int

// Possible decisions.
const (
	OutcomeAllowed Outcome = iota
	OutcomeRateLimited
	OutcomeBlocked
)

// String returns the outcome name as used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "allowed"
	}
}

// Decision describes how a single request should be treated.
type Decision struct {
	Outcome Outcome

	// Identifier the request was counted against.
	// Empty when the request bypassed limiting.
	Identifier string

	// Limit, Remaining and Reset carry the quota metadata for response headers.
	// Limit is zero when there is no metadata (bypass and blocked outcomes).
	Limit     int
	Remaining int
	Reset     time.Time

	// RetryAfter is how long the client should wait before retrying,
	// ceiled to a whole second. Set only for OutcomeRateLimited.
	RetryAfter time.Duration
}

// RequestLimiter coordinates identifier resolution, point consumption,
// and decision callbacks for incoming HTTP requests.
type RequestLimiter struct {
	resolver *IdentifierResolver
	store    Store
	limit    Limit

	onRateLimited NotifyFunc
	onBlocked     NotifyFunc
	throttler     *notifyThrottler

	logger           log.FieldLogger
	metricsCollector LimiterMetricsCollector
}

// RequestLimiterOption is a type for functional options for the RequestLimiter.
type RequestLimiterOption func(*requestLimiterOptions)

type requestLimiterOptions struct {
	onRateLimited    NotifyFunc
	onBlocked        NotifyFunc
	notifyRate       NotifyRate
	logger           log.FieldLogger
	metricsCollector LimiterMetricsCollector
}

// WithOnRateLimited returns a RequestLimiterOption that sets a callback fired
// when a request is denied because its identifier ran out of points.
func WithOnRateLimited(fn NotifyFunc) RequestLimiterOption {
	return func(o *requestLimiterOptions) {
		o.onRateLimited = fn
	}
}

// WithOnBlocked returns a RequestLimiterOption that sets a callback fired
// when a request is rejected because its identifier is in the block list
// or the presented API key is malformed.
func WithOnBlocked(fn NotifyFunc) RequestLimiterOption {
	return func(o *requestLimiterOptions) {
		o.onBlocked = fn
	}
}

// WithNotifyThrottle returns a RequestLimiterOption that limits callback
// invocations per identifier to the passed rate.
func WithNotifyThrottle(rate NotifyRate) RequestLimiterOption {
	return func(o *requestLimiterOptions) {
		o.notifyRate = rate
	}
}

// WithLogger returns a RequestLimiterOption that sets the logger for callback
// failures and other internal events.
func WithLogger(logger log.FieldLogger) RequestLimiterOption {
	return func(o *requestLimiterOptions) {
		o.logger = logger
	}
}

// WithMetricsCollector returns a RequestLimiterOption that sets a collector of decision metrics.
func WithMetricsCollector(collector LimiterMetricsCollector) RequestLimiterOption {
	return func(o *requestLimiterOptions) {
		o.metricsCollector = collector
	}
}

// NewRequestLimiter creates a new RequestLimiter working on top of the passed
// resolver and store with the limit described by the configuration.
func NewRequestLimiter(
	resolver *IdentifierResolver, store Store, cfg *Config, options ...RequestLimiterOption,
) (*RequestLimiter, error) {
	if resolver == nil {
		return nil, fmt.Errorf("identifier resolver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts requestLimiterOptions
	for _, opt := range options {
		opt(&opts)
	}
	logger := opts.logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	metricsCollector := opts.metricsCollector
	if metricsCollector == nil {
		metricsCollector = disabledMetricsCollector
	}

	l := &RequestLimiter{
		resolver:         resolver,
		store:            store,
		limit:            cfg.Limit(),
		onRateLimited:    opts.onRateLimited,
		onBlocked:        opts.onBlocked,
		logger:           logger,
		metricsCollector: metricsCollector,
	}
	if opts.notifyRate != (NotifyRate{}) {
		throttler, err := newNotifyThrottler(opts.notifyRate, cfg.Storage.MaxSize)
		if err != nil {
			return nil, err
		}
		l.throttler = throttler
	}
	return l, nil
}

// Decide resolves the request's identifier and consumes one point from its window.
//
// Unexpected resolution and store failures fail open: the decision is
// OutcomeAllowed and the error is returned so the caller can log it.
// Callbacks run synchronously before Decide returns.
func (l *RequestLimiter) Decide(r *http.Request, now time.Time) (Decision, error) {
	identifier, bypass, err := l.resolver.Resolve(r)
	if err != nil {
		var blockedErr *BlockedIdentifierError
		if errors.As(err, &blockedErr) {
			l.metricsCollector.IncDecisions(OutcomeBlocked)
			l.notify(r.Context(), l.onBlocked, blockedErr.Identifier)
			return Decision{Outcome: OutcomeBlocked, Identifier: blockedErr.Identifier}, nil
		}
		l.metricsCollector.IncResolveErrors()
		l.metricsCollector.IncDecisions(OutcomeAllowed)
		return Decision{Outcome: OutcomeAllowed}, err
	}
	if bypass {
		l.metricsCollector.IncDecisions(OutcomeAllowed)
		return Decision{Outcome: OutcomeAllowed}, nil
	}

	res, err := l.store.Consume(r.Context(), identifier, l.limit, now)
	if err != nil {
		l.metricsCollector.IncDecisions(OutcomeAllowed)
		return Decision{Outcome: OutcomeAllowed, Identifier: identifier}, err
	}

	decision := Decision{
		Outcome:    OutcomeAllowed,
		Identifier: identifier,
		Limit:      l.limit.Points,
		Remaining:  res.Remaining,
		Reset:      res.Reset,
	}
	if !res.Allowed {
		decision.Outcome = OutcomeRateLimited
		decision.RetryAfter = time.Duration(math.Ceil(res.Reset.Sub(now).Seconds())) * time.Second
		l.metricsCollector.IncDecisions(OutcomeRateLimited)
		l.notify(r.Context(), l.onRateLimited, identifier)
		return decision, nil
	}
	l.metricsCollector.IncDecisions(OutcomeAllowed)
	return decision, nil
}

// notify fires the callback, suppressing repeats per identifier when throttling
// is configured. Callback errors and panics are logged and counted, a failing
// throttler lets the callback through.
func (l *RequestLimiter) notify(ctx context.Context, fn NotifyFunc, identifier string) {
	if fn == nil {
		return
	}
	if l.throttler != nil {
		allowed, err := l.throttler.allow(ctx, identifier)
		if err != nil {
			l.metricsCollector.IncNotifyFailures()
			l.logger.Error("rate limit notification throttling failed",
				log.String("identifier", identifier), log.NamedError("error", err))
		} else if !allowed {
			return
		}
	}
	defer func() {
		if p := recover(); p != nil {
			l.metricsCollector.IncNotifyFailures()
			l.logger.Error(fmt.Sprintf("panic in rate limit notification callback: %v", p),
				log.String("identifier", identifier))
		}
	}()
	if err := fn(ctx, identifier); err != nil {
		l.metricsCollector.IncNotifyFailures()
		l.logger.Error("rate limit notification callback failed",
			log.String("identifier", identifier), log.NamedError("error", err))
	}
}
