/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-ratelimit/log"
	"github.com/acronis/go-ratelimit/ratelimit"
	"github.com/acronis/go-ratelimit/restapi"
)

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected because its identifier ran out of points.
const RateLimitErrCode = "tooManyRequests"

// IdentifierBlockedErrCode is an error code that is used in a response body
// if the request is rejected because its identifier is in the block list
// or the presented API key is malformed.
const IdentifierBlockedErrCode = "identifierBlocked"

// RateLimitLogFieldIdentifier it is the name of the logged field that contains
// the identifier the request was counted against.
const RateLimitLogFieldIdentifier = "rate_limit_identifier"

const userAgentLogFieldKey = "user_agent"

// Response headers carrying the quota state.
const (
	RateLimitLimitHTTPHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHTTPHeader = "X-RateLimit-Remaining"
	RateLimitResetHTTPHeader     = "X-RateLimit-Reset"
)

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ErrDomain          string
	ResponseStatusCode int
	Decision           ratelimit.Decision
}

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request
// when the rate limit is exceeded or the identifier is blocked.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called when an error occurs during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

type rateLimitHandler struct {
	next           http.Handler
	limiter        *ratelimit.RequestLimiter
	errDomain      string
	respStatusCode int
	logger         log.FieldLogger

	onRateLimited RateLimitOnRejectFunc
	onBlocked     RateLimitOnRejectFunc
	onError       RateLimitOnErrorFunc
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	decision, err := h.limiter.Decide(r, time.Now())
	params := RateLimitParams{ErrDomain: h.errDomain, ResponseStatusCode: h.respStatusCode, Decision: decision}
	if err != nil {
		h.onError(rw, r, params, err, h.next, h.logger)
		return
	}
	if decision.Limit != 0 {
		setQuotaHeaders(rw, decision)
	}
	switch decision.Outcome {
	case ratelimit.OutcomeRateLimited:
		h.onRateLimited(rw, r, params, h.next, h.logger)
	case ratelimit.OutcomeBlocked:
		h.onBlocked(rw, r, params, h.next, h.logger)
	default:
		h.next.ServeHTTP(rw, r)
	}
}

func setQuotaHeaders(rw http.ResponseWriter, decision ratelimit.Decision) {
	header := rw.Header()
	header.Set(RateLimitLimitHTTPHeader, strconv.Itoa(decision.Limit))
	header.Set(RateLimitRemainingHTTPHeader, strconv.Itoa(decision.Remaining))
	header.Set(RateLimitResetHTTPHeader, strconv.FormatInt(decision.Reset.Unix(), 10))
}

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	// Store overrides the counting store built from the configuration.
	// The caller owns the lifecycle of the passed store.
	Store ratelimit.Store

	// Logger is used by the default hooks and the internals of the limiter and the store.
	Logger log.FieldLogger

	// MetricsCollector is a collector of the store and decision metrics.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector ratelimit.MetricsCollector

	// ResponseStatusCode is the status code sent by the default hook
	// when the rate limit is exceeded. http.StatusTooManyRequests by default.
	ResponseStatusCode int

	// LimiterOptions are passed through to the underlying RequestLimiter
	// (decision callbacks, notification throttling).
	LimiterOptions []ratelimit.RequestLimiterOption

	OnRateLimited         RateLimitOnRejectFunc
	OnRateLimitedInDryRun RateLimitOnRejectFunc
	OnBlocked             RateLimitOnRejectFunc
	OnBlockedInDryRun     RateLimitOnRejectFunc
	OnError               RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests
// counted per client identifier described by the passed configuration.
func RateLimit(cfg *ratelimit.Config, errDomain string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(cfg, errDomain, RateLimitOpts{})
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(cfg *ratelimit.Config, errDomain string) func(next http.Handler) http.Handler {
	mw, err := RateLimit(cfg, errDomain)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
//
// When no Store is passed in the options, a MemoryStore is created from the
// configuration; its background sweeper runs for the whole middleware lifetime.
func RateLimitWithOpts(
	cfg *ratelimit.Config, errDomain string, opts RateLimitOpts,
) (func(next http.Handler) http.Handler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	resolver, err := ratelimit.NewIdentifierResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("new identifier resolver: %w", err)
	}

	store := opts.Store
	var createdStore *ratelimit.MemoryStore
	if store == nil {
		memStore, storeErr := ratelimit.NewMemoryStoreWithOpts(cfg.Storage, opts.Logger,
			ratelimit.MemoryStoreOpts{MetricsCollector: opts.MetricsCollector})
		if storeErr != nil {
			return nil, fmt.Errorf("new memory store: %w", storeErr)
		}
		store, createdStore = memStore, memStore
	}

	limiterOptions := append([]ratelimit.RequestLimiterOption{
		ratelimit.WithLogger(opts.Logger),
		ratelimit.WithMetricsCollector(opts.MetricsCollector),
	}, opts.LimiterOptions...)
	limiter, err := ratelimit.NewRequestLimiter(resolver, store, cfg, limiterOptions...)
	if err != nil {
		if createdStore != nil {
			createdStore.Close()
		}
		return nil, fmt.Errorf("new request limiter: %w", err)
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusTooManyRequests
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			limiter:        limiter,
			errDomain:      errDomain,
			respStatusCode: respStatusCode,
			logger:         opts.Logger,
			onRateLimited:  makeRateLimitOnRateLimitedFunc(cfg, opts),
			onBlocked:      makeRateLimitOnBlockedFunc(cfg, opts),
			onError:        makeRateLimitOnErrorFunc(opts),
		}
	}, nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(
	cfg *ratelimit.Config, errDomain string, opts RateLimitOpts,
) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(cfg, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

// DefaultRateLimitOnRateLimited sends HTTP response in a typical way
// when the rate limit is exceeded.
func DefaultRateLimitOnRateLimited(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldIdentifier, params.Decision.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	rw.Header().Set("Retry-After", strconv.Itoa(int(params.Decision.RetryAfter.Seconds())))
	apiErr := restapi.NewError(params.ErrDomain, RateLimitErrCode, "Too many requests.")
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnBlocked sends HTTP response in a typical way
// when the request identifier is in the block list or the presented API key is malformed.
func DefaultRateLimitOnBlocked(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldIdentifier, params.Decision.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	apiErr := restapi.NewError(params.ErrDomain, IdentifierBlockedErrCode, "Identifier is blocked.")
	restapi.RespondError(rw, http.StatusForbidden, apiErr, logger)
}

// DefaultRateLimitOnError logs the occurred error and continues serving the request.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldIdentifier, params.Decision.Identifier))
	}
	next.ServeHTTP(rw, r)
}

// DefaultRateLimitOnRateLimitedInDryRun sends HTTP response in a typical way
// when the rate limit is exceeded in the dry-run mode.
func DefaultRateLimitOnRateLimitedInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldIdentifier, params.Decision.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultRateLimitOnBlockedInDryRun sends HTTP response in a typical way
// when the request identifier is blocked in the dry-run mode.
func DefaultRateLimitOnBlockedInDryRun(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("identifier is blocked, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldIdentifier, params.Decision.Identifier),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

func makeRateLimitOnRateLimitedFunc(cfg *ratelimit.Config, opts RateLimitOpts) RateLimitOnRejectFunc {
	if cfg.DryRun {
		if opts.OnRateLimitedInDryRun != nil {
			return opts.OnRateLimitedInDryRun
		}
		return DefaultRateLimitOnRateLimitedInDryRun
	}
	if opts.OnRateLimited != nil {
		return opts.OnRateLimited
	}
	return DefaultRateLimitOnRateLimited
}

func makeRateLimitOnBlockedFunc(cfg *ratelimit.Config, opts RateLimitOpts) RateLimitOnRejectFunc {
	if cfg.DryRun {
		if opts.OnBlockedInDryRun != nil {
			return opts.OnBlockedInDryRun
		}
		return DefaultRateLimitOnBlockedInDryRun
	}
	if opts.OnBlocked != nil {
		return opts.OnBlocked
	}
	return DefaultRateLimitOnBlocked
}

func makeRateLimitOnErrorFunc(opts RateLimitOpts) RateLimitOnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultRateLimitOnError
}
