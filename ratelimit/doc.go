/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides fixed-window rate limiting for HTTP requests
// keyed by client identifiers.
//
// Each client is identified either by its IP address (optionally resolved
// through trusted X-Forwarded-For proxies) or by an API key taken from a
// request header or query parameter. Identifiers consume points from a
// fixed time window tracked by a Store; when the window is exhausted, the
// identifier can additionally be blocked for a configurable duration.
//
// Key features:
//   - Fixed window counting with optional post-exhaustion blocking
//   - IP and API key identification with allow/block lists (glob patterns)
//   - Bounded in-memory store with earliest-reset eviction and periodic sweep
//   - RequestLimiter coordinating resolution, counting, and callbacks
//   - Prometheus metrics and throttled notification callbacks
package ratelimit
