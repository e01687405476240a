/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-ratelimit/netutil"
)

// Identifier prefixes telling how the client was identified.
const (
	IPIdentifierPrefix  = "ip:"
	KeyIdentifierPrefix = "key:"
)

const xForwardedForHeaderName = "X-Forwarded-For"

// maxAPIKeyLength bounds presented API keys; longer keys are treated as malformed.
const maxAPIKeyLength = 512

var apiKeyRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// IdentifierResolver determines the identifier a request is counted against:
// the client IP address or the presented API key, checked against the configured
// allow and block lists.
//
// IP identification is authoritative whenever it is effectively enabled;
// key identification is consulted only otherwise. When neither is enabled,
// every request bypasses limiting.
type IdentifierResolver struct {
	ipEnabled    bool
	keyEnabled   bool
	fallbackToIP bool

	allowXForwardedFor bool
	trustedProxies     map[string]struct{}

	headerName     string
	queryParamName string

	ipAllowList  []func(string) bool
	ipBlockList  []func(string) bool
	keyAllowList []func(string) bool
	keyBlockList []func(string) bool
}

// NewIdentifierResolver creates a new IdentifierResolver for the passed configuration.
// Allow and block list globs are compiled once, and the trusted proxy list is
// validated and normalized.
func NewIdentifierResolver(cfg *Config) (*IdentifierResolver, error) {
	trustedProxies := make(map[string]struct{}, len(cfg.IP.AllowXForwardedForFrom))
	for _, proxyAddr := range cfg.IP.AllowXForwardedForFrom {
		normalized := netutil.NormalizeIP(proxyAddr)
		if normalized == "" {
			return nil, fmt.Errorf("trusted proxy %q is not a valid IP address", proxyAddr)
		}
		trustedProxies[normalized] = struct{}{}
	}

	headerName := cfg.Key.HeaderName
	if headerName == "" {
		headerName = DefaultKeyHeaderName
	}
	queryParamName := cfg.Key.QueryParamName
	if queryParamName == "" {
		queryParamName = DefaultKeyQueryParamName
	}

	return &IdentifierResolver{
		ipEnabled:          cfg.ipEffectivelyEnabled(),
		keyEnabled:         cfg.Key.Enabled,
		fallbackToIP:       cfg.keyFallbackToIPAllowed(),
		allowXForwardedFor: cfg.IP.AllowXForwardedFor,
		trustedProxies:     trustedProxies,
		headerName:         headerName,
		queryParamName:     queryParamName,
		ipAllowList:        compileGlobs(cfg.IP.AllowList),
		ipBlockList:        compileGlobs(cfg.IP.BlockList),
		keyAllowList:       compileGlobs(cfg.Key.AllowList),
		keyBlockList:       compileGlobs(cfg.Key.BlockList),
	}, nil
}

// Resolve determines the identifier for the request. It never mutates the request.
//
// Bypass is reported when the request should not be limited at all: the matched
// allow list entry, a missing API key with disabled fallback, or both identification
// modes being off. A *BlockedIdentifierError is returned when the identifier matches
// the block list or the presented API key is malformed.
func (r *IdentifierResolver) Resolve(req *http.Request) (identifier string, bypass bool, err error) {
	if r.ipEnabled {
		return r.resolveIP(req)
	}
	if r.keyEnabled {
		return r.resolveKey(req)
	}
	return "", true, nil
}

func (r *IdentifierResolver) resolveIP(req *http.Request) (string, bool, error) {
	host, err := remoteAddrHost(req)
	if err != nil {
		return "", false, err
	}
	clientIP := r.clientIP(req, host)
	if matchAny(r.ipAllowList, clientIP) {
		return "", true, nil
	}
	if matchAny(r.ipBlockList, clientIP) {
		return "", false, &BlockedIdentifierError{Identifier: IPIdentifierPrefix + clientIP}
	}
	return IPIdentifierPrefix + clientIP, false, nil
}

// clientIP resolves the client IP for the request. The X-Forwarded-For chain is
// consulted only when the direct peer is a trusted proxy. Entries failing IP syntax
// validation are discarded; the chain is walked from the nearest hop backward,
// skipping trusted proxies. The leftmost entry wins when every hop is trusted.
func (r *IdentifierResolver) clientIP(req *http.Request, remoteHost string) string {
	if !r.allowXForwardedFor {
		return remoteHost
	}
	if _, trusted := r.trustedProxies[netutil.NormalizeIP(remoteHost)]; !trusted {
		return remoteHost
	}
	headerValues := req.Header.Values(xForwardedForHeaderName)
	if len(headerValues) == 0 {
		return remoteHost
	}
	chain := netutil.ParseForwardedFor(strings.Join(headerValues, ","))
	validated := make([]string, 0, len(chain))
	for _, hop := range chain {
		if normalized := netutil.NormalizeIP(hop); normalized != "" {
			validated = append(validated, normalized)
		}
	}
	if len(validated) == 0 {
		return remoteHost
	}
	for i := len(validated) - 1; i >= 0; i-- {
		if _, trusted := r.trustedProxies[validated[i]]; !trusted {
			return validated[i]
		}
	}
	return validated[0]
}

func (r *IdentifierResolver) resolveKey(req *http.Request) (string, bool, error) {
	apiKey := req.Header.Get(r.headerName)
	if apiKey == "" {
		apiKey = req.URL.Query().Get(r.queryParamName)
	}
	apiKey = strings.TrimSpace(apiKey)

	if apiKey == "" {
		if !r.fallbackToIP {
			return "", true, nil
		}
		host, err := remoteAddrHost(req)
		if err != nil {
			return "", false, err
		}
		// The fallback address is not checked against the key lists,
		// they hold key patterns, not IPs.
		return IPIdentifierPrefix + host, false, nil
	}

	if len(apiKey) > maxAPIKeyLength || !apiKeyRegexp.MatchString(apiKey) {
		return "", false, &BlockedIdentifierError{Identifier: KeyIdentifierPrefix + apiKey}
	}
	if matchAny(r.keyAllowList, apiKey) {
		return "", true, nil
	}
	if matchAny(r.keyBlockList, apiKey) {
		return "", false, &BlockedIdentifierError{Identifier: KeyIdentifierPrefix + apiKey}
	}
	return KeyIdentifierPrefix + apiKey, false, nil
}

func remoteAddrHost(req *http.Request) (string, error) {
	host := netutil.AddrHost(req.RemoteAddr)
	if host == "" {
		return "", fmt.Errorf("remote address %q has no host part", req.RemoteAddr)
	}
	return host, nil
}

func compileGlobs(patterns []string) []func(string) bool {
	if len(patterns) == 0 {
		return nil
	}
	compiled := make([]func(string) bool, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, glob.Compile(pattern))
	}
	return compiled
}

func matchAny(matchers []func(string) bool, s string) bool {
	for i := range matchers {
		if matchers[i](s) {
			return true
		}
	}
	return false
}
