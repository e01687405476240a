/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentifierResolverIP(t *testing.T) {
	tests := []struct {
		name           string
		cfg            *Config
		remoteAddr     string
		wantIdentifier string
		wantBypass     bool
		wantBlocked    string
	}{
		{
			name:           "remote address port is stripped",
			cfg:            &Config{},
			remoteAddr:     "192.168.1.77:8080",
			wantIdentifier: "ip:192.168.1.77",
		},
		{
			name:           "ipv6 remote address",
			cfg:            &Config{},
			remoteAddr:     "[2001:db8::1]:443",
			wantIdentifier: "ip:2001:db8::1",
		},
		{
			name:       "allow list bypasses limiting",
			cfg:        &Config{IP: IPPolicyConfig{AllowList: []string{"192.168.1.*"}}},
			remoteAddr: "192.168.1.77:8080",
			wantBypass: true,
		},
		{
			name:        "block list rejects",
			cfg:         &Config{IP: IPPolicyConfig{BlockList: []string{"10.0.*"}}},
			remoteAddr:  "10.0.3.4:1234",
			wantBlocked: "ip:10.0.3.4",
		},
		{
			name: "allow list wins over block list",
			cfg: &Config{IP: IPPolicyConfig{
				AllowList: []string{"10.0.3.4"},
				BlockList: []string{"10.0.*"},
			}},
			remoteAddr: "10.0.3.4:1234",
			wantBypass: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewIdentifierResolver(tt.cfg)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			identifier, bypass, err := resolver.Resolve(req)
			if tt.wantBlocked != "" {
				var blockedErr *BlockedIdentifierError
				require.ErrorAs(t, err, &blockedErr)
				require.Equal(t, tt.wantBlocked, blockedErr.Identifier)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantBypass, bypass)
			require.Equal(t, tt.wantIdentifier, identifier)
		})
	}
}

func TestIdentifierResolverXForwardedFor(t *testing.T) {
	tests := []struct {
		name           string
		cfg            *Config
		remoteAddr     string
		headerValues   []string
		wantIdentifier string
		wantBlocked    string
	}{
		{
			name: "header ignored when disabled",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"203.0.113.7"},
			wantIdentifier: "ip:10.0.0.1",
		},
		{
			name: "header ignored for untrusted peer",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:     "192.168.1.77:4321",
			headerValues:   []string{"203.0.113.7"},
			wantIdentifier: "ip:192.168.1.77",
		},
		{
			name: "single hop from trusted peer",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"203.0.113.7"},
			wantIdentifier: "ip:203.0.113.7",
		},
		{
			name: "nearest untrusted hop wins",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1", "10.0.0.2"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"203.0.113.7, 198.51.100.3, 10.0.0.2"},
			wantIdentifier: "ip:198.51.100.3",
		},
		{
			name: "all hops trusted, leftmost wins",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"10.0.0.3, 10.0.0.2"},
			wantIdentifier: "ip:10.0.0.3",
		},
		{
			name: "invalid hops discarded",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"unknown, 203.0.113.7, also-garbage"},
			wantIdentifier: "ip:203.0.113.7",
		},
		{
			name: "all hops invalid, peer address wins",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"client.internal, proxy.internal"},
			wantIdentifier: "ip:10.0.0.1",
		},
		{
			name: "repeated header values are one chain",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1", "10.0.0.2"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"203.0.113.7", "198.51.100.3, 10.0.0.2"},
			wantIdentifier: "ip:198.51.100.3",
		},
		{
			name: "hop address is normalized",
			cfg: &Config{IP: IPPolicyConfig{
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:     "10.0.0.1:4321",
			headerValues:   []string{"2001:0DB8:0000::0001"},
			wantIdentifier: "ip:2001:db8::1",
		},
		{
			name: "forwarded client checked against block list",
			cfg: &Config{IP: IPPolicyConfig{
				BlockList:              []string{"203.0.113.*"},
				AllowXForwardedFor:     true,
				AllowXForwardedForFrom: []string{"10.0.0.1"},
			}},
			remoteAddr:   "10.0.0.1:4321",
			headerValues: []string{"203.0.113.7"},
			wantBlocked:  "ip:203.0.113.7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewIdentifierResolver(tt.cfg)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, headerValue := range tt.headerValues {
				req.Header.Add(xForwardedForHeaderName, headerValue)
			}
			identifier, bypass, err := resolver.Resolve(req)
			if tt.wantBlocked != "" {
				var blockedErr *BlockedIdentifierError
				require.ErrorAs(t, err, &blockedErr)
				require.Equal(t, tt.wantBlocked, blockedErr.Identifier)
				return
			}
			require.NoError(t, err)
			require.False(t, bypass)
			require.Equal(t, tt.wantIdentifier, identifier)
		})
	}
}

func TestIdentifierResolverKey(t *testing.T) {
	keyCfg := func(mod func(cfg *KeyPolicyConfig)) *Config {
		cfg := &Config{Key: KeyPolicyConfig{Enabled: true}}
		if mod != nil {
			mod(&cfg.Key)
		}
		return cfg
	}

	tests := []struct {
		name           string
		cfg            *Config
		target         string
		header         map[string]string
		remoteAddr     string
		wantIdentifier string
		wantBypass     bool
		wantBlocked    string
	}{
		{
			name:           "key from default header",
			cfg:            keyCfg(nil),
			target:         "/",
			header:         map[string]string{"x-api-key": "svc-key-1"},
			wantIdentifier: "key:svc-key-1",
		},
		{
			name: "key from custom header",
			cfg: keyCfg(func(cfg *KeyPolicyConfig) {
				cfg.HeaderName = "x-client-key"
			}),
			target:         "/",
			header:         map[string]string{"x-client-key": "svc-key-1"},
			wantIdentifier: "key:svc-key-1",
		},
		{
			name:           "key from query parameter when header is absent",
			cfg:            keyCfg(nil),
			target:         "/?api_key=svc-key-2",
			wantIdentifier: "key:svc-key-2",
		},
		{
			name:           "header wins over query parameter",
			cfg:            keyCfg(nil),
			target:         "/?api_key=svc-key-2",
			header:         map[string]string{"x-api-key": "svc-key-1"},
			wantIdentifier: "key:svc-key-1",
		},
		{
			name:           "surrounding spaces are trimmed",
			cfg:            keyCfg(nil),
			target:         "/",
			header:         map[string]string{"x-api-key": "  svc-key-1  "},
			wantIdentifier: "key:svc-key-1",
		},
		{
			name:           "blank header does not fall back to query parameter",
			cfg:            keyCfg(nil),
			target:         "/?api_key=svc-key-2",
			header:         map[string]string{"x-api-key": "   "},
			remoteAddr:     "192.168.1.77:8080",
			wantIdentifier: "ip:192.168.1.77",
		},
		{
			name:           "missing key falls back to peer address",
			cfg:            keyCfg(nil),
			target:         "/",
			remoteAddr:     "192.168.1.77:8080",
			wantIdentifier: "ip:192.168.1.77",
		},
		{
			name: "missing key bypasses when fallback is off",
			cfg: keyCfg(func(cfg *KeyPolicyConfig) {
				cfg.FallbackToIPOnMissingKey = boolPtr(false)
			}),
			target:     "/",
			wantBypass: true,
		},
		{
			name:        "oversized key is rejected",
			cfg:         keyCfg(nil),
			target:      "/",
			header:      map[string]string{"x-api-key": strings.Repeat("a", maxAPIKeyLength+1)},
			wantBlocked: "key:" + strings.Repeat("a", maxAPIKeyLength+1),
		},
		{
			name:        "key with forbidden characters is rejected",
			cfg:         keyCfg(nil),
			target:      "/",
			header:      map[string]string{"x-api-key": "svc key$1"},
			wantBlocked: "key:svc key$1",
		},
		{
			name: "allow list bypasses limiting",
			cfg: keyCfg(func(cfg *KeyPolicyConfig) {
				cfg.AllowList = []string{"internal-*"}
			}),
			target:     "/",
			header:     map[string]string{"x-api-key": "internal-monitoring"},
			wantBypass: true,
		},
		{
			name: "block list rejects",
			cfg: keyCfg(func(cfg *KeyPolicyConfig) {
				cfg.BlockList = []string{"leaked-*"}
			}),
			target:      "/",
			header:      map[string]string{"x-api-key": "leaked-key-7"},
			wantBlocked: "key:leaked-key-7",
		},
		{
			name: "allow list wins over block list",
			cfg: keyCfg(func(cfg *KeyPolicyConfig) {
				cfg.AllowList = []string{"leaked-key-7"}
				cfg.BlockList = []string{"leaked-*"}
			}),
			target:     "/",
			header:     map[string]string{"x-api-key": "leaked-key-7"},
			wantBypass: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewIdentifierResolver(tt.cfg)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}
			for name, value := range tt.header {
				req.Header.Set(name, value)
			}
			identifier, bypass, err := resolver.Resolve(req)
			if tt.wantBlocked != "" {
				var blockedErr *BlockedIdentifierError
				require.ErrorAs(t, err, &blockedErr)
				require.Equal(t, tt.wantBlocked, blockedErr.Identifier)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantBypass, bypass)
			require.Equal(t, tt.wantIdentifier, identifier)
		})
	}
}

func TestIdentifierResolverDisabled(t *testing.T) {
	resolver, err := NewIdentifierResolver(&Config{IP: IPPolicyConfig{Enabled: boolPtr(false)}})
	require.NoError(t, err)

	identifier, bypass, err := resolver.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.True(t, bypass)
	require.Empty(t, identifier)
}

func TestIdentifierResolverInvalidRemoteAddr(t *testing.T) {
	resolver, err := NewIdentifierResolver(&Config{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ""
	_, _, err = resolver.Resolve(req)
	require.EqualError(t, err, `remote address "" has no host part`)
}

func TestNewIdentifierResolverError(t *testing.T) {
	_, err := NewIdentifierResolver(&Config{IP: IPPolicyConfig{
		AllowXForwardedFor:     true,
		AllowXForwardedForFrom: []string{"proxy.local"},
	}})
	require.EqualError(t, err, `trusted proxy "proxy.local" is not a valid IP address`)
}
