/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package netutil provides helpers for working with network addresses.
package netutil

import (
	"net"
	"strings"
)

// AddrHost extracts the host part from a network address in the "host:port" form.
// Addresses without a port are returned as is.
func AddrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}

// NormalizeIP parses s as an IP address and returns its canonical textual form
// (for example, leading zeros are dropped, IPv6 addresses are compacted).
// An empty string is returned if s is not a valid IP address.
func NormalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

// ParseForwardedFor splits the X-Forwarded-For header value into a list of addresses,
// leftmost (the originating client) first. Empty elements are skipped.
func ParseForwardedFor(headerValue string) []string {
	if headerValue == "" {
		return nil
	}
	parts := strings.Split(headerValue, ",")
	res := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	if len(res) == 0 {
		return nil
	}
	return res
}
