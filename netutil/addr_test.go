/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package netutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrHost(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{name: "ipv4 with port", addr: "192.168.1.77:8080", want: "192.168.1.77"},
		{name: "ipv6 with port", addr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "ipv4 without port", addr: "192.168.1.77", want: "192.168.1.77"},
		{name: "hostname with port", addr: "example.com:80", want: "example.com"},
		{name: "spaces around", addr: " 192.168.1.77 ", want: "192.168.1.77"},
		{name: "empty", addr: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, AddrHost(tt.addr))
		})
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name string
		s    string
		want string
	}{
		{name: "ipv4", s: "192.168.1.77", want: "192.168.1.77"},
		{name: "ipv4 with spaces", s: "  10.0.0.1\t", want: "10.0.0.1"},
		{name: "ipv6 compacted", s: "2001:0db8:0000:0000:0000:0000:0000:0001", want: "2001:db8::1"},
		{name: "ipv4-mapped ipv6", s: "::ffff:192.168.1.77", want: "192.168.1.77"},
		{name: "not an ip", s: "example.com", want: ""},
		{name: "ip with port", s: "192.168.1.77:8080", want: ""},
		{name: "empty", s: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeIP(tt.s))
		})
	}
}

func TestParseForwardedFor(t *testing.T) {
	tests := []struct {
		name        string
		headerValue string
		want        []string
	}{
		{name: "empty", headerValue: "", want: nil},
		{name: "single", headerValue: "192.168.1.77", want: []string{"192.168.1.77"}},
		{
			name:        "chain",
			headerValue: "203.0.113.195, 70.41.3.18, 150.172.238.178",
			want:        []string{"203.0.113.195", "70.41.3.18", "150.172.238.178"},
		},
		{
			name:        "no spaces",
			headerValue: "203.0.113.195,70.41.3.18",
			want:        []string{"203.0.113.195", "70.41.3.18"},
		},
		{
			name:        "empty elements skipped",
			headerValue: " , 203.0.113.195,, ",
			want:        []string{"203.0.113.195"},
		},
		{name: "only separators", headerValue: ", ,", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ParseForwardedFor(tt.headerValue))
		})
	}
}
