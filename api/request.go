/*
request.go - Client IP and country extraction

PURPOSE:
  Best-effort identity context from edge-network headers. The bonus gate
  uses these for audit fields and IP-velocity counting.

HEADER PRECEDENCE:
  IP:      CF-Connecting-IP > X-Real-IP > first hop of X-Forwarded-For
           > RemoteAddr
  Country: CF-IPCountry > X-Country-Code

TRUST MODEL:
  None of these headers is signed; outside a trusted edge network they are
  trivially spoofable. They are a soft deterrent for bonus farming, not a
  guaranteed anti-abuse control. Do not build stronger guarantees on top
  of them.
*/
package api

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the best-effort client IP from edge headers, falling
// back to the connection's remote address.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client; later hops are proxies.
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientCountry extracts the best-effort ISO country code from edge
// geolocation headers. Empty when unknown; "XX" (Cloudflare's unknown
// marker) is treated as unknown too.
func ClientCountry(r *http.Request) string {
	for _, header := range []string{"CF-IPCountry", "X-Country-Code"} {
		c := strings.ToUpper(strings.TrimSpace(r.Header.Get(header)))
		if c != "" && c != "XX" {
			return c
		}
	}
	return ""
}
