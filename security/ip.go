package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's IP address. When trustProxy is set the
// X-Forwarded-For and X-Real-IP headers are consulted; trustedProxies is
// how many proxies at the right of the XFF chain are under our control.
// Only enable trustProxy behind a reverse proxy that strips or overwrites
// these headers.
func ClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipFromForwardedFor picks the client entry out of an XFF chain of the form
// "client, proxyN, ..., proxy1". With trustedProxies proxies under our
// control, the client sits at len-trustedProxies-1; shorter chains fall
// back to the leftmost entry.
func ipFromForwardedFor(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	parts := strings.Split(xff, ",")
	if trustedProxies == 0 {
		trustedProxies = 1
	}
	idx := len(parts) - trustedProxies - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(parts[idx])
	if net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}
