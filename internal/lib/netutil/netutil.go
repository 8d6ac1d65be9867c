package netutil

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the host part of r.RemoteAddr. Run chi's RealIP middleware
// in front of handlers to honour X-Forwarded-For / X-Real-IP.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// AnonymizeIP masks an IPv4 address to /24 and an IPv6 address to /48.
// Unparseable input is returned unchanged.
func AnonymizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}

	bits := 48
	if addr.Is4() || addr.Is4In6() {
		addr = addr.Unmap()
		bits = 24
	}

	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ip
	}

	return prefix.Addr().String()
}

// SafeRedirectPath accepts empty input or a local absolute path.
// Protocol-relative and scheme-carrying values are rejected.
func SafeRedirectPath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", true
	}
	if !strings.HasPrefix(p, "/") {
		return "", false
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") || strings.Contains(p, "://") {
		return "", false
	}
	return p, true
}

// Cookies flattens the request cookies into a name->value map; the first value wins.
func Cookies(r *http.Request) map[string]string {
	out := make(map[string]string)
	for _, c := range r.Cookies() {
		if _, ok := out[c.Name]; !ok {
			out[c.Name] = c.Value
		}
	}
	return out
}
