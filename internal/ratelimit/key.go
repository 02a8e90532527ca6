package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Surfaces budgeted separately.
const (
	SurfaceAPI = "api"
	SurfaceMCP = "mcp"
)

// Key returns the bucket key for r: the surface it targets and the client
// address, e.g. "mcp:10.0.0.7".
func Key(r *http.Request, trustProxy bool) string {
	surface := SurfaceAPI
	if r.URL.Path == "/mcp" || strings.HasPrefix(r.URL.Path, "/mcp/") {
		surface = SurfaceMCP
	}
	return surface + ":" + ClientIP(r, trustProxy)
}

// ClientIP extracts the client address.
//
// By default only RemoteAddr is used: X-Forwarded-For is client controlled
// and trusting it lets anyone pick their own bucket. Set trustProxy when a
// reverse proxy that rewrites the header sits in front of the server; the
// first hop is then used.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
