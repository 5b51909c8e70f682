package utilities

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the client IP from r.RemoteAddr. Proxy headers are not trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}
