package routing

import (
	"net"
	"strings"
)

// NormalizeHost reduces a Host header value to the bare lowercase hostname used
// as the routing key. Scheme, path, port, and a trailing root dot are removed.
func NormalizeHost(raw string) string {
	h := strings.TrimSpace(raw)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	} else {
		h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	}
	h = strings.TrimSuffix(h, ".")
	return strings.ToLower(h)
}
