package middleware

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxy returns middleware that rewrites RemoteAddr from the
// X-Forwarded-For header, but only when the direct peer is inside one of
// the trusted proxy networks. With no trusted networks configured the
// header is ignored entirely.
func TrustedProxy(nets []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(nets) > 0 && peerTrusted(nets, r.RemoteAddr) {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					// The client address is the first entry; later
					// entries are the proxies the request passed through.
					client := strings.TrimSpace(strings.Split(xff, ",")[0])
					if net.ParseIP(client) != nil {
						r.RemoteAddr = client
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerTrusted(nets []*net.IPNet, remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
