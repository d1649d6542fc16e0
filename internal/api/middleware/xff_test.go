package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func trustedNets(t *testing.T, cidrs ...string) []*net.IPNet {
	t.Helper()
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatalf("parsing %q: %v", cidr, err)
		}
		nets = append(nets, n)
	}
	return nets
}

func xffRequest(remoteAddr, xff string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = remoteAddr
	if xff != "" {
		r.Header.Set("X-Forwarded-For", xff)
	}
	return r
}

func remoteAddrSeen(t *testing.T, nets []*net.IPNet, r *http.Request) string {
	t.Helper()
	var seen string
	h := TrustedProxy(nets)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.RemoteAddr
	}))
	h.ServeHTTP(httptest.NewRecorder(), r)
	return seen
}

func TestTrustedProxyRewritesFromTrustedPeer(t *testing.T) {
	nets := trustedNets(t, "10.0.0.0/8")
	got := remoteAddrSeen(t, nets, xffRequest("10.1.2.3:55000", "198.51.100.7, 10.1.2.3"))
	if got != "198.51.100.7" {
		t.Errorf("RemoteAddr = %q, want forwarded client", got)
	}
}

func TestTrustedProxyIgnoresUntrustedPeer(t *testing.T) {
	nets := trustedNets(t, "10.0.0.0/8")
	got := remoteAddrSeen(t, nets, xffRequest("203.0.113.9:55000", "198.51.100.7"))
	if got != "203.0.113.9:55000" {
		t.Errorf("RemoteAddr = %q, want unchanged", got)
	}
}

func TestTrustedProxyNoNetsConfigured(t *testing.T) {
	got := remoteAddrSeen(t, nil, xffRequest("10.1.2.3:55000", "198.51.100.7"))
	if got != "10.1.2.3:55000" {
		t.Errorf("RemoteAddr = %q, want unchanged with no trusted nets", got)
	}
}

func TestTrustedProxyRejectsGarbageHeader(t *testing.T) {
	nets := trustedNets(t, "10.0.0.0/8")
	got := remoteAddrSeen(t, nets, xffRequest("10.1.2.3:55000", "not-an-ip"))
	if got != "10.1.2.3:55000" {
		t.Errorf("RemoteAddr = %q, want unchanged for invalid header", got)
	}
}
