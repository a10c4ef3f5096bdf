package gate

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/jmcleod/gatekeeper/events"
	"github.com/jmcleod/gatekeeper/ipmatch"
)

// IPResolver extracts the client address from a request.
//
// Without trusted proxies the forwarding headers are always honoured, in
// the order X-Forwarded-For (first entry), X-Real-IP, CF-Connecting-IP.
// With trusted proxies configured the headers are only read when the
// direct peer is one of them; otherwise the peer address is used.
type IPResolver struct {
	trusted *ipmatch.Set
}

// NewIPResolver returns a resolver trusting the given proxy ranges.
func NewIPResolver(trustedProxies []string) *IPResolver {
	return &IPResolver{trusted: ipmatch.Compile(trustedProxies)}
}

var forwardHeaders = []string{"X-Real-IP", "CF-Connecting-IP"}

// ClientIP returns the client address, or "unknown".
func (res *IPResolver) ClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if res != nil && res.trusted.Len() > 0 && !res.trusted.Contains(peer) {
		if peer == "" {
			return events.UnknownIP
		}
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := parseIP(first); ok {
			return ip
		}
	}
	for _, h := range forwardHeaders {
		if ip, ok := parseIP(r.Header.Get(h)); ok {
			return ip
		}
	}
	if res != nil && res.trusted.Len() > 0 && peer != "" {
		return peer
	}
	return events.UnknownIP
}

func parseIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip, ok := parseIP(host); ok {
		return ip
	}
	return ""
}
