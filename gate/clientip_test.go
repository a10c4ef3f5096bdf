package gate

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPResolver_ClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"xff first entry", nil, "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "203.0.113.7"},
		{"real ip", nil, "10.0.0.1:5000", map[string]string{"X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
		{"cloudflare", nil, "10.0.0.1:5000", map[string]string{"CF-Connecting-IP": "2001:db8::1"}, "2001:db8::1"},
		{"xff wins", nil, "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.2"}, "203.0.113.7"},
		{"garbage xff skipped", nil, "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "not-an-ip", "X-Real-IP": "198.51.100.2"}, "198.51.100.2"},
		{"mapped v4", nil, "", map[string]string{"X-Real-IP": "::ffff:192.0.2.5"}, "192.0.2.5"},
		{"no headers", nil, "10.0.0.1:5000", nil, "unknown"},
		{"untrusted peer ignores headers", []string{"10.0.0.0/8"}, "192.0.2.44:443", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "192.0.2.44"},
		{"trusted peer honours headers", []string{"10.0.0.0/8"}, "10.1.2.3:443", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "203.0.113.7"},
		{"trusted peer without headers", []string{"10.0.0.0/8"}, "10.1.2.3:443", nil, "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, NewIPResolver(tt.trusted).ClientIP(r))
		})
	}
}

func TestWithQuery(t *testing.T) {
	assert.Equal(t, "/auth/login?redirect=%2Fa%3Fb%3Dc", withQuery(PathLogin, "redirect", "/a?b=c"))
	assert.Equal(t, "/auth/access-denied?error=ip_not_allowed", withQuery(PathAccessDenied, "error", ReasonIPNotAllowed))
}
