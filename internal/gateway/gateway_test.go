package gateway

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP_PrefersForwardedForOverRemoteAddr(t *testing.T) {
	r, _ := http.NewRequest("GET", "/api/ws", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.RemoteAddr = "10.0.0.1:54321"

	assert.Equal(t, "203.0.113.7", clientIP(r))
}

func TestClientIP_FallsBackToRemoteAddrHost(t *testing.T) {
	r, _ := http.NewRequest("GET", "/api/ws", nil)
	r.RemoteAddr = "198.51.100.9:443"

	assert.Equal(t, "198.51.100.9", clientIP(r))
}

func TestClientIP_HandlesRemoteAddrWithoutPort(t *testing.T) {
	r, _ := http.NewRequest("GET", "/api/ws", nil)
	r.RemoteAddr = "not-a-valid-hostport"

	assert.Equal(t, "not-a-valid-hostport", clientIP(r))
}
