package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.2:4000", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.4 "}, "10.0.0.2:4000", "198.51.100.4"},
		{"ipv4 remote", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote", nil, "[::1]:5555", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIPFromRequest(r))
		})
	}
}

func TestClientMetadata(t *testing.T) {
	var gotID, gotIP string
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetClientID(r.Context())
		gotIP = GetClientIP(r.Context())
	})

	t.Run("keys by remote address by default", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		r.RemoteAddr = "192.0.2.1:1000"
		r.Header.Set(ClientIDHeader, "web-42")
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
		ClientMetadata(capture).ServeHTTP(httptest.NewRecorder(), r)
		assert.Equal(t, "ip:192.0.2.1", gotID)
		assert.Equal(t, "192.0.2.1", gotIP)
	})

	t.Run("trusted proxy headers", func(t *testing.T) {
		h := ClientMetadataWith(Options{TrustProxyHeaders: true})(capture)
		r := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		r.RemoteAddr = "10.0.0.2:1000"
		r.Header.Set(ClientIDHeader, "web-42")
		r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		h.ServeHTTP(httptest.NewRecorder(), r)
		assert.Equal(t, "ip:203.0.113.9", gotID)
		assert.Equal(t, "203.0.113.9", gotIP)
	})

	t.Run("trusted client id header", func(t *testing.T) {
		h := ClientMetadataWith(Options{TrustClientIDHeader: true})(capture)
		r := httptest.NewRequest(http.MethodPost, "/submissions", nil)
		r.RemoteAddr = "192.0.2.1:1000"
		r.Header.Set(ClientIDHeader, "web-42")
		h.ServeHTTP(httptest.NewRecorder(), r)
		assert.Equal(t, "web-42", gotID)

		r.Header.Del(ClientIDHeader)
		h.ServeHTTP(httptest.NewRecorder(), r)
		assert.Equal(t, "ip:192.0.2.1", gotID)
	})
}
