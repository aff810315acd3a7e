package metadata

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// ClientIDHeader names the funnel client that submitted a request. It is
// only honoured behind a gateway that sets it, see Options.
const ClientIDHeader = "X-Client-ID"

// maxClientIDLen bounds header-supplied ids used as rate-limit keys.
const maxClientIDLen = 128

type contextKeyClientIP struct{}
type contextKeyClientID struct{}

// Options selects which request headers identify the client. Clients can
// set every one of them, so they are trusted only when a proxy in front of
// the service overwrites them.
type Options struct {
	// TrustProxyHeaders takes the client IP from X-Forwarded-For or
	// X-Real-IP instead of the connection's remote address.
	TrustProxyHeaders bool
	// TrustClientIDHeader takes the client id from X-Client-ID.
	TrustClientIDHeader bool
}

// ClientMetadata resolves the client IP from the remote address and uses it
// as the client id. Apply it early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return ClientMetadataWith(Options{})(next)
}

// ClientMetadataWith is ClientMetadata with the given header trust.
func ClientMetadataWith(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := opts.ClientIP(r)
			ctx := WithClientMetadata(r.Context(), opts.ClientID(r, ip), ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP resolves the client IP of r.
func (o Options) ClientIP(r *http.Request) string {
	if o.TrustProxyHeaders {
		return ClientIPFromRequest(r)
	}
	return RemoteIP(r)
}

// ClientID resolves the client id of r, "ip:<ip>" unless the client id
// header is trusted and usable.
func (o Options) ClientID(r *http.Request, ip string) string {
	if o.TrustClientIDHeader {
		return ClientIDFromRequest(r, ip)
	}
	return "ip:" + ip
}

// GetClientIP retrieves the client IP address from the context.
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKeyClientIP{}).(string); ok {
		return ip
	}
	return ""
}

// GetClientID retrieves the resolved client id from the context.
func GetClientID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyClientID{}).(string); ok {
		return id
	}
	return ""
}

// WithClientMetadata injects client id and IP into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientID, clientIP string) context.Context {
	ctx = context.WithValue(ctx, contextKeyClientID{}, clientID)
	ctx = context.WithValue(ctx, contextKeyClientIP{}, clientIP)
	return ctx
}

// ClientIDFromRequest returns the X-Client-ID header when it is usable,
// otherwise "ip:<fallbackIP>".
func ClientIDFromRequest(r *http.Request, fallbackIP string) string {
	id := strings.TrimSpace(r.Header.Get(ClientIDHeader))
	if id != "" && len(id) <= maxClientIDLen {
		return id
	}
	return "ip:" + fallbackIP
}

// RemoteIP is the host part of the connection's remote address.
func RemoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	// X-Forwarded-For is "client, proxy1, proxy2"; the first entry is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return RemoteIP(r)
}
