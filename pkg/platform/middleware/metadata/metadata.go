package metadata

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

type contextKeyClient struct{}

// Client describes who is on the other end of a request.
type Client struct {
	IP        string
	UserAgent string
	Browser   string
	OS        string
	Bot       bool
}

// ClientMetadata resolves the client address and User-Agent once per request
// and stores them in the context. Apply it early in the chain.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := Parse(ClientIPFromRequest(r), r.UserAgent())
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
	})
}

// Parse labels a raw User-Agent string.
func Parse(ip, rawUA string) Client {
	client := Client{IP: ip, UserAgent: rawUA}
	if rawUA == "" {
		return client
	}
	ua := useragent.New(rawUA)
	name, version := ua.Browser()
	if version != "" {
		name += "/" + version
	}
	client.Browser = name
	client.OS = ua.OS()
	client.Bot = ua.Bot()
	return client
}

// GetClient returns the client stored by ClientMetadata, or the zero Client.
func GetClient(ctx context.Context) Client {
	if c, ok := ctx.Value(contextKeyClient{}).(Client); ok {
		return c
	}
	return Client{}
}

// WithClient injects client metadata, for tests that skip the middleware chain.
func WithClient(ctx context.Context, client Client) context.Context {
	return context.WithValue(ctx, contextKeyClient{}, client)
}

// ClientIPFromRequest extracts the originating client IP, honouring proxy headers.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
