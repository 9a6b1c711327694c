package kit

import (
	"context"
	"net/http"

	"github.com/hazyhaar/harvest/idgen"
)

type contextKey string

const (
	TransportKey contextKey = "kit_transport" // "http", "mcp", "scheduler"
	RequestIDKey contextKey = "kit_request_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// HTTPContext tags each request with a request ID and the http transport,
// and echoes the ID in X-Request-ID. An incoming X-Request-ID is kept.
func HTTPContext(gen idgen.Generator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = gen()
			}
			ctx := WithTransport(WithRequestID(r.Context(), id), "http")
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
