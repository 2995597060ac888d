package httpmw

import (
	"context"
	"net/http"
	"strings"
)

type clientIDKey struct{}

// UnknownClient is the identity used when no forwarded address is present.
// Every such request shares one rate limit bucket.
const UnknownClient = "unknown"

// ClientIDOptions configures client identity extraction.
type ClientIDOptions struct {
	// Header carries the forwarded client address chain, default X-Forwarded-For.
	Header string
	// Fallback is used when the header is absent or its first entry is blank, default UnknownClient.
	Fallback string
}

// ClientID resolves the client identity with default options and stores it in the context.
func ClientID(next http.Handler) http.Handler {
	return ClientIDWithOptions(ClientIDOptions{})(next)
}

// ClientIDWithOptions returns middleware that resolves the client identity using opts.
func ClientIDWithOptions(opts ClientIDOptions) func(http.Handler) http.Handler {
	if opts.Header == "" {
		opts.Header = "X-Forwarded-For"
	}
	if opts.Fallback == "" {
		opts.Fallback = UnknownClient
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := extractClientID(r, opts.Header, opts.Fallback)
			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), id)))
		})
	}
}

// extractClientID takes the first comma separated entry of the forwarded header, trimmed.
// The value is not validated as an IP, it is only used as a bucket key.
// We sit behind the CDN which always sets the header, so a missing header
// means a direct hit or a misconfigured proxy and those are pooled together.
func extractClientID(r *http.Request, header, fallback string) string {
	xf := r.Header.Get(header)
	if xf == "" {
		return fallback
	}
	first, _, _ := strings.Cut(xf, ",")
	if first = strings.TrimSpace(first); first == "" {
		return fallback
	}
	return first
}

// ClientIDFromContext returns the resolved identity, or UnknownClient when ClientID did not run.
func ClientIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey{}).(string); ok && id != "" {
		return id
	}
	return UnknownClient
}

func WithClientID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey{}, id)
}
