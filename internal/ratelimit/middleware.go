package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/cardshare/internal/httpmw"
)

// Rule names a Policy for a call site. Name is only used for metrics and logs.
type Rule struct {
	Name   string
	Policy Policy
}

// Default rules for the card endpoints.
var (
	CreateCard = Rule{Name: "card.create", Policy: Policy{MaxRequests: 10, Window: time.Minute}}
	DeleteCard = Rule{Name: "card.delete", Policy: Policy{MaxRequests: 20, Window: time.Minute}}
)

// Middleware returns middleware that checks every request against rule and rejects with 429 when over the limit.
// Client identity comes from httpmw.ClientID which must run earlier in the chain.
func (l *Limiter) Middleware(rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := httpmw.ClientIDFromContext(r.Context())

			v := l.Check(key, rule.Policy)
			if l.OnVerdict != nil {
				l.OnVerdict(rule.Name, v.Allowed)
			}
			if !v.Allowed {
				WriteTooManyRequests(w, v.RetryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteTooManyRequests writes the 429 response for a rejected verdict.
// intentionally not including the limit, the current count, or anything about other clients
func WriteTooManyRequests(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests, try again in a moment"}`))
}
