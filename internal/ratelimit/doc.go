// Package ratelimit provides the in-memory admission gates for the public
// listener.
//
// [Limiter] is a fixed-window counter keyed by client identity. Each call site
// supplies its own [Policy]; the first request observed after a window expires
// opens a fresh window anchored at that instant. A background sweep started
// with [Limiter.Start] drops entries whose window has ended so memory tracks
// recently active clients, not total traffic.
//
// [FloodGuard] is a coarse per-client token bucket applied to every request
// on the public listener, in front of the per-endpoint windows.
//
// State is process-local. Limits are not shared between instances and are
// lost on restart. Upstream WAF/CDN rate limiting is still expected for
// distributed abuse.
package ratelimit
