// Package httpmw provides HTTP middleware for the public card API.
//
// httpserver.NewHandler composes them outermost first: panic recovery,
// security headers, request ID, client identity, the flood guard, OTEL
// tracing, metrics, structured logging, body limits and the chi router.
// Per-endpoint rate limits are applied on individual routes by cardhttp.
//
// Query strings, headers and the Host header are kept out of logs. The
// client identity logged is the normalized forwarded address, never the raw
// header.
package httpmw
