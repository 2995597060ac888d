// Package cardhttp serves the card JSON API:
//
//	POST   /api/cards       create, returns the share URL and a one time owner token
//	GET    /api/cards/{id}  read a published card, records a view
//	DELETE /api/cards/{id}  delete with "Authorization: Bearer <owner token>"
//
// Create and delete are rate limited per client through ratelimit.Limiter.
package cardhttp
