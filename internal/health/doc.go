// Package health holds the liveness and readiness checks for cardshare and
// the handlers serving them on /-/healthy and /-/ready.
//
// Checks compose with [All] and [Any]. [Dependency] bounds a ping of the card
// store. [ShutdownGate] fails readiness while the server drains.
package health
