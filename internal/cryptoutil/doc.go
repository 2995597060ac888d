// Package cryptoutil holds the hashing helpers used for owner tokens and
// viewer identities. Only hashes are persisted, and comparisons against
// stored hashes run in constant time.
package cryptoutil
