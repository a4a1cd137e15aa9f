// Package entropy acquires random bytes for generated secrets.
//
// A Pool asks its external sources in priority order. Each attempt runs under
// its own timeout and every sample must pass a statistical plausibility check
// (and a signature check when the source is pinned to a key) before it is
// used. When no external source delivers, the pool falls back to crypto/rand
// and marks the result unverified. Only a failing local generator is fatal:
// Acquire then returns ErrEntropyUnavailable instead of weak bytes.
package entropy
