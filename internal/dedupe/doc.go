// Package dedupe remembers the result of idempotent operations for a
// configurable window so that a retried request returns the original result
// instead of repeating the side effect.
package dedupe
