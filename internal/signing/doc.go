// ABOUTME: Package signing produces HMAC-SHA256 signatures over canonical JSON
// ABOUTME: Signing keys combine a server secret with a per-agent secret

// Package signing signs and verifies coordination messages.
//
// Messages are serialized canonically (object keys sorted, no insignificant
// whitespace, no HTML escaping) so that two objects with the same fields in a
// different order always produce the same signature. The HMAC key is the
// server secret followed by the agent's secret. Agent secrets can be derived
// from the server secret with HKDF so they never need to be stored.
package signing
