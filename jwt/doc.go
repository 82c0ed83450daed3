// Package jwt issues and verifies portal access tokens using configured signing keys
// and strict validation semantics suitable for low-latency request paths.
//
// Signatures are always verified. [Manager.Inspect] relaxes claim validation
// (expiry, issuer, audience) for diagnostics, never signature checks.
package jwt
