// Package jwt mints and verifies short-lived access tokens. Verification is
// purely local: signature, expiry, issuer, audience and a fixed claim schema.
package jwt
