// Package credentials validates guardian credential files and unseals
// private key shares with AES-256-GCM. Validation is all-up-front:
// syntax, guardian identity, authenticity against the stored sealed
// share, and a fixture round trip. Every failure collapses into
// ErrInvalidCredential with one fixed user-facing message, and unsealed
// secrets are zeroed after use.
package credentials
