// Package keys provides identity keys for the access pipeline: signers
// that produce personal-message signatures, ledger address derivation,
// and a filesystem key store.
//
// Stable:
//   - Address derivation and signature verification (Address, Verify).
//
// Experimental:
//   - Filesystem-backed key storage (KeyStore). These are local-first
//     utilities for the CLI and may change in MINOR releases.
package keys
