// Package threshold is the threshold-decryption service: a client that
// encrypts payloads so that any t of n key servers must cooperate to
// decrypt them, and a reference key server that releases its share only
// after the session credential and the policy directive check out.
//
// A payload is sealed with XChaCha20-Poly1305 under a key derived from a
// random ristretto255 scalar. The scalar is Shamir-split with circl and
// each share is age-encrypted to one key server, bound to the content id.
package threshold
