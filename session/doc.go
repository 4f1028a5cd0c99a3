// Package session manages the lifecycle of the signed, time-boxed session
// credential: Absent, then Cached, then Valid or Expired.
//
// A Manager owns the only copy of the current credential. Concurrent
// callers that need a credential while none is valid share one in-flight
// creation, so the user sees exactly one signature prompt regardless of
// how many decryptions are waiting.
package session
