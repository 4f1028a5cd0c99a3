// Package ledger defines the contracts the access pipeline needs from the
// on-chain system: the capability/container query service, transaction
// submission with structured effects, and dry-run evaluation of approval
// calls.
//
// The vault module's entry points are named here so callers construct
// calls by constant rather than string literal. A reference in-memory
// implementation lives in ledger/memledger.
package ledger
