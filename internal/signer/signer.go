// Package signer declares the capability interface the core depends on
// for authorizing governance-layer writes. Wallet signing and key
// management live outside this process; implementations here delegate to
// an external signer and never hold credential material themselves.
package signer

import "context"

// SignedTransaction is the result of signing a governance-layer call,
// ready for internal/registry to submit via submitSignedTransaction.
type SignedTransaction struct {
	Target    string
	Method    string
	Args      []any
	Payload   []byte
	PublicKey string
}

// Signer is the injected capability that alone holds user credentials.
// internal/registry takes one as a constructor dependency; it never reads
// key material directly. HTTPSigner (httpsigner.go) is the implementation
// this repository provides.
type Signer interface {
	// Sign produces a SignedTransaction for (target, method, args). The
	// core never inspects Payload or PublicKey beyond passing them through
	// to submitSignedTransaction.
	Sign(ctx context.Context, target, method string, args []any) (SignedTransaction, error)

	// Identity returns the principal identity this signer acts as, used by
	// internal/identity to resolve the caller's role before a write.
	Identity() string
}
