// Package issuance is the Certificate Manager's client for the DNS-based
// automated issuance protocol spec.md §1 treats as an external black box:
// "give me a chain for these names". This package defines that boundary
// and a concrete implementation built on a signed DNS UPDATE exchange.
package issuance

import (
	"context"
	"crypto/tls"
)

// Request names a single certificate to retrieve, per spec.md §4.5 step 1:
// a hostname, its wildcard alternative name, and a per-domain key seed
// derived from the configured domain and the global key seed.
type Request struct {
	Hostname     string
	AltName      string
	KeySeed      string
	DNSServer    string
	DNSUpdateKey []byte
}

// Requester is the black-box issuance collaborator. Implementations may
// retry internally, but a returned error is treated by the Certificate
// Manager as fatal for the whole renewal cycle, per spec.md §4.5 step 2.
type Requester interface {
	RequestChain(ctx context.Context, req Request) (tls.Certificate, error)
}
