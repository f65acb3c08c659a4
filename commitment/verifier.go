// Package commitment checks that a commitment hash was signed by the
// address submitting it. This proves authorship of the commitment, not
// knowledge of the secret behind it.
package commitment

import (
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tolelom/tolflip/crypto"
)

// Recoverer recovers the signer address of a signature over hash.
type Recoverer interface {
	RecoverSigner(hash common.Hash, sig crypto.Signature) (common.Address, error)
}

// Verifier validates self-certified commitments.
type Verifier struct {
	rec Recoverer
}

// NewVerifier returns a Verifier using rec for signer recovery.
func NewVerifier(rec Recoverer) *Verifier {
	return &Verifier{rec: rec}
}

// VerifyCommitment reports whether sig over hash recovers to claimed.
// Any recovery failure yields false.
func (v *Verifier) VerifyCommitment(hash common.Hash, sig crypto.Signature, claimed common.Address) bool {
	signer, err := v.rec.RecoverSigner(hash, sig)
	if err != nil {
		return false
	}
	return signer == claimed
}

type cacheKey struct {
	hash common.Hash
	sig  crypto.Signature
}

type cacheEntry struct {
	signer common.Address
	err    error
}

// CachingRecoverer memoizes another Recoverer's results in a bounded LRU.
type CachingRecoverer struct {
	next  Recoverer
	cache *lru.Cache
}

// NewCachingRecoverer wraps next with an LRU of size entries.
func NewCachingRecoverer(next Recoverer, size int) (*CachingRecoverer, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingRecoverer{next: next, cache: c}, nil
}

// RecoverSigner implements Recoverer.
func (c *CachingRecoverer) RecoverSigner(hash common.Hash, sig crypto.Signature) (common.Address, error) {
	key := cacheKey{hash: hash, sig: sig}
	if v, ok := c.cache.Get(key); ok {
		e := v.(cacheEntry)
		return e.signer, e.err
	}
	signer, err := c.next.RecoverSigner(hash, sig)
	c.cache.Add(key, cacheEntry{signer: signer, err: err})
	return signer, err
}

// Len returns the number of cached results.
func (c *CachingRecoverer) Len() int {
	return c.cache.Len()
}
