package commitment

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolflip/crypto"
)

type stubRecoverer struct {
	signer common.Address
	err    error
	calls  int
}

func (s *stubRecoverer) RecoverSigner(common.Hash, crypto.Signature) (common.Address, error) {
	s.calls++
	return s.signer, s.err
}

func TestVerifierWithStub(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	v := NewVerifier(&stubRecoverer{signer: a})
	assert.True(t, v.VerifyCommitment(common.Hash{}, crypto.Signature{}, a))
	assert.False(t, v.VerifyCommitment(common.Hash{}, crypto.Signature{}, b))

	v = NewVerifier(&stubRecoverer{signer: a, err: errors.New("boom")})
	assert.False(t, v.VerifyCommitment(common.Hash{}, crypto.Signature{}, a))
}

func TestVerifierSecp256k1(t *testing.T) {
	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	bob, err := crypto.GenerateKey()
	require.NoError(t, err)
	v := NewVerifier(crypto.Secp256k1Recoverer{})

	hash, sig, err := crypto.SignCommitment(alice, big.NewInt(1357924680))
	require.NoError(t, err)
	assert.True(t, v.VerifyCommitment(hash, sig, alice.Address()))
	assert.False(t, v.VerifyCommitment(hash, sig, bob.Address()), "commitment claimed by someone else")

	// Signature over the raw digest instead of the prefixed hash.
	digest, err := crypto.SecretDigest(big.NewInt(1357924680))
	require.NoError(t, err)
	rawSig, err := crypto.Sign(alice, digest)
	require.NoError(t, err)
	assert.False(t, v.VerifyCommitment(hash, rawSig, alice.Address()))
}

func TestVerifierBitFlips(t *testing.T) {
	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	v := NewVerifier(crypto.Secp256k1Recoverer{})
	hash, sig, err := crypto.SignCommitment(alice, big.NewInt(99))
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		flipped := sig
		if i < 32 {
			flipped.R[i] ^= 0x01
		} else {
			flipped.S[i-32] ^= 0x01
		}
		assert.False(t, v.VerifyCommitment(hash, flipped, alice.Address()), "bit flip at byte %d", i)
	}
	flipped := sig
	flipped.V ^= 0x01
	assert.False(t, v.VerifyCommitment(hash, flipped, alice.Address()))

	tampered := hash
	tampered[0] ^= 0x80
	assert.False(t, v.VerifyCommitment(tampered, sig, alice.Address()))
}

func TestVerifierDummySignature(t *testing.T) {
	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	dummy := common.HexToHash("0x2446f1fd773fbb9f080e674b60c6a033c7ed7427b8b9413cf28a2a4a6da9b56c")
	v := NewVerifier(crypto.Secp256k1Recoverer{})
	assert.False(t, v.VerifyCommitment(dummy, crypto.Signature{V: 27, R: dummy, S: dummy}, alice.Address()))
}

func TestCachingRecoverer(t *testing.T) {
	a := common.HexToAddress("0x01")
	stub := &stubRecoverer{signer: a}
	c, err := NewCachingRecoverer(stub, 2)
	require.NoError(t, err)

	h1 := common.HexToHash("0x01")
	h2 := common.HexToHash("0x02")
	h3 := common.HexToHash("0x03")

	for i := 0; i < 3; i++ {
		got, err := c.RecoverSigner(h1, crypto.Signature{V: 27})
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	assert.Equal(t, 1, stub.calls)

	_, _ = c.RecoverSigner(h2, crypto.Signature{V: 27})
	_, _ = c.RecoverSigner(h3, crypto.Signature{V: 27})
	assert.Equal(t, 2, c.Len())
	_, _ = c.RecoverSigner(h1, crypto.Signature{V: 27})
	assert.Equal(t, 4, stub.calls, "evicted entry is recomputed")

	_, err = NewCachingRecoverer(stub, 0)
	assert.Error(t, err)
}
