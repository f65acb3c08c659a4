package crypto

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
)

// secretWidth is the fixed width a secret is zero-padded to before hashing.
const secretWidth = 32

var errSecretRange = errors.New("secret must be a non-negative 256-bit integer")

// SecretDigest returns keccak256 of the secret left-padded to 32 bytes.
func SecretDigest(secret *big.Int) (common.Hash, error) {
	if secret == nil || secret.Sign() < 0 || secret.BitLen() > secretWidth*8 {
		return common.Hash{}, errSecretRange
	}
	return Keccak256(common.LeftPadBytes(secret.Bytes(), secretWidth)), nil
}

// PrefixedHash applies the signed-message prefix
// "\x19Ethereum Signed Message:\n32" to a digest. This is the value wallets
// sign for personal messages, so a commitment signature cannot be replayed
// as a transaction signature.
func PrefixedHash(digest common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(digest[:]))
}

// CommitmentHash is PrefixedHash(SecretDigest(secret)).
func CommitmentHash(secret *big.Int) (common.Hash, error) {
	digest, err := SecretDigest(secret)
	if err != nil {
		return common.Hash{}, err
	}
	return PrefixedHash(digest), nil
}

// SignCommitment builds the commitment for secret and signs it with priv.
func SignCommitment(priv PrivateKey, secret *big.Int) (common.Hash, Signature, error) {
	h, err := CommitmentHash(secret)
	if err != nil {
		return common.Hash{}, Signature{}, err
	}
	sig, err := Sign(priv, h)
	if err != nil {
		return common.Hash{}, Signature{}, err
	}
	return h, sig, nil
}
