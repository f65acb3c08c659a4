package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature cannot be recovered.
var ErrInvalidSignature = errors.New("invalid signature")

// SignatureLength is the size of an encoded [R || S || V] signature.
const SignatureLength = 65

// Signature is a recoverable secp256k1 signature. V is stored in the
// 27/28 convention; 0/1 is accepted on input.
type Signature struct {
	V uint8       `json:"v"`
	R common.Hash `json:"r"`
	S common.Hash `json:"s"`
}

// Bytes encodes the signature as R || S || V with V as stored.
func (sig Signature) Bytes() []byte {
	out := make([]byte, SignatureLength)
	copy(out[:32], sig.R[:])
	copy(out[32:64], sig.S[:])
	out[64] = sig.V
	return out
}

// Hex returns the 0x-prefixed hex of Bytes.
func (sig Signature) Hex() string {
	return "0x" + hex.EncodeToString(sig.Bytes())
}

// SignatureFromBytes decodes a 65-byte R || S || V signature and
// normalizes V to 27/28.
func SignatureFromBytes(b []byte) (Signature, error) {
	if len(b) != SignatureLength {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(b))
	}
	sig := Signature{V: b[64]}
	copy(sig.R[:], b[:32])
	copy(sig.S[:], b[32:64])
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

// SignatureFromHex decodes a hex-encoded 65-byte signature.
func SignatureFromHex(s string) (Signature, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Signature{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	return SignatureFromBytes(b)
}

// Sign produces a recoverable signature over hash.
func Sign(priv PrivateKey, hash common.Hash) (Signature, error) {
	k, err := priv.ECDSA()
	if err != nil {
		return Signature{}, err
	}
	raw, err := ethcrypto.Sign(hash[:], k)
	if err != nil {
		return Signature{}, err
	}
	return SignatureFromBytes(raw)
}

// RecoverAddress returns the address whose key produced sig over hash.
// Malleable (high-s), zero or out-of-range values and recovery ids
// outside {0, 1, 27, 28} are rejected.
func RecoverAddress(hash common.Hash, sig Signature) (common.Address, error) {
	v := sig.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig.V)
	}
	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !ethcrypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r/s out of range", ErrInvalidSignature)
	}
	raw := make([]byte, SignatureLength)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = v
	pub, err := ethcrypto.SigToPub(hash[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Secp256k1Recoverer recovers signers with secp256k1 public-key recovery.
type Secp256k1Recoverer struct{}

// RecoverSigner implements commitment.Recoverer.
func (Secp256k1Recoverer) RecoverSigner(hash common.Hash, sig Signature) (common.Address, error) {
	return RecoverAddress(hash, sig)
}
