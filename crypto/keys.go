package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey holds a raw 32-byte secp256k1 scalar.
type PrivateKey []byte

// GenerateKey creates a fresh secp256k1 private key.
func GenerateKey() (PrivateKey, error) {
	k, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return PrivateKey(ethcrypto.FromECDSA(k)), nil
}

// ECDSA converts the raw key into a *ecdsa.PrivateKey.
func (priv PrivateKey) ECDSA() (*ecdsa.PrivateKey, error) {
	return ethcrypto.ToECDSA(priv)
}

// Address derives the 20-byte account address (last 20 bytes of
// keccak256 over the uncompressed public key). Invalid keys yield the
// zero address.
func (priv PrivateKey) Address() common.Address {
	k, err := priv.ECDSA()
	if err != nil {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(k.PublicKey)
}

// Hex returns the hex-encoded private key without 0x prefix.
func (priv PrivateKey) Hex() string {
	return hex.EncodeToString(priv)
}

// PrivKeyFromHex decodes and validates a hex-encoded private key.
// A leading 0x is accepted.
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid privkey hex: %w", err)
	}
	if _, err := ethcrypto.ToECDSA(b); err != nil {
		return nil, fmt.Errorf("invalid privkey: %w", err)
	}
	return PrivateKey(b), nil
}

// AddressFromHex parses a 0x-prefixed 20-byte address.
func AddressFromHex(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
