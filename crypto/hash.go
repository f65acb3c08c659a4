package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Keccak256 returns the Keccak-256 hash of the concatenated inputs.
func Keccak256(data ...[]byte) common.Hash {
	return ethcrypto.Keccak256Hash(data...)
}
