package wallet

import (
	"math/big"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/crypto"
)

// Wallet holds a secp256k1 key and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	addr core.Address
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, addr: priv.Address()}
}

// Generate creates a Wallet with a freshly generated key.
func Generate() (*Wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// Address returns the account address derived from the public key.
func (w *Wallet) Address() core.Address {
	return w.addr
}

// Commit derives the commitment hash for secret and signs it.
func (w *Wallet) Commit(secret *big.Int) (core.Hash, crypto.Signature, error) {
	return crypto.SignCommitment(w.priv, secret)
}

// NewTx creates a signed transaction. chainID must match the target node and
// nonce the account's current nonce.
func (w *Wallet) NewTx(chainID string, typ core.TxType, nonce uint64, payload any) (*core.Transaction, error) {
	tx, err := core.NewTransaction(chainID, typ, w.addr, nonce, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(w.priv); err != nil {
		return nil, err
	}
	return tx, nil
}

// CreateGame commits to secret and builds a signed create_game transaction.
func (w *Wallet) CreateGame(chainID string, nonce, gameID, parameter, stake uint64, secret *big.Int) (*core.Transaction, error) {
	hash, sig, err := w.Commit(secret)
	if err != nil {
		return nil, err
	}
	return w.NewTx(chainID, core.TxCreateGame, nonce, core.CreateGamePayload{
		GameID:     gameID,
		Parameter:  parameter,
		Commitment: hash,
		Signature:  sig,
		Stake:      stake,
	})
}

// AcceptGame commits to secret and builds a signed accept_game transaction.
func (w *Wallet) AcceptGame(chainID string, nonce, gameID, stake uint64, secret *big.Int) (*core.Transaction, error) {
	hash, sig, err := w.Commit(secret)
	if err != nil {
		return nil, err
	}
	return w.NewTx(chainID, core.TxAcceptGame, nonce, core.AcceptGamePayload{
		GameID:     gameID,
		Commitment: hash,
		Signature:  sig,
		Stake:      stake,
	})
}

// CancelGame builds a signed cancel_game transaction.
func (w *Wallet) CancelGame(chainID string, nonce, gameID uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxCancelGame, nonce, core.CancelGamePayload{GameID: gameID})
}

// Transfer creates a signed transfer transaction.
func (w *Wallet) Transfer(chainID string, to core.Address, amount, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxTransfer, nonce, core.TransferPayload{
		To:     to,
		Amount: amount,
	})
}
