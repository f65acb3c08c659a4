package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/tolflip/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxCreateGame TxType = "create_game"
	TxAcceptGame TxType = "accept_game"
	TxCancelGame TxType = "cancel_game"
	TxTransfer   TxType = "transfer"
)

// Transaction is a signed request. From is the sender's address; the
// signature must recover to it. Signature covers all fields except ID and
// Signature itself.
type Transaction struct {
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      Address         `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"` // 0x-hex [R || S || V]
}

// signingBody holds the fields that are covered by the signature.
type signingBody struct {
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      Address         `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns the keccak256 of the signed fields.
// Returns the zero hash if marshalling fails (which cannot happen in practice).
func (tx *Transaction) Hash() Hash {
	data, err := json.Marshal(signingBody{
		ChainID:   tx.ChainID,
		Type:      tx.Type,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	})
	if err != nil {
		return Hash{}
	}
	return crypto.Keccak256(data)
}

// Sign computes the signature and sets ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) error {
	h := tx.Hash()
	sig, err := crypto.Sign(priv, h)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	tx.Signature = sig.Hex()
	tx.ID = h.Hex()
	return nil
}

// Verify checks that the signature recovers to From.
func (tx *Transaction) Verify() error {
	if tx.From == (Address{}) {
		return errors.New("missing from field")
	}
	sig, err := crypto.SignatureFromHex(tx.Signature)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverAddress(tx.Hash(), sig)
	if err != nil {
		return err
	}
	if signer != tx.From {
		return fmt.Errorf("signature recovers to %s, not %s", signer.Hex(), tx.From.Hex())
	}
	return nil
}

// NewTransaction creates an unsigned transaction with the current timestamp.
func NewTransaction(chainID string, typ TxType, from Address, nonce uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Transaction{
		ChainID:   chainID,
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}

// ---- Payload types ----

// CreateGamePayload opens a wager and escrows Stake from the sender.
type CreateGamePayload struct {
	GameID     uint64           `json:"game_id"`
	Parameter  uint64           `json:"parameter"`
	Commitment Hash             `json:"commitment"`
	Signature  crypto.Signature `json:"signature"`
	Stake      uint64           `json:"stake"`
}

// AcceptGamePayload matches an open wager.
type AcceptGamePayload struct {
	GameID     uint64           `json:"game_id"`
	Commitment Hash             `json:"commitment"`
	Signature  crypto.Signature `json:"signature"`
	Stake      uint64           `json:"stake"`
}

// CancelGamePayload withdraws an unmatched wager.
type CancelGamePayload struct {
	GameID uint64 `json:"game_id"`
}

// TransferPayload transfers spendable balance.
type TransferPayload struct {
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
}
