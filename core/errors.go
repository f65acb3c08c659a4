package core

import "errors"

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// Wager errors reported by the game state machine.
var (
	ErrInvalidCommitment = errors.New("bad signature")
	ErrMissingStake      = errors.New("missing stake")
	ErrStakeMismatch     = errors.New("stake does not match game stake")
	ErrGameNotOpen       = errors.New("game not open")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrGameExists        = errors.New("game already exists")
	ErrSelfMatch         = errors.New("cannot accept own game")
)

// Storage and ledger errors.
var (
	ErrInvalidTransition  = errors.New("invalid game transition")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientEscrow = errors.New("insufficient escrow")
	ErrOverflow           = errors.New("balance overflow")
	ErrInvalidNonce       = errors.New("invalid nonce")
)

// ErrInvalidTx marks a transaction rejected before dispatch: wrong chain,
// bad signature, unknown type or malformed payload.
var ErrInvalidTx = errors.New("invalid transaction")
