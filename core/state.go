package core

import "context"

// Account holds a participant's spendable balance and replay-protection nonce.
type Account struct {
	Address Address `json:"address"`
	Balance uint64  `json:"balance"`
	Nonce   uint64  `json:"nonce"`
}

// GameStore is the game registry. Implementations enforce the permitted
// transitions: Insert only creates Open games (and never over a live one),
// Update only applies Open→Matched or Open→Cancelled.
type GameStore interface {
	Get(id uint64) (*Game, error)
	Insert(g *Game) error
	Update(g *Game) error
}

// Ledger holds staked value. Both calls are all-or-nothing: on error no
// balance has moved.
type Ledger interface {
	// Escrow moves amount from the player's balance into the game's escrow.
	Escrow(ctx context.Context, from Address, gameID, amount uint64) error
	// Release moves amount out of the game's escrow back to a player.
	Release(ctx context.Context, to Address, gameID, amount uint64) error
}
