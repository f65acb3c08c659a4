// Package ledger keeps spendable balances, nonces and per-game escrow in a
// storage.DB. Every mutation is written as one batch, so a failed call
// never leaves a half-moved stake behind.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/storage"
)

const (
	prefixAccount = "acct:"
	prefixEscrow  = "escrow:"
)

func accountKey(addr core.Address) []byte {
	return []byte(prefixAccount + addr.Hex())
}

func escrowKey(gameID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEscrow, gameID))
}

// Ledger implements core.Ledger.
type Ledger struct {
	mu sync.Mutex
	db storage.DB
}

// New creates a Ledger backed by db.
func New(db storage.DB) *Ledger {
	return &Ledger{db: db}
}

// Account returns the account for addr; unknown addresses read as a
// zero-value account.
func (l *Ledger) Account(addr core.Address) (*core.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account(addr)
}

// EscrowOf returns the value currently held for gameID.
func (l *Ledger) EscrowOf(gameID uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrow(gameID)
}

// Credit adds amount to addr's balance. Used for genesis allocation.
func (l *Ledger) Credit(addr core.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.account(addr)
	if err != nil {
		return err
	}
	if acc.Balance > math.MaxUint64-amount {
		return core.ErrOverflow
	}
	acc.Balance += amount
	b := l.db.NewBatch()
	if err := putAccount(b, acc); err != nil {
		return err
	}
	return b.Write()
}

// CreditBatch stages credits for several accounts into b. Nothing is
// visible until the caller writes b, so a failure part way leaves no credit.
func (l *Ledger) CreditBatch(b storage.Batch, credits map[core.Address]uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, amount := range credits {
		acc, err := l.account(addr)
		if err != nil {
			return err
		}
		if acc.Balance > math.MaxUint64-amount {
			return fmt.Errorf("credit %s: %w", addr.Hex(), core.ErrOverflow)
		}
		acc.Balance += amount
		if err := putAccount(b, acc); err != nil {
			return err
		}
	}
	return nil
}

// Transfer moves amount of spendable balance from one account to another.
func (l *Ledger) Transfer(from, to core.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: transfer amount must be > 0", core.ErrInvalidTx)
	}
	if from == to {
		return fmt.Errorf("%w: cannot transfer to self", core.ErrInvalidTx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sender, err := l.account(from)
	if err != nil {
		return err
	}
	if sender.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientFunds, sender.Balance, amount)
	}
	recipient, err := l.account(to)
	if err != nil {
		return err
	}
	if recipient.Balance > math.MaxUint64-amount {
		return core.ErrOverflow
	}
	sender.Balance -= amount
	recipient.Balance += amount

	b := l.db.NewBatch()
	if err := putAccount(b, sender); err != nil {
		return err
	}
	if err := putAccount(b, recipient); err != nil {
		return err
	}
	return b.Write()
}

// UseNonce consumes nonce for addr. It must equal the account's next nonce.
func (l *Ledger) UseNonce(addr core.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.account(addr)
	if err != nil {
		return err
	}
	if acc.Nonce != nonce {
		return fmt.Errorf("%w: expected %d got %d", core.ErrInvalidNonce, acc.Nonce, nonce)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("%w: nonce overflow for account %s", core.ErrInvalidNonce, addr.Hex())
	}
	acc.Nonce++
	b := l.db.NewBatch()
	if err := putAccount(b, acc); err != nil {
		return err
	}
	return b.Write()
}

// RollbackNonce returns nonce to addr after the transaction that consumed
// it failed. It only succeeds if nonce was the last one used.
func (l *Ledger) RollbackNonce(addr core.Address, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.account(addr)
	if err != nil {
		return err
	}
	if nonce == math.MaxUint64 || acc.Nonce != nonce+1 {
		return fmt.Errorf("%w: cannot roll back %d, next is %d", core.ErrInvalidNonce, nonce, acc.Nonce)
	}
	acc.Nonce = nonce
	b := l.db.NewBatch()
	if err := putAccount(b, acc); err != nil {
		return err
	}
	return b.Write()
}

// Escrow moves amount from the player's balance into gameID's escrow.
func (l *Ledger) Escrow(ctx context.Context, from core.Address, gameID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == 0 {
		return core.ErrMissingStake
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acc, err := l.account(from)
	if err != nil {
		return err
	}
	if acc.Balance < amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientFunds, acc.Balance, amount)
	}
	held, err := l.escrow(gameID)
	if err != nil {
		return err
	}
	if held > math.MaxUint64-amount {
		return core.ErrOverflow
	}
	acc.Balance -= amount

	b := l.db.NewBatch()
	if err := putAccount(b, acc); err != nil {
		return err
	}
	putEscrow(b, gameID, held+amount)
	return b.Write()
}

// Release moves amount out of gameID's escrow to the player's balance.
func (l *Ledger) Release(ctx context.Context, to core.Address, gameID, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	held, err := l.escrow(gameID)
	if err != nil {
		return err
	}
	if held < amount {
		return fmt.Errorf("%w: game %d holds %d, release %d", core.ErrInsufficientEscrow, gameID, held, amount)
	}
	acc, err := l.account(to)
	if err != nil {
		return err
	}
	if acc.Balance > math.MaxUint64-amount {
		return core.ErrOverflow
	}
	acc.Balance += amount

	b := l.db.NewBatch()
	if err := putAccount(b, acc); err != nil {
		return err
	}
	putEscrow(b, gameID, held-amount)
	return b.Write()
}

// ---- internal helpers ----

func (l *Ledger) account(addr core.Address) (*core.Account, error) {
	data, err := l.db.Get(accountKey(addr))
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: addr}, nil
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr.Hex(), err)
	}
	return &acc, nil
}

func (l *Ledger) escrow(gameID uint64) (uint64, error) {
	data, err := l.db.Get(escrowKey(gameID))
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

func putAccount(b storage.Batch, acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	b.Set(accountKey(acc.Address), data)
	return nil
}

func putEscrow(b storage.Batch, gameID, amount uint64) {
	if amount == 0 {
		b.Delete(escrowKey(gameID))
		return
	}
	b.Set(escrowKey(gameID), []byte(strconv.FormatUint(amount, 10)))
}
