package vm

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/events"
	"github.com/tolelom/tolflip/flip"
	"github.com/tolelom/tolflip/internal/keylock"
	"github.com/tolelom/tolflip/ledger"
)

// Context is passed to every Handler and provides access to the wager
// machine, the ledger, the triggering transaction and the event emitter.
// Handlers must use Tx.From as the caller identity.
type Context struct {
	Ctx     context.Context
	Machine *flip.Machine
	Ledger  *ledger.Ledger
	Tx      *core.Transaction
	Emitter *events.Emitter
}

// Executor verifies transactions and dispatches them through the global
// Handler registry.
type Executor struct {
	chainID string
	machine *flip.Machine
	ledger  *ledger.Ledger
	emitter *events.Emitter
	logger  *log.Logger
	senders *keylock.Map[core.Address]
}

// NewExecutor creates an Executor accepting transactions for chainID.
func NewExecutor(chainID string, machine *flip.Machine, ledger *ledger.Ledger, emitter *events.Emitter, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		chainID: chainID,
		machine: machine,
		ledger:  ledger,
		emitter: emitter,
		logger:  logger.WithPrefix("vm"),
		senders: keylock.New[core.Address](),
	}
}

// ExecuteTx verifies and executes a single transaction. Transactions from
// the same sender run one at a time; the sender's nonce stays advanced only
// when the handler succeeds.
func (e *Executor) ExecuteTx(ctx context.Context, tx *core.Transaction) error {
	if tx.ChainID != e.chainID {
		return fmt.Errorf("%w: chain id %q, want %q", core.ErrInvalidTx, tx.ChainID, e.chainID)
	}
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("%w: signature: %v", core.ErrInvalidTx, err)
	}
	if !globalRegistry.Has(tx.Type) {
		return fmt.Errorf("%w: unknown type %q", core.ErrInvalidTx, tx.Type)
	}

	unlock := e.senders.Lock(tx.From)
	defer unlock()

	// The nonce is consumed before dispatch so a state change is never
	// left without its nonce; a failed handler gets the nonce back.
	if err := e.ledger.UseNonce(tx.From, tx.Nonce); err != nil {
		return fmt.Errorf("use nonce: %w", err)
	}

	vctx := &Context{
		Ctx:     ctx,
		Machine: e.machine,
		Ledger:  e.ledger,
		Tx:      tx,
		Emitter: e.emitter,
	}
	if err := globalRegistry.Execute(tx.Type, vctx, tx.Payload); err != nil {
		e.logger.Debug("tx rejected", "tx", tx.ID, "type", tx.Type, "from", tx.From.Hex(), "err", err)
		if rerr := e.ledger.RollbackNonce(tx.From, tx.Nonce); rerr != nil {
			e.logger.Error("return nonce after failed tx", "tx", tx.ID, "from", tx.From.Hex(), "err", rerr)
		}
		return err
	}

	e.logger.Debug("tx executed", "tx", tx.ID, "type", tx.Type, "from", tx.From.Hex())
	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type: events.EventTxExecuted,
			TxID: tx.ID,
			Data: map[string]any{"type": string(tx.Type), "from": tx.From.Hex()},
		})
	}
	return nil
}
