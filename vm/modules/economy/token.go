package economy

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/events"
	"github.com/tolelom/tolflip/vm"
)

func init() {
	vm.Register(core.TxTransfer, handleTransfer)
}

func handleTransfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: decode transfer payload: %v", core.ErrInvalidTx, err)
	}
	if p.To == (core.Address{}) {
		return fmt.Errorf("%w: transfer to address required", core.ErrInvalidTx)
	}
	if p.Amount == 0 {
		return fmt.Errorf("%w: transfer amount must be > 0", core.ErrInvalidTx)
	}

	if err := ctx.Ledger.Transfer(ctx.Tx.From, p.To, p.Amount); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type: events.EventTokenTransfer,
			TxID: ctx.Tx.ID,
			Data: map[string]any{
				"from":   ctx.Tx.From.Hex(),
				"to":     p.To.Hex(),
				"amount": p.Amount,
			},
		})
	}
	return nil
}
