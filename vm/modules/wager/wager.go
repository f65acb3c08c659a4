// Package wager exposes the flip machine's operations as transactions.
package wager

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/vm"
)

func init() {
	vm.Register(core.TxCreateGame, handleCreate)
	vm.Register(core.TxAcceptGame, handleAccept)
	vm.Register(core.TxCancelGame, handleCancel)
}

func decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", core.ErrInvalidTx, err)
	}
	return nil
}

func handleCreate(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CreateGamePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	_, err := ctx.Machine.CreateGame(ctx.Ctx, ctx.Tx.From, p)
	return err
}

func handleAccept(ctx *vm.Context, payload json.RawMessage) error {
	var p core.AcceptGamePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	_, err := ctx.Machine.AcceptGame(ctx.Ctx, ctx.Tx.From, p)
	return err
}

func handleCancel(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CancelGamePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	_, err := ctx.Machine.CancelGame(ctx.Ctx, ctx.Tx.From, p.GameID)
	return err
}
