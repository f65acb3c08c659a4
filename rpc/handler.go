package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/crypto"
	"github.com/tolelom/tolflip/flip"
	"github.com/tolelom/tolflip/indexer"
	"github.com/tolelom/tolflip/ledger"
	"github.com/tolelom/tolflip/storage"
	"github.com/tolelom/tolflip/vm"
)

const maxListLimit = 100

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	exec    *vm.Executor
	machine *flip.Machine
	games   *storage.GameRegistry
	ledger  *ledger.Ledger
	indexer *indexer.Indexer
}

// NewHandler creates an RPC Handler.
func NewHandler(exec *vm.Executor, machine *flip.Machine, games *storage.GameRegistry, ledger *ledger.Ledger, idx *indexer.Indexer) *Handler {
	return &Handler{exec: exec, machine: machine, games: games, ledger: ledger, indexer: idx}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "sendTx":
		return h.sendTx(ctx, req)

	case "getGame":
		return h.getGame(ctx, req)

	case "listGames":
		return h.listGames(req)

	case "getBalance":
		return h.getBalance(req)

	case "getEscrow":
		return h.getEscrow(req)

	case "getGamesByPlayer":
		return h.getGamesByPlayer(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) sendTx(ctx context.Context, req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash().Hex()
	if err := h.exec.ExecuteTx(ctx, &tx); err != nil {
		return errResponse(req.ID, codeFor(err), err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}

type gameIDParams struct {
	GameID *uint64 `json:"game_id"`
}

func (p *gameIDParams) parse(raw json.RawMessage) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return err
	}
	if p.GameID == nil {
		return fmt.Errorf("game_id is required")
	}
	return nil
}

func (h *Handler) getGame(ctx context.Context, req Request) Response {
	var params gameIDParams
	if err := params.parse(req.Params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	g, err := h.machine.QueryGame(ctx, *params.GameID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, g)
}

func (h *Handler) listGames(req Request) Response {
	var params struct {
		From  uint64 `json:"from"`
		Limit int    `json:"limit"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, CodeInvalidParams, err.Error())
		}
	}
	if params.Limit <= 0 || params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}
	games, err := h.games.List(params.From, params.Limit)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if games == nil {
		games = []*core.Game{}
	}
	return okResponse(req.ID, games)
}

func parseAddress(raw json.RawMessage) (core.Address, error) {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return core.Address{}, err
	}
	if params.Address == "" {
		return core.Address{}, fmt.Errorf("address is required")
	}
	return crypto.AddressFromHex(params.Address)
}

func (h *Handler) getBalance(req Request) Response {
	addr, err := parseAddress(req.Params)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	acc, err := h.ledger.Account(addr)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": addr.Hex(), "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) getEscrow(req Request) Response {
	var params gameIDParams
	if err := params.parse(req.Params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	held, err := h.ledger.EscrowOf(*params.GameID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"game_id": *params.GameID, "amount": held})
}

func (h *Handler) getGamesByPlayer(req Request) Response {
	addr, err := parseAddress(req.Params)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	ids, err := h.indexer.GamesByPlayer(addr)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if ids == nil {
		ids = []uint64{}
	}
	return okResponse(req.ID, ids)
}
