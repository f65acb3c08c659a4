// Package rpc exposes wager state and transaction submission via a
// JSON-RPC 2.0 HTTP endpoint, plus a websocket event stream.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/tolelom/tolflip/core"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeUnauthorized   = -32000
)

// Wager error codes.
const (
	CodeInvalidCommitment = -32010
	CodeMissingStake      = -32011
	CodeStakeMismatch     = -32012
	CodeGameNotOpen       = -32013
	CodeNotGameOwner      = -32014
	CodeGameExists        = -32015
	CodeSelfMatch         = -32016
	CodeInsufficientFunds = -32017
)

var errorCodes = []struct {
	err  error
	code int
}{
	{core.ErrInvalidCommitment, CodeInvalidCommitment},
	{core.ErrMissingStake, CodeMissingStake},
	{core.ErrStakeMismatch, CodeStakeMismatch},
	{core.ErrGameNotOpen, CodeGameNotOpen},
	{core.ErrUnauthorized, CodeNotGameOwner},
	{core.ErrGameExists, CodeGameExists},
	{core.ErrSelfMatch, CodeSelfMatch},
	{core.ErrInsufficientFunds, CodeInsufficientFunds},
	{core.ErrInvalidTx, CodeInvalidParams},
	{core.ErrInvalidNonce, CodeInvalidParams},
}

// codeFor maps an execution error to its JSON-RPC code.
func codeFor(err error) int {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternalError
}

func errResponse(id any, code int, msg string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: msg},
	}
}

func okResponse(id, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}
