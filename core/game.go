package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies a participant (20-byte secp256k1 account address).
type Address = common.Address

// Hash is a 32-byte commitment or digest.
type Hash = common.Hash

// GameStatus is the lifecycle state of a wager.
type GameStatus uint8

const (
	StatusNone GameStatus = iota // zero value of an absent game
	StatusOpen
	StatusMatched
	StatusCancelled
)

var statusNames = map[GameStatus]string{
	StatusNone:      "none",
	StatusOpen:      "open",
	StatusMatched:   "matched",
	StatusCancelled: "cancelled",
}

func (s GameStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText encodes the status by name.
func (s GameStatus) MarshalText() ([]byte, error) {
	n, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown game status %d", uint8(s))
	}
	return []byte(n), nil
}

// UnmarshalText decodes a status name.
func (s *GameStatus) UnmarshalText(b []byte) error {
	for st, n := range statusNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown game status %q", b)
}

// Live reports whether the status blocks re-creation of the game ID.
func (s GameStatus) Live() bool {
	return s == StatusOpen || s == StatusMatched
}

// Game is one two-party wager. Parameter is stored verbatim and never
// interpreted.
type Game struct {
	ID               uint64     `json:"id"`
	FirstPlayer      Address    `json:"first_player"`
	SecondPlayer     Address    `json:"second_player"`
	Parameter        uint64     `json:"parameter"`
	CommitmentFirst  Hash       `json:"commitment_first"`
	CommitmentSecond Hash       `json:"commitment_second"`
	Stake            uint64     `json:"stake"`
	Status           GameStatus `json:"status"`
	CreatedAt        int64      `json:"created_at"`
	UpdatedAt        int64      `json:"updated_at"`
}
