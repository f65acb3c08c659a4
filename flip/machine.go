// Package flip implements the wager state machine: a first player opens a
// game with a signed commitment and a stake, a second player matches it
// with an equal stake, and the creator may cancel while it is still open.
//
// Every operation on a game ID runs under that ID's lock, so verification,
// escrow and the registry write never interleave with another operation on
// the same game. Distinct games proceed concurrently.
package flip

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/tolelom/tolflip/commitment"
	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/events"
	"github.com/tolelom/tolflip/internal/keylock"
)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Defaults to the charmbracelet default logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithClock sets the clock used for game timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(m *Machine) {
		m.clock = clock
	}
}

// WithEmitter sets the event emitter. Without one no events are published.
func WithEmitter(emitter *events.Emitter) Option {
	return func(m *Machine) {
		m.emitter = emitter
	}
}

// Machine orchestrates game creation, acceptance and cancellation.
type Machine struct {
	games    core.GameStore
	ledger   core.Ledger
	verifier *commitment.Verifier
	emitter  *events.Emitter
	logger   *log.Logger
	clock    quartz.Clock
	locks    *keylock.Map[uint64]
}

// New creates a Machine over the given registry, ledger and verifier.
func New(games core.GameStore, ledger core.Ledger, verifier *commitment.Verifier, opts ...Option) *Machine {
	m := &Machine{
		games:    games,
		ledger:   ledger,
		verifier: verifier,
		logger:   log.Default(),
		clock:    quartz.NewReal(),
		locks:    keylock.New[uint64](),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithPrefix("flip")
	return m
}

// CreateGame opens game p.GameID for caller and escrows p.Stake.
func (m *Machine) CreateGame(ctx context.Context, caller core.Address, p core.CreateGamePayload) (*core.Game, error) {
	if !m.verifier.VerifyCommitment(p.Commitment, p.Signature, caller) {
		return nil, fmt.Errorf("create game %d: %w", p.GameID, core.ErrInvalidCommitment)
	}
	if p.Stake == 0 {
		return nil, fmt.Errorf("create game %d: %w", p.GameID, core.ErrMissingStake)
	}

	unlock := m.locks.Lock(p.GameID)
	defer unlock()

	prev, err := m.games.Get(p.GameID)
	switch {
	case err == nil && prev.Status.Live():
		return nil, fmt.Errorf("create game %d: %w", p.GameID, core.ErrGameExists)
	case err != nil && !errors.Is(err, core.ErrNotFound):
		return nil, fmt.Errorf("create game %d: %w", p.GameID, err)
	}

	if err := m.ledger.Escrow(ctx, caller, p.GameID, p.Stake); err != nil {
		return nil, fmt.Errorf("create game %d: escrow stake: %w", p.GameID, err)
	}

	now := m.clock.Now().UnixNano()
	g := &core.Game{
		ID:              p.GameID,
		FirstPlayer:     caller,
		Parameter:       p.Parameter,
		CommitmentFirst: p.Commitment,
		Stake:           p.Stake,
		Status:          core.StatusOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.games.Insert(g); err != nil {
		err = m.undo(ctx, err, func(ctx context.Context) error {
			return m.ledger.Release(ctx, caller, p.GameID, p.Stake)
		})
		return nil, fmt.Errorf("create game %d: %w", p.GameID, err)
	}

	m.logger.Info("wager made", "game", g.ID, "player", caller.Hex(), "stake", g.Stake)
	m.emit(events.Event{
		Type:   events.EventWagerMade,
		GameID: g.ID,
		Data: map[string]any{
			"player":     caller.Hex(),
			"amount":     g.Stake,
			"commitment": g.CommitmentFirst.Hex(),
		},
	})
	cp := *g
	return &cp, nil
}

// AcceptGame matches open game p.GameID as its second player. The stake
// must equal the first player's stake exactly.
func (m *Machine) AcceptGame(ctx context.Context, caller core.Address, p core.AcceptGamePayload) (*core.Game, error) {
	if !m.verifier.VerifyCommitment(p.Commitment, p.Signature, caller) {
		return nil, fmt.Errorf("accept game %d: %w", p.GameID, core.ErrInvalidCommitment)
	}

	unlock := m.locks.Lock(p.GameID)
	defer unlock()

	g, err := m.games.Get(p.GameID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("accept game %d: %w", p.GameID, core.ErrGameNotOpen)
	}
	if err != nil {
		return nil, fmt.Errorf("accept game %d: %w", p.GameID, err)
	}
	if g.Status != core.StatusOpen {
		return nil, fmt.Errorf("accept game %d (%s): %w", p.GameID, g.Status, core.ErrGameNotOpen)
	}
	if caller == g.FirstPlayer {
		return nil, fmt.Errorf("accept game %d: %w", p.GameID, core.ErrSelfMatch)
	}
	if p.Stake != g.Stake {
		return nil, fmt.Errorf("accept game %d: got %d want %d: %w", p.GameID, p.Stake, g.Stake, core.ErrStakeMismatch)
	}

	if err := m.ledger.Escrow(ctx, caller, p.GameID, p.Stake); err != nil {
		return nil, fmt.Errorf("accept game %d: escrow stake: %w", p.GameID, err)
	}

	next := *g
	next.SecondPlayer = caller
	next.CommitmentSecond = p.Commitment
	next.Status = core.StatusMatched
	next.UpdatedAt = m.clock.Now().UnixNano()
	if err := m.games.Update(&next); err != nil {
		err = m.undo(ctx, err, func(ctx context.Context) error {
			return m.ledger.Release(ctx, caller, p.GameID, p.Stake)
		})
		return nil, fmt.Errorf("accept game %d: %w", p.GameID, err)
	}

	m.logger.Info("wager accepted", "game", next.ID, "player", caller.Hex(), "stake", next.Stake)
	m.emit(events.Event{
		Type:   events.EventWagerAccepted,
		GameID: next.ID,
		Data: map[string]any{
			"player":     caller.Hex(),
			"commitment": next.CommitmentSecond.Hex(),
		},
	})
	return &next, nil
}

// CancelGame withdraws an open game and refunds its creator. Only the
// first player may cancel; for anyone else, including callers naming an
// unknown game, the result is ErrUnauthorized.
func (m *Machine) CancelGame(ctx context.Context, caller core.Address, gameID uint64) (*core.Game, error) {
	unlock := m.locks.Lock(gameID)
	defer unlock()

	g, err := m.games.Get(gameID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("cancel game %d: %w", gameID, core.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel game %d: %w", gameID, err)
	}
	if caller != g.FirstPlayer {
		return nil, fmt.Errorf("cancel game %d: %w", gameID, core.ErrUnauthorized)
	}
	if g.Status != core.StatusOpen {
		return nil, fmt.Errorf("cancel game %d (%s): %w", gameID, g.Status, core.ErrGameNotOpen)
	}

	if err := m.ledger.Release(ctx, g.FirstPlayer, gameID, g.Stake); err != nil {
		return nil, fmt.Errorf("cancel game %d: refund stake: %w", gameID, err)
	}

	next := *g
	next.Status = core.StatusCancelled
	next.UpdatedAt = m.clock.Now().UnixNano()
	if err := m.games.Update(&next); err != nil {
		err = m.undo(ctx, err, func(ctx context.Context) error {
			return m.ledger.Escrow(ctx, g.FirstPlayer, gameID, g.Stake)
		})
		return nil, fmt.Errorf("cancel game %d: %w", gameID, err)
	}

	m.logger.Info("wager cancelled", "game", gameID, "player", caller.Hex(), "refund", g.Stake)
	m.emit(events.Event{
		Type:   events.EventWagerCancelled,
		GameID: gameID,
		Data: map[string]any{
			"player": caller.Hex(),
			"amount": g.Stake,
		},
	})
	return &next, nil
}

// QueryGame returns the game stored under gameID. An unknown ID yields the
// zero Game and no error.
func (m *Machine) QueryGame(_ context.Context, gameID uint64) (core.Game, error) {
	g, err := m.games.Get(gameID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Game{}, nil
	}
	if err != nil {
		return core.Game{}, fmt.Errorf("query game %d: %w", gameID, err)
	}
	return *g, nil
}

// undo reverses a ledger movement after the registry refused the write.
// It runs detached from ctx cancellation so a cancelled request still
// gets its funds back.
func (m *Machine) undo(ctx context.Context, cause error, revert func(context.Context) error) error {
	if rerr := revert(context.WithoutCancel(ctx)); rerr != nil {
		m.logger.Error("ledger rollback failed", "cause", cause, "err", rerr)
		return fmt.Errorf("%w (rollback: %v)", cause, rerr)
	}
	return cause
}

func (m *Machine) emit(ev events.Event) {
	if m.emitter != nil {
		m.emitter.Emit(ev)
	}
}
