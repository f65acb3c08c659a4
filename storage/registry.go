package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/tolelom/tolflip/core"
)

const prefixGame = "game:"

// gameKey zero-pads the ID so prefix iteration returns games in ID order.
func gameKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixGame, id))
}

// GameRegistry implements core.GameStore on top of a DB. Each call is
// atomic; callers serialize multi-step operations on one game themselves.
type GameRegistry struct {
	mu sync.RWMutex
	db DB
}

// NewGameRegistry creates a GameRegistry backed by db.
func NewGameRegistry(db DB) *GameRegistry {
	return &GameRegistry{db: db}
}

// Get returns the game stored under id, or core.ErrNotFound.
func (r *GameRegistry) Get(id uint64) (*core.Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *GameRegistry) get(id uint64) (*core.Game, error) {
	data, err := r.db.Get(gameKey(id))
	if err != nil {
		return nil, err
	}
	var g core.Game
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode game %d: %w", id, err)
	}
	return &g, nil
}

func (r *GameRegistry) put(g *core.Game) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return r.db.Set(gameKey(g.ID), data)
}

// Insert records a new Open game. A live game under the same ID is never
// overwritten; a Cancelled one is replaced.
func (r *GameRegistry) Insert(g *core.Game) error {
	if g.Status != core.StatusOpen {
		return fmt.Errorf("%w: insert with status %s", core.ErrInvalidTransition, g.Status)
	}
	if g.SecondPlayer != (core.Address{}) {
		return fmt.Errorf("%w: new game already has a second player", core.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.get(g.ID)
	switch {
	case err == nil && prev.Status.Live():
		return fmt.Errorf("game %d: %w", g.ID, core.ErrGameExists)
	case err != nil && !errors.Is(err, core.ErrNotFound):
		return fmt.Errorf("checking game %d: %w", g.ID, err)
	}
	return r.put(g)
}

// Update applies Open→Matched or Open→Cancelled. Fields fixed at creation
// must be unchanged; the second player is set exactly once.
func (r *GameRegistry) Update(g *core.Game) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.get(g.ID)
	if err != nil {
		return fmt.Errorf("game %d: %w", g.ID, err)
	}
	if err := checkTransition(prev, g); err != nil {
		return fmt.Errorf("game %d: %w", g.ID, err)
	}
	return r.put(g)
}

func checkTransition(prev, next *core.Game) error {
	if prev.Status != core.StatusOpen {
		return fmt.Errorf("%w: game is %s", core.ErrInvalidTransition, prev.Status)
	}
	if prev.FirstPlayer != next.FirstPlayer ||
		prev.CommitmentFirst != next.CommitmentFirst ||
		prev.Parameter != next.Parameter ||
		prev.Stake != next.Stake ||
		prev.CreatedAt != next.CreatedAt {
		return fmt.Errorf("%w: immutable fields changed", core.ErrInvalidTransition)
	}
	switch next.Status {
	case core.StatusMatched:
		if next.SecondPlayer == (core.Address{}) {
			return fmt.Errorf("%w: matched without second player", core.ErrInvalidTransition)
		}
	case core.StatusCancelled:
		if next.SecondPlayer != (core.Address{}) || next.CommitmentSecond != (core.Hash{}) {
			return fmt.Errorf("%w: cancelled game has a second player", core.ErrInvalidTransition)
		}
	default:
		return fmt.Errorf("%w: open → %s", core.ErrInvalidTransition, next.Status)
	}
	return nil
}

// List returns up to limit games with ID >= from, in ID order.
// limit <= 0 means no limit.
func (r *GameRegistry) List(from uint64, limit int) ([]*core.Game, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it := r.db.NewIterator([]byte(prefixGame))
	defer it.Release()

	var out []*core.Game
	for it.Next() {
		id, err := strconv.ParseUint(string(it.Key()[len(prefixGame):]), 10, 64)
		if err != nil || id < from {
			continue
		}
		var g core.Game
		if err := json.Unmarshal(it.Value(), &g); err != nil {
			return nil, fmt.Errorf("decode game %d: %w", id, err)
		}
		out = append(out, &g)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}
