// Package indexer maintains secondary indexes over wager events so clients
// can look up a player's games without scanning the registry.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/crypto"
	"github.com/tolelom/tolflip/events"
	"github.com/tolelom/tolflip/storage"
)

const prefixPlayerGames = "idx:player:game:"

// Indexer subscribes to wager events and updates secondary lookup tables.
type Indexer struct {
	mu     sync.Mutex
	db     storage.DB
	logger *log.Logger
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter, logger *log.Logger) *Indexer {
	if logger == nil {
		logger = log.Default()
	}
	idx := &Indexer{db: db, logger: logger.WithPrefix("indexer")}
	emitter.Subscribe(events.EventWagerMade, idx.onWager)
	emitter.Subscribe(events.EventWagerAccepted, idx.onWager)
	return idx
}

// GamesByPlayer returns the IDs of every game addr created or accepted, in
// the order they happened. A re-created game ID appears once.
func (idx *Indexer) GamesByPlayer(addr core.Address) ([]uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.getList(playerKey(addr))
}

func playerKey(addr core.Address) string {
	return prefixPlayerGames + addr.Hex()
}

func (idx *Indexer) onWager(ev events.Event) {
	player, _ := ev.Data["player"].(string)
	if player == "" {
		return
	}
	addr, err := crypto.AddressFromHex(player)
	if err != nil {
		idx.logger.Warn("skip event with bad player", "type", ev.Type, "player", player)
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.addToList(playerKey(addr), ev.GameID); err != nil {
		idx.logger.Error("index update failed", "type", ev.Type, "game", ev.GameID, "err", err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]uint64, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key string, id uint64) error {
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	data, err := json.Marshal(append(ids, id))
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
