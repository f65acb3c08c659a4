package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/tolelom/tolflip/core"
	"github.com/tolelom/tolflip/crypto"
	"github.com/tolelom/tolflip/ledger"
	"github.com/tolelom/tolflip/storage"
)

var genesisKey = []byte("meta:genesis")

// ApplyGenesis credits the configured allocations the first time it runs
// against db and records the chain ID. Credits and the marker are written
// in one batch, so a rejected alloc leaves the database untouched. Later
// calls are no-ops; a database initialised for a different chain ID is
// rejected.
func ApplyGenesis(cfg *Config, db storage.DB, led *ledger.Ledger) (applied bool, err error) {
	stored, err := db.Get(genesisKey)
	switch {
	case err == nil:
		if string(stored) != cfg.Genesis.ChainID {
			return false, fmt.Errorf("database belongs to chain %q, config says %q", stored, cfg.Genesis.ChainID)
		}
		return false, nil
	case !errors.Is(err, core.ErrNotFound):
		return false, err
	}

	credits := make(map[core.Address]uint64, len(cfg.Genesis.Alloc))
	for a, amount := range cfg.Genesis.Alloc {
		addr, err := crypto.AddressFromHex(a)
		if err != nil {
			return false, fmt.Errorf("genesis alloc: %w", err)
		}
		if credits[addr] > math.MaxUint64-amount {
			return false, fmt.Errorf("genesis alloc %s: %w", a, core.ErrOverflow)
		}
		credits[addr] += amount
	}

	b := db.NewBatch()
	if err := led.CreditBatch(b, credits); err != nil {
		return false, fmt.Errorf("genesis alloc: %w", err)
	}
	b.Set(genesisKey, []byte(cfg.Genesis.ChainID))
	if err := b.Write(); err != nil {
		return false, err
	}
	return true, nil
}
